// Package device manages the registry of enrolled managed devices.
//
// A device belongs to exactly one user and carries two independent lock
// sources: an explicit operator lock (admin_locked) and the compliance
// verdict from the latest policy evaluation. The lock a device actually
// experiences is derived from both via Device.EffectiveLock and is
// never written to storage.
//
// Compliance updates run in a single transaction that also returns the
// prior state, so callers can detect the compliant-to-non-compliant
// edge without racing other writers.
package device
