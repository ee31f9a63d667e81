// Package database provides SQLite connectivity for the SecureGuard backend.
//
// It wraps database/sql with:
//   - Connection setup (WAL mode, busy timeout, foreign keys)
//   - Embedded schema migrations applied at startup
//   - Health checks for the API health endpoint
//
// SQLite is run with a single open connection so all writers are
// serialised; readers share the same connection. This keeps the device
// compliance read-modify-write cycle atomic without row locking.
package database
