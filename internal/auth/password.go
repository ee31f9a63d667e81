package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id cost settings. Login happens once per session and tokens are
// long-lived, so hashing cost is paid rarely; 64 MiB at three passes is
// affordable on the single small host this service runs on while
// keeping GPU cracking expensive. Parallelism stays at 1 because the
// SQLite writer already serialises most request work.
const (
	hashPasses   uint32 = 3
	hashMemoryKB uint32 = 64 * 1024
	hashLanes    uint8  = 1
	hashBytes    uint32 = 32
	saltBytes           = 16
)

// phcFieldCount is the number of $-separated fields in a PHC string,
// counting the empty leading field: $argon2id$v=..$m=..,t=..,p=..$salt$hash
const phcFieldCount = 6

// HashPassword derives an Argon2id hash of the password and encodes it
// as a PHC string. The cost parameters travel inside the string, so
// they can be raised later without invalidating stored credentials.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, hashPasses, hashMemoryKB, hashLanes, hashBytes)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		hashMemoryKB, hashPasses, hashLanes,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
	return encoded, nil
}

// VerifyPassword reports whether password matches the stored PHC hash.
// The stored string's own cost parameters are used, so credentials
// hashed under older settings keep verifying.
func VerifyPassword(password, stored string) (bool, error) {
	salt, key, cost, err := parsePHC(stored)
	if err != nil {
		return false, err
	}

	candidate := argon2.IDKey([]byte(password), salt, cost.passes, cost.memoryKB, cost.lanes, uint32(len(key))) //nolint:gosec // G115: key length always fits uint32

	return subtle.ConstantTimeCompare(key, candidate) == 1, nil
}

// argonCost holds the cost parameters recovered from a PHC string.
type argonCost struct {
	passes   uint32
	memoryKB uint32
	lanes    uint8
}

// parsePHC splits a PHC-encoded Argon2id hash into salt, derived key,
// and cost parameters.
func parsePHC(stored string) (salt, key []byte, cost argonCost, err error) {
	fields := strings.Split(stored, "$")
	if len(fields) != phcFieldCount {
		return nil, nil, cost, fmt.Errorf("malformed password hash")
	}
	if fields[1] != "argon2id" {
		return nil, nil, cost, fmt.Errorf("unsupported hash algorithm: %s", fields[1])
	}

	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil { //nolint:govet // shadow: err re-declared in nested scope
		return nil, nil, cost, fmt.Errorf("parsing hash version: %w", err)
	}

	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &cost.memoryKB, &cost.passes, &cost.lanes); err != nil { //nolint:govet // shadow: err re-declared in nested scope
		return nil, nil, cost, fmt.Errorf("parsing hash parameters: %w", err)
	}

	if salt, err = base64.RawStdEncoding.DecodeString(fields[4]); err != nil {
		return nil, nil, cost, fmt.Errorf("decoding salt: %w", err)
	}
	if key, err = base64.RawStdEncoding.DecodeString(fields[5]); err != nil {
		return nil, nil, cost, fmt.Errorf("decoding hash: %w", err)
	}

	return salt, key, cost, nil
}
