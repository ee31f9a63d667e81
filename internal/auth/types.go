// Package auth provides user accounts, password hashing, and JWT
// token handling for the SecureGuard backend.
package auth

import (
	"errors"
	"regexp"
	"time"
)

// rollNoPattern defines the valid format for roll numbers:
// alphanumeric with dots, hyphens, underscores, 1-32 characters.
var rollNoPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,32}$`)

// maxRollNoLength is the maximum allowed roll number length.
const maxRollNoLength = 32

// IsValidRollNo checks if a roll number meets format requirements.
func IsValidRollNo(rollNo string) bool {
	return len(rollNo) <= maxRollNoLength && rollNoPattern.MatchString(rollNo)
}

// Role represents an authorisation tier in the system.
type Role string

const (
	// RoleStudent owns enrolled devices and submits compliance reports.
	// Students can only see and operate their own devices.
	RoleStudent Role = "student"

	// RoleAdmin operates the control plane: fleet visibility, manual
	// lock/unlock, ping, wipe, and the audit ledger.
	RoleAdmin Role = "admin"
)

// ValidRoles is the set of valid account roles.
var ValidRoles = []Role{RoleStudent, RoleAdmin}

// IsValidRole returns true if the role is a recognised account role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// User represents an authenticated account.
type User struct {
	ID           string    `json:"id"`
	RollNo       string    `json:"roll_no"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"` // never serialised
	Role         Role      `json:"role"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Sentinel errors for auth operations.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserInactive       = errors.New("user account is inactive")
	ErrRollNoExists       = errors.New("roll number already registered")
	ErrEmailExists        = errors.New("email already registered")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrForbidden          = errors.New("insufficient permissions")
)
