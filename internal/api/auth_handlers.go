package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Constyk20/secureguard-backend/internal/auth"
)

// registerRequest is the payload for POST /auth/register.
type registerRequest struct {
	RollNo   string `json:"roll_no"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// loginRequest is the payload for POST /auth/login.
type loginRequest struct {
	RollNo   string `json:"roll_no"`
	Password string `json:"password"`
}

// authResponse is returned by both register and login.
type authResponse struct {
	Token string     `json:"token"`
	User  *auth.User `json:"user"`
}

// minPasswordLength is the minimum accepted password length.
const minPasswordLength = 8

// handleRegister creates a new account and returns a signed token.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if !auth.IsValidRollNo(req.RollNo) {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "invalid roll number")
		return
	}
	if req.Name == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "name and email are required")
		return
	}
	if len(req.Password) < minPasswordLength {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "password must be at least 8 characters")
		return
	}

	// Role defaults to student. Admin accounts are only accepted when
	// explicitly requested AND the request carries an admin token;
	// self-service registration cannot mint admins.
	role := auth.RoleStudent
	if req.Role == string(auth.RoleAdmin) {
		claims, err := s.claimsFromRequest(r)
		if err != nil || claims.Role != auth.RoleAdmin {
			writeForbidden(w, "admin accounts can only be created by an admin")
			return
		}
		role = auth.RoleAdmin
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.logger.Error("hashing password", "error", err)
		writeInternalError(w, "registration failed")
		return
	}

	user := &auth.User{
		RollNo:       req.RollNo,
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
	}
	if err := s.users.Create(r.Context(), user); err != nil {
		switch {
		case errors.Is(err, auth.ErrRollNoExists):
			writeError(w, http.StatusConflict, ErrCodeConflict, "roll number already registered")
		case errors.Is(err, auth.ErrEmailExists):
			writeError(w, http.StatusConflict, ErrCodeConflict, "email already registered")
		default:
			s.logger.Error("creating user", "error", err)
			writeInternalError(w, "registration failed")
		}
		return
	}

	token, err := auth.GenerateAccessToken(user, s.secCfg.JWT.Secret, s.secCfg.JWT.AccessTokenTTL)
	if err != nil {
		s.logger.Error("signing token", "error", err)
		writeInternalError(w, "registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

// handleLogin authenticates by roll number and password.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	user, err := s.users.Authenticate(r.Context(), req.RollNo, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			writeUnauthorized(w, "invalid roll number or password")
		case errors.Is(err, auth.ErrUserInactive):
			writeForbidden(w, "account is deactivated")
		default:
			s.logger.Error("authenticating user", "error", err)
			writeInternalError(w, "login failed")
		}
		return
	}

	token, err := auth.GenerateAccessToken(user, s.secCfg.JWT.Secret, s.secCfg.JWT.AccessTokenTTL)
	if err != nil {
		s.logger.Error("signing token", "error", err)
		writeInternalError(w, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}
