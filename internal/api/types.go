package api

import "github.com/alexjbarnes/feedchat/internal/models"

// LoginRequest is the payload for POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned from POST /api/auth/login.
type LoginResponse struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

// APIError is the backend's error body.
type APIError struct {
	Message string `json:"message"`
}
