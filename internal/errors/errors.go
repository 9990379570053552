package errors

import "errors"

// Client errors.
var (
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrInvalidToken        = errors.New("invalid or expired token")
	ErrEmptyMessage        = errors.New("message text is empty")
	ErrConversationNotOpen = errors.New("conversation is not open")
)

// Session/transport errors.
var (
	ErrNotConnected  = errors.New("not connected")
	ErrSessionClosed = errors.New("session closed")
	ErrAPIRequest    = errors.New("API request failed")
	ErrAPIResponse   = errors.New("unexpected API response")
)
