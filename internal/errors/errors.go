package errors

import "errors"

// Client errors.
var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrDuplicateSend   = errors.New("duplicate send suppressed")
	ErrInvalidToken    = errors.New("invalid or expired token")
)

// Server/transport errors.
var (
	ErrAPIRequest   = errors.New("API request failed")
	ErrAPIResponse  = errors.New("unexpected API response")
	ErrNotConnected = errors.New("live channel not connected")
	ErrSendTimeout  = errors.New("timed out waiting for send acknowledgement")
)
