package ws

import (
	"errors"
	"fmt"
)

const msgRoomDoesNotExist = "Room does not exist. Please create a new room."

// ErrHubStopped is returned by requests to a hub whose Run loop has returned.
var ErrHubStopped = errors.New("hub stopped")

// ValidationError is a malformed or incomplete request. It is replied to the caller only.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NotFoundError is a request for a room that neither exists in memory nor in the backing cache.
type NotFoundError struct {
	RoomId string
}

func (e *NotFoundError) Error() string {
	return msgRoomDoesNotExist
}

// AuthorizationError is an admin-only operation invoked by a non-admin (or vice versa).
type AuthorizationError struct {
	Op string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("not allowed to %s", e.Op)
}

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// isClientError reports whether err is meant to be replied to the caller. Everything else is only logged.
func isClientError(err error) bool {
	var validationErr *ValidationError
	var notFoundErr *NotFoundError
	var authErr *AuthorizationError
	return errors.As(err, &validationErr) || errors.As(err, &notFoundErr) || errors.As(err, &authErr)
}
