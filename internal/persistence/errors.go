package persistence

import "errors"

var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidStatus           = errors.New("invalid scheduled task status")
	ErrInvalidNotificationType = errors.New("invalid notification type")
	ErrIllegalTransition       = errors.New("illegal status transition")
	ErrInvalidPayload          = errors.New("notification payload is not valid JSON")
)
