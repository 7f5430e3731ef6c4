package message

import "errors"

// Sentinel errors for the scheduled-message service layer.
var (
	ErrNotFound        = errors.New("scheduled message not found")
	ErrNotPending      = errors.New("scheduled message is no longer pending")
	ErrInvalidTemplate = errors.New("message template is invalid")
	ErrRunAtPast       = errors.New("run_at is in the past")
)
