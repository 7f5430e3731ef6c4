package campaign

import "errors"

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound          = errors.New("campaign not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTerminal          = errors.New("campaign is in a terminal state")
	ErrInvalidTemplate   = errors.New("campaign template is invalid")
	ErrNoRecipients      = errors.New("campaign has no recipients")
)
