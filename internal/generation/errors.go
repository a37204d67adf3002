package generation

import "errors"

var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("generation not found")
	ErrNotReady           = errors.New("not ready")
	ErrInvalidState       = errors.New("invalid state")
	ErrRenderFailure      = errors.New("render failure")
	ErrCompositionFailure = errors.New("composition failure")
	ErrAlreadyTerminal    = errors.New("already terminal")

	ErrInvalidTransition = errors.New("invalid stage transition")
)
