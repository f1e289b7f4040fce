package scripts

import "errors"

var (
	ErrAlreadyRunning      = errors.New("script already running")
	ErrNotRunning          = errors.New("script not running")
	ErrInterpreterNotFound = errors.New("interpreter not found")
	ErrValidationFailed    = errors.New("script validation failed")
	ErrSpawnFailed         = errors.New("script spawn failed")
	ErrInvalidScriptID     = errors.New("invalid script id")
	ErrSupervisorClosed    = errors.New("supervisor is shutting down")
)
