package ashcmd

import (
	"errors"
	"fmt"
)

// Backend failure kinds. A BackendError matches exactly one of these with
// errors.Is.
var (
	ErrModelUnavailable  = errors.New("model unavailable")
	ErrAuth              = errors.New("authentication failed")
	ErrNetwork           = errors.New("network error")
	ErrGenerationTimeout = errors.New("generation timed out")
)

// ErrNoCommandFound is returned by the extractor when no line of the
// response resembles a shell command.
var ErrNoCommandFound = errors.New("no command found in model output")

// ErrUsage marks invalid command-line usage, such as an empty prompt.
var ErrUsage = errors.New("usage error")

// ConfigError reports a malformed config file.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// BackendError is a generation failure. Kind is one of ErrModelUnavailable,
// ErrAuth, ErrNetwork or ErrGenerationTimeout.
type BackendError struct {
	Backend BackendKind
	Kind    error
	Err     error
}

// NewBackendError wraps err with a backend and failure kind.
func NewBackendError(backend BackendKind, kind, err error) *BackendError {
	return &BackendError{Backend: backend, Kind: kind, Err: err}
}

func (e *BackendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s backend: %v", e.Backend, e.Kind)
	}
	return fmt.Sprintf("%s backend: %v: %v", e.Backend, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ExecutionError reports a command that ran and exited non-zero, or could
// not be started at all (ExitCode -1).
type ExecutionError struct {
	Command  string
	ExitCode int
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.ExitCode < 0 {
		return fmt.Sprintf("failed to run %q: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("command exited with status %d", e.ExitCode)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
