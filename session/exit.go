package session

import (
	"context"
	"errors"

	"github.com/Paranoid-AF/ashcmd"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitUnexpected  = 1
	ExitConfig      = 2
	ExitBackend     = 3
	ExitExtract     = 4
	ExitExecution   = 5
	ExitInterrupted = 130
)

// ExitCode maps an error returned by Run to a process exit code. A
// declined command is not an error and exits 0.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		cfgErr     *ashcmd.ConfigError
		backendErr *ashcmd.BackendError
		execErr    *ashcmd.ExecutionError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.As(err, &cfgErr), errors.Is(err, ashcmd.ErrUsage):
		return ExitConfig
	case errors.As(err, &backendErr):
		return ExitBackend
	case errors.Is(err, ashcmd.ErrNoCommandFound):
		return ExitExtract
	case errors.As(err, &execErr):
		return ExitExecution
	}
	return ExitUnexpected
}
