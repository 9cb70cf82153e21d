package gate

import (
	"context"
	"errors"
	"io"
	"os/exec"

	"github.com/Paranoid-AF/ashcmd"
)

// ShellRunner runs commands with "<shell> -c <command>".
type ShellRunner struct {
	Shell  string // empty picks bash, falling back to /bin/sh
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Run executes command and waits for it. A non-zero exit status becomes an
// *ashcmd.ExecutionError; cancelling ctx kills the process.
func (r *ShellRunner) Run(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, r.shell(), "-c", command)
	cmd.Stdin = r.Stdin
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Join(ctxErr, err)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ashcmd.ExecutionError{Command: command, ExitCode: exitErr.ExitCode(), Err: err}
	}
	return &ashcmd.ExecutionError{Command: command, ExitCode: -1, Err: err}
}

func (r *ShellRunner) shell() string {
	if r.Shell != "" {
		return r.Shell
	}
	if path, err := exec.LookPath("bash"); err == nil {
		return path
	}
	return "/bin/sh"
}
