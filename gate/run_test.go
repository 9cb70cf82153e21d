package gate

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Paranoid-AF/ashcmd"
)

func TestShellRunnerSuccess(t *testing.T) {
	var out bytes.Buffer
	r := &ShellRunner{Shell: "/bin/sh", Stdout: &out}
	require.NoError(t, r.Run(context.Background(), "echo hello | tr a-z A-Z"))
	assert.Equal(t, "HELLO\n", out.String())
}

func TestShellRunnerExitCode(t *testing.T) {
	r := &ShellRunner{Shell: "/bin/sh"}
	err := r.Run(context.Background(), "exit 3")

	var execErr *ashcmd.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 3, execErr.ExitCode)
	assert.Equal(t, "exit 3", execErr.Command)
}

func TestShellRunnerMissingShell(t *testing.T) {
	r := &ShellRunner{Shell: "/nonexistent/shell"}
	err := r.Run(context.Background(), "true")

	var execErr *ashcmd.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, -1, execErr.ExitCode)
}

func TestShellRunnerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &ShellRunner{Shell: "/bin/sh"}
	err := r.Run(ctx, "sleep 5")
	assert.ErrorIs(t, err, context.Canceled)
}
