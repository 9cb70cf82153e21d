package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Paranoid-AF/ashcmd"
	"github.com/Paranoid-AF/ashcmd/backend"
	defaults "github.com/Paranoid-AF/ashcmd/default"
	"github.com/Paranoid-AF/ashcmd/gate"
	"github.com/Paranoid-AF/ashcmd/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubBackend struct {
	text string
	last ashcmd.GenerationRequest
	kind ashcmd.BackendKind
}

func (b *stubBackend) Kind() ashcmd.BackendKind { return ashcmd.BackendLocal }

func (b *stubBackend) Generate(_ context.Context, req ashcmd.GenerationRequest) (ashcmd.BackendResponse, error) {
	b.last = req
	return ashcmd.BackendResponse{RawText: b.text, Backend: ashcmd.BackendLocal, Model: "stub"}, nil
}

type nopRunner struct{ calls int }

func (r *nopRunner) Run(context.Context, string) error {
	r.calls++
	return nil
}

type fakeClipboard struct{ text string }

func (c *fakeClipboard) WriteAll(text string) error {
	c.text = text
	return nil
}

type harness struct {
	stdout, stderr bytes.Buffer
	backend        *stubBackend
	runner         *nopRunner
	clipboard      *fakeClipboard
}

// run executes the CLI with args in an isolated config and working
// directory.
func run(t *testing.T, h *harness, args ...string) error {
	t.Helper()
	if h.backend == nil {
		h.backend = &stubBackend{text: "```bash\nls -la\n```"}
	}
	h.runner = &nopRunner{}
	h.clipboard = &fakeClipboard{}

	a := newApp(&h.stdout, &h.stderr)
	a.newBackend = func(_ context.Context, kind ashcmd.BackendKind, _ *ashcmd.Config) (backend.Backend, error) {
		h.backend.kind = kind
		return h.backend, nil
	}
	a.gateOpts = []gate.Option{gate.WithRunner(h.runner), gate.WithClipboard(h.clipboard)}

	if args == nil {
		args = []string{} // nil makes cobra fall back to os.Args
	}
	cmd := a.root()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("ASHCMD_CONFIG_DIR", filepath.Join(t.TempDir(), "config"))
	t.Setenv("ASHCMD_CACHE_DIR", t.TempDir())
	for _, k := range []string{
		"ASHCMD_BACKEND", "ASHCMD_VERBOSITY", "ASHCMD_EXECUTION_MODE", "ASHCMD_LOCAL_BASE_URL",
		"ASHCMD_LOCAL_MODEL_ID", "ASHCMD_BEDROCK_MODEL_ID", "ASHCMD_BEDROCK_REGION", "ASHCMD_BEDROCK_PROFILE",
	} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestRootDryRun(t *testing.T) {
	isolate(t)
	h := &harness{}

	require.NoError(t, run(t, h, "--dry-run", "list", "all", "files"))
	assert.Equal(t, "ls -la\n", h.stdout.String())
	assert.Contains(t, h.backend.last.Prompt, "list all files")
	assert.Zero(t, h.runner.calls)
	assert.FileExists(t, ashcmd.ConfigPath())
}

func TestRootPromptAfterDoubleDash(t *testing.T) {
	isolate(t)
	h := &harness{}

	require.NoError(t, run(t, h, "--dry-run", "--", "config", "files", "-name", "*.toml"))
	assert.Equal(t, "ls -la\n", h.stdout.String())
	assert.Contains(t, h.backend.last.Prompt, "config files -name *.toml")
}

func TestRootCopy(t *testing.T) {
	isolate(t)
	h := &harness{}

	require.NoError(t, run(t, h, "--copy", "list files"))
	assert.Equal(t, "ls -la", h.clipboard.text)
	assert.Zero(t, h.runner.calls)
}

func TestRootBackendFlag(t *testing.T) {
	isolate(t)
	h := &harness{}

	require.NoError(t, run(t, h, "--backend", "bedrock", "list files"))
	assert.Equal(t, ashcmd.BackendBedrock, h.backend.kind)
}

func TestRootNoCommandFound(t *testing.T) {
	isolate(t)
	h := &harness{backend: &stubBackend{text: "I cannot help with that."}}

	err := run(t, h, "do something odd")
	assert.ErrorIs(t, err, ashcmd.ErrNoCommandFound)
	assert.Equal(t, session.ExitExtract, session.ExitCode(err))
	assert.Empty(t, h.stdout.String())
}

func TestRootUsageErrors(t *testing.T) {
	isolate(t)
	tests := []struct {
		name string
		args []string
	}{
		{"no prompt", nil},
		{"blank prompt", []string{"  "}},
		{"unknown flag", []string{"--bogus", "list files"}},
		{"two modes", []string{"--copy", "-x", "list files"}},
		{"bad backend", []string{"--backend", "cloud", "list files"}},
		{"bad model", []string{"--model", "4", "list files"}},
		{"generate without prompt", []string{"generate"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &harness{}
			err := run(t, h, tt.args...)
			require.Error(t, err)
			assert.ErrorIs(t, err, ashcmd.ErrUsage)
			assert.Equal(t, session.ExitConfig, session.ExitCode(err))
		})
	}
}

func TestModeFlags(t *testing.T) {
	tests := []struct {
		app  app
		want gate.Mode
	}{
		{app{}, ""},
		{app{copy: true}, gate.CopyToClipboard},
		{app{execute: true}, gate.Execute},
		{app{dryRun: true}, gate.DryRun},
	}
	for _, tt := range tests {
		got, err := tt.app.mode()
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := (&app{dryRun: true, execute: true}).mode()
	assert.ErrorIs(t, err, ashcmd.ErrUsage)
}

func TestGenerate(t *testing.T) {
	isolate(t)
	h := &harness{backend: &stubBackend{text: " brown fox"}}

	require.NoError(t, run(t, h, "generate", "the", "quick"))
	assert.Equal(t, "the quick brown fox\n", h.stdout.String())
	assert.Equal(t, "the quick", h.backend.last.Prompt)
	assert.Empty(t, h.backend.last.SystemInstructions)
}

func TestConfigPath(t *testing.T) {
	isolate(t)
	h := &harness{}

	require.NoError(t, run(t, h, "config", "path"))
	assert.Equal(t, ashcmd.ConfigPath()+"\n", h.stdout.String())
}

func TestConfigInit(t *testing.T) {
	isolate(t)
	h := &harness{}

	require.NoError(t, run(t, h, "config", "init"))
	data, err := os.ReadFile(ashcmd.ConfigPath())
	require.NoError(t, err)
	assert.Equal(t, defaults.DefaultConfigTOML, data)

	err = run(t, &harness{}, "config", "init")
	assert.ErrorIs(t, err, ashcmd.ErrUsage)

	require.NoError(t, os.WriteFile(ashcmd.ConfigPath(), []byte("backend = \"bedrock\"\n"), 0o644))
	require.NoError(t, run(t, &harness{}, "config", "init", "--force"))
	data, err = os.ReadFile(ashcmd.ConfigPath())
	require.NoError(t, err)
	assert.Equal(t, defaults.DefaultConfigTOML, data)
}

func TestConfigShow(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ashcmd.ProjectConfigFile), []byte("backend = \"bedrock\"\n"), 0o644))
	h := &harness{}

	require.NoError(t, run(t, h, "config", "show"))
	assert.Contains(t, h.stdout.String(), "# source: "+filepath.Join(dir, ashcmd.ProjectConfigFile))

	var cfg ashcmd.Config
	_, err := toml.Decode(h.stdout.String(), &cfg)
	require.NoError(t, err)
	assert.Equal(t, "bedrock", cfg.Backend)
	assert.Equal(t, ashcmd.DefaultConfig().Local.BaseURL, cfg.Local.BaseURL)
}

func TestConfigValidate(t *testing.T) {
	dir := isolate(t)
	h := &harness{}
	require.NoError(t, run(t, h, "config", "validate"))
	assert.Contains(t, h.stdout.String(), "ok (")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ashcmd.ProjectConfigFile), []byte("backend = \"bedrock\"\nbogus = 1\n"), 0o644))
	h = &harness{}
	require.NoError(t, run(t, h, "config", "validate"))
	assert.Contains(t, h.stdout.String(), `warning: `)
	assert.Contains(t, h.stdout.String(), `"bogus"`)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ashcmd.ProjectConfigFile), []byte("backend = \n"), 0o644))
	err := run(t, &harness{}, "config", "validate")
	var cfgErr *ashcmd.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, session.ExitConfig, session.ExitCode(err))
}

func TestConfigPrompt(t *testing.T) {
	isolate(t)
	h := &harness{}
	require.NoError(t, run(t, h, "config", "prompt"))
	assert.Equal(t, defaults.DefaultPrompt, h.stdout.String())

	require.NoError(t, run(t, &harness{}, "config", "prompt", "--write"))
	assert.FileExists(t, ashcmd.PromptPath())
	assert.ErrorIs(t, run(t, &harness{}, "config", "prompt", "--write"), ashcmd.ErrUsage)

	require.NoError(t, os.WriteFile(ashcmd.PromptPath(), []byte("custom {{.Shell}}"), 0o644))
	h = &harness{}
	require.NoError(t, run(t, h, "config", "prompt"))
	assert.Equal(t, "custom {{.Shell}}", h.stdout.String())
}
