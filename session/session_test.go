package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Paranoid-AF/ashcmd"
	"github.com/Paranoid-AF/ashcmd/backend"
	"github.com/Paranoid-AF/ashcmd/gate"
)

type stubBackend struct {
	kind  ashcmd.BackendKind
	text  string
	err   error
	calls atomic.Int32
	last  ashcmd.GenerationRequest
}

func (b *stubBackend) Kind() ashcmd.BackendKind { return b.kind }

func (b *stubBackend) Generate(_ context.Context, req ashcmd.GenerationRequest) (ashcmd.BackendResponse, error) {
	b.calls.Add(1)
	b.last = req
	if b.err != nil {
		return ashcmd.BackendResponse{}, b.err
	}
	return ashcmd.BackendResponse{RawText: b.text, Backend: b.kind, Model: "stub"}, nil
}

type countingRunner struct{ calls int }

func (r *countingRunner) Run(context.Context, string) error {
	r.calls++
	return nil
}

type answer bool

func (a answer) Confirm(context.Context, string, []gate.Risk) (bool, error) { return bool(a), nil }

// isolate points config and cache lookups at temp dirs and clears
// overrides from the environment. It returns the working directory.
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
	return t.TempDir()
}

func options(dir string, b backend.Backend, runner *countingRunner, opts ...gate.Option) (Options, *bytes.Buffer) {
	var out bytes.Buffer
	factory := func(context.Context, ashcmd.BackendKind, *ashcmd.Config) (backend.Backend, error) { return b, nil }
	return Options{
		Prompt:      "list all files",
		Dir:         dir,
		Stdout:      &out,
		Stderr:      &bytes.Buffer{},
		NewBackend:  factory,
		GateOptions: append([]gate.Option{gate.WithRunner(runner)}, opts...),
	}, &out
}

func TestRunFirstRunWritesDefaultConfig(t *testing.T) {
	dir := isolate(t)
	stub := &stubBackend{kind: ashcmd.BackendLocal, text: "Sure! Here you go:\n```bash\nls -la\n```"}
	runner := &countingRunner{}
	opts, out := options(dir, stub, runner)

	_, err := os.Stat(ashcmd.ConfigPath())
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, Run(context.Background(), opts))
	assert.Equal(t, "ls -la\n", out.String())
	assert.FileExists(t, ashcmd.ConfigPath())
	assert.Zero(t, runner.calls)

	assert.Contains(t, stub.last.Prompt, "list all files")
	assert.Contains(t, stub.last.Prompt, "cwd: "+dir)
	assert.NotEmpty(t, stub.last.SystemInstructions)
}

func TestRunBedrockWithoutCredentials(t *testing.T) {
	dir := isolate(t)
	var converseCalls atomic.Int32
	runner := &countingRunner{}

	opts, out := options(dir, nil, runner, gate.WithConfirmer(answer(true)))
	opts.Backend = "bedrock"
	opts.Mode = gate.Execute
	opts.NewBackend = func(ctx context.Context, kind ashcmd.BackendKind, cfg *ashcmd.Config) (backend.Backend, error) {
		require.Equal(t, ashcmd.BackendBedrock, kind)
		creds := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{}, errors.New("no valid providers in chain")
		})
		return backend.NewBedrock(ctx, cfg.Bedrock,
			backend.WithAWSConfig(aws.Config{Region: cfg.Bedrock.Region, Credentials: creds}),
			backend.WithConverseClient(converseFunc(func() { converseCalls.Add(1) })),
		)
	}

	err := Run(context.Background(), opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ashcmd.ErrAuth)
	assert.Equal(t, ExitBackend, ExitCode(err))
	assert.NotZero(t, ExitCode(err))
	assert.Zero(t, converseCalls.Load())
	assert.Zero(t, runner.calls, "no subprocess is spawned")
	assert.Empty(t, out.String())
}

type converseFunc func()

func (f converseFunc) Converse(context.Context, *bedrockruntime.ConverseInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f()
	return nil, errors.New("unexpected call")
}

func TestRunNoCommandFound(t *testing.T) {
	dir := isolate(t)
	stub := &stubBackend{kind: ashcmd.BackendLocal, text: "I'm sorry, I can't help with that."}
	opts, out := options(dir, stub, &countingRunner{})

	err := Run(context.Background(), opts)
	assert.ErrorIs(t, err, ashcmd.ErrNoCommandFound)
	assert.Equal(t, ExitExtract, ExitCode(err))
	assert.Empty(t, out.String())
}

func TestRunBackendError(t *testing.T) {
	dir := isolate(t)
	stub := &stubBackend{
		kind: ashcmd.BackendLocal,
		err:  ashcmd.NewBackendError(ashcmd.BackendLocal, ashcmd.ErrModelUnavailable, errors.New("connection refused")),
	}
	opts, _ := options(dir, stub, &countingRunner{})

	err := Run(context.Background(), opts)
	assert.ErrorIs(t, err, ashcmd.ErrModelUnavailable)
	assert.Equal(t, ExitBackend, ExitCode(err))
}

func TestRunExecuteDeclined(t *testing.T) {
	dir := isolate(t)
	stub := &stubBackend{kind: ashcmd.BackendLocal, text: "```\nrm -rf ./build\n```"}
	runner := &countingRunner{}
	opts, _ := options(dir, stub, runner, gate.WithConfirmer(answer(false)))
	opts.Mode = gate.Execute

	err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, ExitOK, ExitCode(err))
	assert.Zero(t, runner.calls)
}

func TestRunExecuteConfirmed(t *testing.T) {
	dir := isolate(t)
	stub := &stubBackend{kind: ashcmd.BackendLocal, text: "```\ndate\n```"}
	runner := &countingRunner{}
	opts, _ := options(dir, stub, runner, gate.WithConfirmer(answer(true)))
	opts.Mode = gate.Execute

	require.NoError(t, Run(context.Background(), opts))
	assert.Equal(t, 1, runner.calls)
}

func TestRunModeFromConfig(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ashcmd.ProjectConfigFile), []byte("[execution]\nmode = \"execute\"\n"), 0o644))
	stub := &stubBackend{kind: ashcmd.BackendLocal, text: "```\ndate\n```"}
	runner := &countingRunner{}
	opts, out := options(dir, stub, runner, gate.WithConfirmer(answer(true)))

	require.NoError(t, Run(context.Background(), opts))
	assert.Equal(t, 1, runner.calls)
	assert.Empty(t, out.String())
}

func TestRunConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, dir string, opts *Options)
		target error
	}{
		{"malformed project config", func(t *testing.T, dir string, _ *Options) {
			require.NoError(t, os.WriteFile(filepath.Join(dir, ashcmd.ProjectConfigFile), []byte("backend = [\n"), 0o644))
		}, nil},
		{"invalid value", func(t *testing.T, dir string, _ *Options) {
			require.NoError(t, os.WriteFile(filepath.Join(dir, ashcmd.ProjectConfigFile), []byte(`backend = "openai"`), 0o644))
		}, nil},
		{"missing explicit config", func(_ *testing.T, dir string, opts *Options) {
			opts.ConfigPath = filepath.Join(dir, "nope.toml")
		}, nil},
		{"bad backend flag", func(_ *testing.T, _ string, opts *Options) { opts.Backend = "openai" }, ashcmd.ErrUsage},
		{"bad model flag", func(_ *testing.T, _ string, opts *Options) { opts.Model = "4" }, ashcmd.ErrUsage},
		{"empty prompt", func(_ *testing.T, _ string, opts *Options) { opts.Prompt = "  " }, ashcmd.ErrUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			stub := &stubBackend{kind: ashcmd.BackendLocal, text: "ls"}
			opts, _ := options(dir, stub, &countingRunner{})
			tt.setup(t, dir, &opts)

			err := Run(context.Background(), opts)
			require.Error(t, err)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			} else {
				var cfgErr *ashcmd.ConfigError
				assert.ErrorAs(t, err, &cfgErr)
			}
			assert.Equal(t, ExitConfig, ExitCode(err))
			assert.Zero(t, stub.calls.Load())
		})
	}
}

func TestRunFlagsOverrideConfig(t *testing.T) {
	dir := isolate(t)
	var got *ashcmd.Config
	opts, _ := options(dir, nil, &countingRunner{})
	opts.Model, opts.CPU, opts.Quantized = "3", true, true
	opts.NewBackend = func(_ context.Context, kind ashcmd.BackendKind, cfg *ashcmd.Config) (backend.Backend, error) {
		got = cfg
		return &stubBackend{kind: kind, text: "ls"}, nil
	}

	require.NoError(t, Run(context.Background(), opts))
	require.NotNil(t, got)
	assert.Equal(t, "3", got.Local.Model)
	assert.True(t, got.Local.CPU)
	assert.True(t, got.Local.Quantized)
	assert.Equal(t, "phi3:3.8b-mini-4k-instruct-q4_K_M", backend.ModelTag(got.Local))
}

func TestRunRawGeneration(t *testing.T) {
	dir := isolate(t)
	var kindSeen ashcmd.BackendKind
	stub := &stubBackend{kind: ashcmd.BackendLocal, text: " there was a shell."}
	opts, out := options(dir, stub, &countingRunner{})
	opts.Raw = true
	opts.Backend = "bedrock"
	opts.Prompt = "Once upon a time"
	opts.NewBackend = func(_ context.Context, kind ashcmd.BackendKind, _ *ashcmd.Config) (backend.Backend, error) {
		kindSeen = kind
		return stub, nil
	}

	require.NoError(t, Run(context.Background(), opts))
	assert.Equal(t, ashcmd.BackendLocal, kindSeen)
	assert.Equal(t, "Once upon a time there was a shell.\n", out.String())
	assert.Empty(t, stub.last.SystemInstructions)
}

// streamingBackend writes its chunks one by one and records what the
// output held before the first chunk.
type streamingBackend struct {
	stubBackend
	chunks []string
	before string
	out    *bytes.Buffer
}

func (b *streamingBackend) Stream(_ context.Context, req ashcmd.GenerationRequest, w io.Writer) (ashcmd.BackendResponse, error) {
	b.last = req
	b.before = b.out.String()
	for _, c := range b.chunks {
		io.WriteString(w, c)
	}
	return ashcmd.BackendResponse{RawText: strings.Join(b.chunks, ""), Backend: ashcmd.BackendLocal}, nil
}

func TestRunRawGenerationStreams(t *testing.T) {
	dir := isolate(t)
	stub := &streamingBackend{stubBackend: stubBackend{kind: ashcmd.BackendLocal}, chunks: []string{" there", " was", " a shell."}}
	opts, out := options(dir, stub, &countingRunner{})
	stub.out = out
	opts.Raw = true
	opts.Prompt = "Once upon a time"

	require.NoError(t, Run(context.Background(), opts))
	assert.Equal(t, "Once upon a time", stub.before)
	assert.Equal(t, "Once upon a time there was a shell.\n", out.String())
	assert.Zero(t, stub.calls.Load(), "streaming backends are not asked for a whole response")
}

func TestRunTracing(t *testing.T) {
	dir := isolate(t)
	traceDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ashcmd.ProjectConfigFile),
		[]byte(fmt.Sprintf("[tracing]\ndir = %q\n", traceDir)), 0o644))
	stub := &stubBackend{kind: ashcmd.BackendLocal, text: "ls"}
	opts, _ := options(dir, stub, &countingRunner{})
	opts.Tracing = true

	require.NoError(t, Run(context.Background(), opts))

	matches, err := filepath.Glob(filepath.Join(traceDir, "trace-*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"backend.generate"`)
	assert.Contains(t, string(data), `"ashcmd.run"`)
}

func TestRunDotEnv(t *testing.T) {
	dir := isolate(t)
	os.Unsetenv("ASHCMD_EXECUTION_MODE")
	t.Cleanup(func() { os.Unsetenv("ASHCMD_EXECUTION_MODE") })
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ASHCMD_EXECUTION_MODE=copy\n"), 0o644))

	stub := &stubBackend{kind: ashcmd.BackendLocal, text: "ls"}
	clip := &recordingClipboard{}
	opts, out := options(dir, stub, &countingRunner{}, gate.WithClipboard(clip))

	require.NoError(t, Run(context.Background(), opts))
	assert.Equal(t, "ls", clip.text)
	assert.Empty(t, out.String())
}

type recordingClipboard struct{ text string }

func (c *recordingClipboard) WriteAll(text string) error {
	c.text = text
	return nil
}

func TestSessionResponseCache(t *testing.T) {
	dir := isolate(t)
	stub := &stubBackend{kind: ashcmd.BackendLocal, text: "```\npwd\n```"}
	opts, out := options(dir, stub, &countingRunner{})
	opts.ResponseTTL = time.Minute

	s, err := New(context.Background(), opts)
	require.NoError(t, err)
	defer s.Close(context.Background())

	for range 2 {
		cmd, outcome, err := s.OneLiner(context.Background(), "where am i", "", gate.DryRun)
		require.NoError(t, err)
		assert.Equal(t, "pwd", cmd.Text)
		assert.Equal(t, gate.Shown, outcome)
	}
	assert.EqualValues(t, 1, stub.calls.Load())
	assert.Equal(t, "pwd\npwd\n", out.String())
	assert.NotEmpty(t, s.RunID())
}

func TestRunInterrupted(t *testing.T) {
	dir := isolate(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stub := &stubBackend{kind: ashcmd.BackendLocal, err: fmt.Errorf("local generation: %w", context.Canceled)}
	opts, _ := options(dir, stub, &countingRunner{})

	err := Run(ctx, opts)
	assert.Equal(t, ExitInterrupted, ExitCode(err))
}
