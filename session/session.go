// Package session runs the ashcmd pipeline: load configuration, pick a
// backend, gather context, compile the prompt, generate, extract the
// command and hand it to the execution gate.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Paranoid-AF/ashcmd"
	"github.com/Paranoid-AF/ashcmd/backend"
	"github.com/Paranoid-AF/ashcmd/gate"
	"github.com/Paranoid-AF/ashcmd/generate"
	"github.com/Paranoid-AF/ashcmd/tracing"
)

const tracerName = "github.com/Paranoid-AF/ashcmd"

// BackendFactory builds the backend for kind.
type BackendFactory func(ctx context.Context, kind ashcmd.BackendKind, cfg *ashcmd.Config) (backend.Backend, error)

// Options are the command-line inputs of one session. Zero values leave
// the configured behaviour unchanged.
type Options struct {
	Prompt     string
	Backend    string // --backend
	Model      string // --model 2|3
	CPU        bool
	Quantized  bool
	Tracing    bool
	Verbose    int // number of -v
	Quiet      int // number of -q
	Mode       gate.Mode
	ConfigPath string // --config
	Dir        string // working directory; empty means os.Getwd
	Raw        bool   // plain text generation on the local model
	Version    string

	// ResponseTTL caches backend responses per request for this long.
	ResponseTTL time.Duration

	Stdout io.Writer
	Stderr io.Writer

	NewBackend  BackendFactory
	GateOptions []gate.Option
}

// Session holds everything resolved once per invocation.
type Session struct {
	cfg       *ashcmd.Config
	runID     string
	mode      gate.Mode
	dir       string
	stdout    io.Writer
	backend   backend.Backend
	gatherer  *generate.Gatherer
	dirs      *generate.DirCache
	gate      *gate.Gate
	provider  *tracing.Provider
	tracer    trace.Tracer
	responses *ttlcache.Cache[string, ashcmd.BackendResponse]
}

// New loads configuration and builds the session. The returned session
// must be closed.
func New(ctx context.Context, opts Options) (*Session, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	dir := opts.Dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		dir = wd
	}

	// Logging until the config says otherwise.
	SetupLogging(opts.Stderr, LogLevel("error", opts.Verbose, opts.Quiet))

	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	cfg, err := ashcmd.LoadConfig(ashcmd.LoadOptions{ProjectPath: opts.ConfigPath, Dir: dir, WriteDefault: true})
	if err != nil {
		return nil, err
	}
	if err := applyFlags(cfg, opts); err != nil {
		return nil, err
	}
	SetupLogging(opts.Stderr, LogLevel(cfg.Verbosity, opts.Verbose, opts.Quiet))
	for _, w := range cfg.Warnings {
		slog.Warn(w)
	}
	slog.Debug("config loaded", "sources", cfg.Sources, "backend", cfg.Backend)

	mode := opts.Mode
	if mode == "" {
		if mode, err = gate.ParseMode(cfg.Execution.Mode); err != nil {
			return nil, &ashcmd.ConfigError{Err: err}
		}
	}

	provider, err := tracing.Setup(cfg.Tracing, opts.Version)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:      cfg,
		runID:    uuid.NewString(),
		mode:     mode,
		dir:      dir,
		stdout:   opts.Stdout,
		provider: provider,
		tracer:   provider.Tracer(tracerName),
	}

	kind := cfg.BackendKind()
	if opts.Raw {
		kind = ashcmd.BackendLocal
	}
	factory := opts.NewBackend
	if factory == nil {
		factory = backend.New
	}
	b, err := factory(ctx, kind, cfg)
	if err != nil {
		provider.Shutdown(context.WithoutCancel(ctx))
		return nil, err
	}
	s.backend = backend.Traced(backend.WithTimeout(b, cfg.Timeout.Duration), s.tracer)

	s.dirs = generate.NewDirCache()
	s.gatherer = generate.NewGatherer(cfg, generate.WithDirCache(s.dirs))
	s.gate = gate.New(cfg.Execution.Shell, append([]gate.Option{gate.WithOutput(opts.Stdout, opts.Stderr)}, opts.GateOptions...)...)
	if opts.ResponseTTL > 0 {
		s.responses = ttlcache.New[string, ashcmd.BackendResponse](
			ttlcache.WithTTL[string, ashcmd.BackendResponse](opts.ResponseTTL),
			ttlcache.WithCapacity[string, ashcmd.BackendResponse](256),
		)
	}
	slog.Debug("session ready", "run_id", s.runID, "backend", kind, "mode", mode)
	return s, nil
}

// applyFlags layers command-line flags over the loaded config.
func applyFlags(cfg *ashcmd.Config, opts Options) error {
	if opts.Backend != "" {
		if _, err := ashcmd.ParseBackendKind(opts.Backend); err != nil {
			return fmt.Errorf("%w: --backend: %v", ashcmd.ErrUsage, err)
		}
		cfg.Backend = opts.Backend
	}
	if opts.Model != "" {
		if opts.Model != "2" && opts.Model != "3" {
			return fmt.Errorf("%w: --model must be 2 or 3, got %q", ashcmd.ErrUsage, opts.Model)
		}
		cfg.Local.Model = opts.Model
	}
	if opts.CPU {
		cfg.Local.CPU = true
	}
	if opts.Quantized {
		cfg.Local.Quantized = true
	}
	if opts.Tracing {
		cfg.Tracing.Enabled = true
	}
	return nil
}

// Config returns the effective configuration.
func (s *Session) Config() *ashcmd.Config { return s.cfg }

// RunID identifies this session in logs and traces.
func (s *Session) RunID() string { return s.runID }

// Mode is the presentation mode used by OneLiner.
func (s *Session) Mode() gate.Mode { return s.mode }

// TracePath is the trace file being written, if any.
func (s *Session) TracePath() string { return s.provider.Path() }

// Close flushes the trace file and stops background work.
func (s *Session) Close(ctx context.Context) error {
	if s.dirs != nil {
		s.dirs.Close()
	}
	if s.responses != nil {
		s.responses.DeleteAll()
	}
	return s.provider.Shutdown(ctx)
}

// OneLiner turns prompt into a command and presents it in mode, with
// context gathered from cwd (empty means the session directory).
func (s *Session) OneLiner(ctx context.Context, prompt, cwd string, mode gate.Mode) (ashcmd.ExtractedCommand, gate.Outcome, error) {
	if strings.TrimSpace(prompt) == "" {
		return ashcmd.ExtractedCommand{}, gate.Shown, fmt.Errorf("%w: empty prompt", ashcmd.ErrUsage)
	}
	if cwd == "" {
		cwd = s.dir
	}

	ctx, span := s.tracer.Start(ctx, "ashcmd.run", trace.WithAttributes(
		attribute.String("run.id", s.runID),
		attribute.String("mode", string(mode)),
	))
	defer span.End()

	cmd, outcome, err := s.oneLiner(ctx, prompt, cwd, mode)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return cmd, outcome, err
	}
	span.SetAttributes(attribute.String("outcome", outcome.String()))
	return cmd, outcome, nil
}

func (s *Session) oneLiner(ctx context.Context, prompt, cwd string, mode gate.Mode) (ashcmd.ExtractedCommand, gate.Outcome, error) {
	gctx, span := s.tracer.Start(ctx, "context.gather")
	info := s.gatherer.Gather(gctx, cwd, prompt)
	span.End()

	_, span = s.tracer.Start(ctx, "prompt.compile")
	req := generate.CompileWithContext(prompt, s.cfg, info)
	span.End()
	slog.Log(ctx, LevelTrace, "compiled prompt", "prompt", req.Prompt)

	resp, err := s.generate(ctx, req)
	if err != nil {
		return ashcmd.ExtractedCommand{}, gate.Shown, err
	}
	slog.Log(ctx, LevelTrace, "model output", "raw", resp.RawText)

	_, span = s.tracer.Start(ctx, "response.extract")
	cmd, err := generate.Extract(resp)
	if err != nil {
		span.End()
		slog.Debug("no command in model output", "raw", resp.RawText)
		return cmd, gate.Shown, err
	}
	span.SetAttributes(attribute.Float64("confidence", *cmd.Confidence))
	span.End()
	slog.Info("extracted command", "command", cmd.Text, "confidence", *cmd.Confidence)

	outcome, err := s.gate.Present(ctx, cmd, mode)
	return cmd, outcome, err
}

// Generate runs plain text generation: it writes the prompt to the
// session's stdout, then the continuation as the backend samples it, and
// returns the prompt followed by the continuation.
func (s *Session) Generate(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("%w: empty prompt", ashcmd.ErrUsage)
	}
	ctx, span := s.tracer.Start(ctx, "ashcmd.generate", trace.WithAttributes(attribute.String("run.id", s.runID)))
	defer span.End()

	if _, err := io.WriteString(s.stdout, prompt); err != nil {
		return "", err
	}
	resp, err := backend.Stream(ctx, s.backend, generate.CompileRaw(prompt, s.cfg), s.stdout)
	fmt.Fprintln(s.stdout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return prompt + resp.RawText, nil
}

func (s *Session) generate(ctx context.Context, req ashcmd.GenerationRequest) (ashcmd.BackendResponse, error) {
	if s.responses == nil {
		return s.backend.Generate(ctx, req)
	}
	key := req.Key()
	if item := s.responses.Get(key); item != nil {
		slog.Debug("response cache hit", "key", key[:12])
		return item.Value(), nil
	}
	resp, err := s.backend.Generate(ctx, req)
	if err != nil {
		return resp, err
	}
	s.responses.Set(key, resp, ttlcache.DefaultTTL)
	return resp, nil
}

// Run executes one session: a one-liner, or plain generation when
// opts.Raw is set.
func Run(ctx context.Context, opts Options) error {
	s, err := New(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("failed to write trace", "error", err)
		} else if p := s.TracePath(); p != "" {
			slog.Info("trace written", "path", p)
		}
	}()

	if opts.Raw {
		_, err := s.Generate(ctx, opts.Prompt)
		return err
	}
	_, _, err = s.OneLiner(ctx, opts.Prompt, "", s.mode)
	return err
}
