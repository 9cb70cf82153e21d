// Package backend turns a GenerationRequest into raw model text, either on
// a local model runtime or on AWS Bedrock.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Paranoid-AF/ashcmd"
)

// Backend generates text for a request. Generate is a single cancellable
// call producing exactly one response or one error.
type Backend interface {
	Kind() ashcmd.BackendKind
	Generate(ctx context.Context, req ashcmd.GenerationRequest) (ashcmd.BackendResponse, error)
}

// Streamer is a Backend that can write its output to w while it is
// sampled. The returned response holds the complete text.
type Streamer interface {
	Stream(ctx context.Context, req ashcmd.GenerationRequest, w io.Writer) (ashcmd.BackendResponse, error)
}

// Stream generates req on b and writes the text to w, chunk by chunk when b
// is a Streamer and in one piece otherwise.
func Stream(ctx context.Context, b Backend, req ashcmd.GenerationRequest, w io.Writer) (ashcmd.BackendResponse, error) {
	if s, ok := b.(Streamer); ok {
		return s.Stream(ctx, req, w)
	}
	resp, err := b.Generate(ctx, req)
	if err != nil {
		return resp, err
	}
	_, err = io.WriteString(w, resp.RawText)
	return resp, err
}

// New builds the backend of the given kind from cfg.
func New(ctx context.Context, kind ashcmd.BackendKind, cfg *ashcmd.Config) (Backend, error) {
	switch kind {
	case ashcmd.BackendLocal:
		return NewLocal(cfg.Local), nil
	case ashcmd.BackendBedrock:
		return NewBedrock(ctx, cfg.Bedrock)
	}
	return nil, fmt.Errorf("unknown backend %q", kind)
}

// contextError reports why ctx ended, or nil if it is still live.
// Cancellation stays a plain context.Canceled; an expired deadline becomes
// a GenerationTimeout backend error.
func contextError(ctx context.Context, kind ashcmd.BackendKind, err error) error {
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.Canceled):
		return fmt.Errorf("%s generation: %w", kind, ctxErr)
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return ashcmd.NewBackendError(kind, ashcmd.ErrGenerationTimeout, err)
	}
	return nil
}

type timeoutBackend struct {
	next    Backend
	timeout time.Duration
}

// WithTimeout bounds every Generate call of b by d. A non-positive d
// returns b unchanged.
func WithTimeout(b Backend, d time.Duration) Backend {
	if d <= 0 {
		return b
	}
	return &timeoutBackend{next: b, timeout: d}
}

func (t *timeoutBackend) Kind() ashcmd.BackendKind { return t.next.Kind() }

func (t *timeoutBackend) Generate(ctx context.Context, req ashcmd.GenerationRequest) (ashcmd.BackendResponse, error) {
	return t.bounded(ctx, func(ctx context.Context) (ashcmd.BackendResponse, error) {
		return t.next.Generate(ctx, req)
	})
}

func (t *timeoutBackend) Stream(ctx context.Context, req ashcmd.GenerationRequest, w io.Writer) (ashcmd.BackendResponse, error) {
	return t.bounded(ctx, func(ctx context.Context) (ashcmd.BackendResponse, error) {
		return Stream(ctx, t.next, req, w)
	})
}

func (t *timeoutBackend) bounded(ctx context.Context, call func(context.Context) (ashcmd.BackendResponse, error)) (ashcmd.BackendResponse, error) {
	tctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	resp, err := call(tctx)
	elapsed := time.Since(start)
	if err == nil {
		slog.Debug("generation finished", "backend", t.Kind(), "elapsed", elapsed)
		return resp, nil
	}

	// The parent was cancelled: an interrupt, not a timeout.
	if ctx.Err() != nil {
		if errors.Is(err, context.Canceled) {
			return ashcmd.BackendResponse{}, err
		}
		return ashcmd.BackendResponse{}, fmt.Errorf("%s generation: %w", t.Kind(), errors.Join(ctx.Err(), err))
	}
	if errors.Is(tctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ashcmd.ErrGenerationTimeout) {
		err = ashcmd.NewBackendError(t.Kind(), ashcmd.ErrGenerationTimeout, err)
	}
	slog.Debug("generation failed", "backend", t.Kind(), "elapsed", elapsed, "error", err)
	return ashcmd.BackendResponse{}, err
}

type tracedBackend struct {
	next   Backend
	tracer trace.Tracer
}

// Traced wraps b so that every Generate call is recorded as a
// "backend.generate" span on tracer.
func Traced(b Backend, tracer trace.Tracer) Backend {
	return &tracedBackend{next: b, tracer: tracer}
}

func (t *tracedBackend) Kind() ashcmd.BackendKind { return t.next.Kind() }

func (t *tracedBackend) Generate(ctx context.Context, req ashcmd.GenerationRequest) (ashcmd.BackendResponse, error) {
	return t.traced(ctx, req, false, func(ctx context.Context) (ashcmd.BackendResponse, error) {
		return t.next.Generate(ctx, req)
	})
}

func (t *tracedBackend) Stream(ctx context.Context, req ashcmd.GenerationRequest, w io.Writer) (ashcmd.BackendResponse, error) {
	return t.traced(ctx, req, true, func(ctx context.Context) (ashcmd.BackendResponse, error) {
		return Stream(ctx, t.next, req, w)
	})
}

func (t *tracedBackend) traced(ctx context.Context, req ashcmd.GenerationRequest, stream bool, call func(context.Context) (ashcmd.BackendResponse, error)) (ashcmd.BackendResponse, error) {
	ctx, span := t.tracer.Start(ctx, "backend.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("backend", string(t.Kind())),
			attribute.Int("prompt.length", len(req.Prompt)),
			attribute.Bool("prompt.system", req.SystemInstructions != ""),
			attribute.Float64("model.temperature", req.Params.Temperature),
			attribute.Float64("model.top_p", req.Params.TopP),
			attribute.Int("model.max_tokens", req.Params.MaxTokens),
			attribute.Int64("model.seed", int64(req.Params.Seed)),
			attribute.Bool("stream", stream),
		),
	)
	defer span.End()

	resp, err := call(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}
	span.SetAttributes(
		attribute.String("model", resp.Model),
		attribute.Int("response.length", len(resp.RawText)),
	)
	return resp, nil
}
