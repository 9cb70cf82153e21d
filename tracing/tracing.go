// Package tracing writes a trace file for one ashcmd invocation.
//
// When enabled, spans are collected by an OpenTelemetry tracer provider
// and written to trace-<unix-micros>.json, either as Chrome trace events
// (chrome://tracing, Perfetto) or as OpenTelemetry stdout JSON.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Paranoid-AF/ashcmd"
)

const (
	FormatChrome = "chrome"
	FormatOTel   = "otel"
)

// Provider hands out tracers. A disabled provider hands out no-op tracers.
type Provider struct {
	tp   *sdktrace.TracerProvider
	file *os.File
	path string
}

// Setup creates the trace file in cfg.Dir and a provider exporting to it.
// With tracing disabled it returns a no-op provider and creates nothing.
func Setup(cfg ashcmd.TracingConfig, version string) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	dir := cfg.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("trace-%d.json", time.Now().UnixMicro()))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}

	var exp sdktrace.SpanExporter
	switch cfg.Format {
	case FormatChrome, "":
		exp = newChromeExporter(f)
	case FormatOTel:
		exp, err = stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
	default:
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("unknown trace format %q", cfg.Format)
	}

	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName("ashcmd"),
		semconv.ServiceVersion(version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	slog.Debug("tracing enabled", "path", path, "format", cfg.Format)
	return &Provider{tp: tp, file: f, path: path}, nil
}

// Tracer returns a named tracer.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p == nil || p.tp == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Path is the trace file, or "" when tracing is disabled.
func (p *Provider) Path() string {
	if p == nil {
		return ""
	}
	return p.path
}

// Shutdown flushes pending spans and closes the trace file.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	err := p.tp.Shutdown(ctx)
	if cerr := p.file.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) {
		err = errors.Join(err, cerr)
	}
	return err
}
