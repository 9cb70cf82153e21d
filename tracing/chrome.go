package tracing

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// chromeEvent is a complete ("X") event of the Chrome trace-event format.
type chromeEvent struct {
	Name  string         `json:"name"`
	Cat   string         `json:"cat"`
	Phase string         `json:"ph"`
	TS    int64          `json:"ts"`  // microseconds
	Dur   int64          `json:"dur"` // microseconds
	PID   int            `json:"pid"`
	TID   int            `json:"tid"`
	Args  map[string]any `json:"args,omitempty"`
}

type chromeTrace struct {
	TraceEvents     []chromeEvent `json:"traceEvents"`
	DisplayTimeUnit string        `json:"displayTimeUnit"`
}

// chromeExporter buffers spans and writes them as one JSON document on
// Shutdown.
type chromeExporter struct {
	mu     sync.Mutex
	w      io.Writer
	events []chromeEvent
	done   bool
}

func newChromeExporter(w io.Writer) *chromeExporter {
	return &chromeExporter{w: w}
}

func (e *chromeExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return nil
	}
	pid := os.Getpid()
	for _, s := range spans {
		ev := chromeEvent{
			Name:  s.Name(),
			Cat:   s.InstrumentationScope().Name,
			Phase: "X",
			TS:    s.StartTime().UnixMicro(),
			Dur:   s.EndTime().Sub(s.StartTime()).Microseconds(),
			PID:   pid,
			TID:   1,
		}
		if attrs := s.Attributes(); len(attrs) > 0 {
			ev.Args = make(map[string]any, len(attrs)+1)
			for _, kv := range attrs {
				ev.Args[string(kv.Key)] = attrValue(kv.Value)
			}
		}
		if s.Status().Description != "" {
			if ev.Args == nil {
				ev.Args = make(map[string]any, 1)
			}
			ev.Args["error"] = s.Status().Description
		}
		e.events = append(e.events, ev)
	}
	return nil
}

func (e *chromeExporter) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return nil
	}
	e.done = true
	events := e.events
	if events == nil {
		events = []chromeEvent{}
	}
	return json.NewEncoder(e.w).Encode(chromeTrace{TraceEvents: events, DisplayTimeUnit: "ms"})
}

func attrValue(v attribute.Value) any {
	switch v.Type() {
	case attribute.BOOL:
		return v.AsBool()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	case attribute.STRING:
		return v.AsString()
	}
	return v.Emit()
}
