package session

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// LevelTrace is below debug; it adds raw model output to the log.
const LevelTrace = slog.LevelDebug - 4

// levelOff silences everything, reached with enough -q.
const levelOff = slog.LevelError + 4

var verbosityLevels = []struct {
	name  string
	level slog.Level
}{
	{"error", slog.LevelError},
	{"warn", slog.LevelWarn},
	{"info", slog.LevelInfo},
	{"debug", slog.LevelDebug},
	{"trace", LevelTrace},
}

// LogLevel starts from the configured verbosity name and moves one step
// more verbose per -v and one step quieter per -q.
func LogLevel(verbosity string, verbose, quiet int) slog.Level {
	idx := 0
	for i, v := range verbosityLevels {
		if v.name == verbosity {
			idx = i
			break
		}
	}
	idx += verbose - quiet
	if idx < 0 {
		return levelOff
	}
	if idx >= len(verbosityLevels) {
		idx = len(verbosityLevels) - 1
	}
	return verbosityLevels[idx].level
}

// SetupLogging installs a tint handler on w as the default logger.
func SetupLogging(w io.Writer, level slog.Level) {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !term.IsTerminal(int(f.Fd()))
	}
	slog.SetDefault(slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    noColor,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && a.Value.Any() == LevelTrace {
				return slog.String(slog.LevelKey, "TRC")
			}
			return a
		},
	})))
}
