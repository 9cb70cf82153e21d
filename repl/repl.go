// Package repl is the interactive loop behind "ashcmd repl": every line
// typed is turned into a command and shown, never run.
package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Paranoid-AF/ashcmd"
	"github.com/Paranoid-AF/ashcmd/gate"
)

const prompt = "ashcmd> "

// Generator turns a prompt into a presented command.
type Generator interface {
	OneLiner(ctx context.Context, prompt, cwd string, mode gate.Mode) (ashcmd.ExtractedCommand, gate.Outcome, error)
}

// LineReader reads one edited line.
type LineReader interface {
	ReadLine(prompt string) (string, error)
}

// Cooker is a LineReader on a raw terminal. Run leaves raw mode while a
// command is generated so that an interrupt reaches the process as a
// signal and cancels ctx.
type Cooker interface {
	Cooked() (restore func() error, err error)
}

// Options configures Run.
type Options struct {
	Cwd        string
	Out        io.Writer // banner and messages
	Transcript io.Writer // optional TOML log of every turn
}

// Run reads lines until :quit, Ctrl-D or Ctrl-C. Generation errors are
// reported and the loop continues; only read errors and cancellation end
// it with an error. An interrupt while a command is generated cancels ctx
// and ends the loop.
func Run(ctx context.Context, lr LineReader, gen Generator, opts Options) error {
	cwd := opts.Cwd
	out := opts.Out
	if out == nil {
		out = io.Discard
	}

	fmt.Fprintf(out, "ashcmd repl\ncwd: %s\n\ncommands:\n  :cwd <path>  set working directory\n  :quit        exit\n\n", cwd)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := lr.ReadLine(prompt)
		if errors.Is(err, io.EOF) || errors.Is(err, ErrInterrupt) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read line: %w", err)
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == ":quit" || line == ":q":
			return nil
		case line == ":cwd":
			fmt.Fprintf(out, "cwd: %s\n", cwd)
			continue
		case strings.HasPrefix(line, ":cwd "):
			next, err := resolveDir(cwd, strings.TrimSpace(strings.TrimPrefix(line, ":cwd ")))
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			cwd = next
			fmt.Fprintf(out, "cwd: %s\n\n", cwd)
			continue
		case strings.HasPrefix(line, ":"):
			fmt.Fprintf(out, "unknown command %s\n", line)
			continue
		}

		turn := Turn{Timestamp: time.Now(), Cwd: cwd, Prompt: line}
		cmd, err, termErr := generate(ctx, lr, gen, line, cwd)
		if termErr != nil {
			return termErr
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			fmt.Fprintf(out, "error: %v\n", err)
			turn.Error = err.Error()
		} else {
			turn.Command = cmd.Text
			if cmd.Confidence != nil {
				turn.Confidence = *cmd.Confidence
			}
		}
		fmt.Fprintln(out)

		if opts.Transcript != nil {
			if err := writeTurn(opts.Transcript, turn); err != nil {
				slog.Warn("failed to write transcript", "error", err)
			}
		}
	}
}

// generate runs one turn with the terminal in cooked mode. termErr
// reports a terminal that could not be put back into raw mode.
func generate(ctx context.Context, lr LineReader, gen Generator, line, cwd string) (cmd ashcmd.ExtractedCommand, err, termErr error) {
	restore := func() error { return nil }
	if c, ok := lr.(Cooker); ok {
		r, err := c.Cooked()
		if err != nil {
			slog.Warn("failed to leave raw mode", "error", err)
		} else {
			restore = r
		}
	}
	cmd, _, err = gen.OneLiner(ctx, line, cwd, gate.DryRun)
	return cmd, err, restore()
}

// resolveDir resolves path against cwd and checks that it is a directory.
func resolveDir(cwd, path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(cwd, path)
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", path)
	}
	return filepath.Clean(path), nil
}
