// Package gate decides what happens to an extracted command: it is shown,
// copied to the clipboard, or run after the user explicitly confirms it.
package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/Paranoid-AF/ashcmd"
)

// Mode selects how a command is presented.
type Mode string

const (
	DryRun          Mode = "dry-run"
	CopyToClipboard Mode = "copy"
	Execute         Mode = "execute"
)

// ParseMode parses an execution.mode value. Empty means DryRun.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", DryRun:
		return DryRun, nil
	case CopyToClipboard, Execute:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown execution mode %q (want dry-run, copy or execute)", s)
}

// Outcome reports what Present did.
type Outcome int

const (
	Shown Outcome = iota
	Copied
	Executed
	Declined
)

func (o Outcome) String() string {
	switch o {
	case Shown:
		return "shown"
	case Copied:
		return "copied"
	case Executed:
		return "executed"
	case Declined:
		return "declined"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Clipboard receives copied commands.
type Clipboard interface {
	WriteAll(text string) error
}

type systemClipboard struct{}

func (systemClipboard) WriteAll(text string) error { return clipboard.WriteAll(text) }

// Confirmer asks the user whether command may run.
type Confirmer interface {
	Confirm(ctx context.Context, command string, risks []Risk) (bool, error)
}

// Runner executes a confirmed command.
type Runner interface {
	Run(ctx context.Context, command string) error
}

var (
	commandStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	noteStyle    = lipgloss.NewStyle().Faint(true)
)

// Gate presents commands. The zero value is not usable; use New.
type Gate struct {
	out       io.Writer // the command itself in DryRun
	msg       io.Writer // status lines, warnings and prompts
	clipboard Clipboard
	confirm   Confirmer
	runner    Runner
}

// Option configures a Gate.
type Option func(*Gate)

// WithOutput sets the writers for the command (DryRun) and for messages.
func WithOutput(out, msg io.Writer) Option {
	return func(g *Gate) { g.out, g.msg = out, msg }
}

// WithClipboard replaces the system clipboard.
func WithClipboard(c Clipboard) Option {
	return func(g *Gate) { g.clipboard = c }
}

// WithConfirmer replaces the confirmation prompt.
func WithConfirmer(c Confirmer) Option {
	return func(g *Gate) { g.confirm = c }
}

// WithRunner replaces the shell runner.
func WithRunner(r Runner) Option {
	return func(g *Gate) { g.runner = r }
}

// New returns a Gate wired to the process stdio, the system clipboard and
// a shell runner for shell ("" picks bash, else /bin/sh). Confirmation
// uses a form when stdin and stderr are terminals and a y/N line
// otherwise.
func New(shell string, opts ...Option) *Gate {
	g := &Gate{
		out:       os.Stdout,
		msg:       os.Stderr,
		clipboard: systemClipboard{},
		runner:    &ShellRunner{Shell: shell, Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr},
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.confirm == nil {
		if term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stderr.Fd())) {
			g.confirm = &FormConfirmer{}
		} else {
			g.confirm = &LineConfirmer{In: os.Stdin, Out: g.msg}
		}
	}
	return g
}

// Present handles cmd according to mode. A command only runs in Execute
// mode and only after the confirmer approves it; a refusal yields
// Declined with a nil error.
func (g *Gate) Present(ctx context.Context, cmd ashcmd.ExtractedCommand, mode Mode) (Outcome, error) {
	if cmd.Text == "" {
		return Shown, errors.New("gate: empty command")
	}
	slog.Debug("presenting command", "mode", mode, "command", cmd.Text)

	switch mode {
	case DryRun, "":
		_, err := fmt.Fprintln(g.out, cmd.Text)
		return Shown, err

	case CopyToClipboard:
		if err := g.clipboard.WriteAll(cmd.Text); err != nil {
			return Copied, fmt.Errorf("copy to clipboard: %w", err)
		}
		fmt.Fprintln(g.msg, commandStyle.Render(cmd.Text))
		fmt.Fprintln(g.msg, noteStyle.Render("copied to clipboard"))
		return Copied, nil

	case Execute:
		return g.execute(ctx, cmd.Text)
	}
	return Shown, fmt.Errorf("gate: unknown mode %q", mode)
}

func (g *Gate) execute(ctx context.Context, command string) (Outcome, error) {
	risks := Assess(command)

	fmt.Fprintln(g.msg, commandStyle.Render(command))
	for _, r := range risks {
		fmt.Fprintln(g.msg, warnStyle.Render("warning: "+r.Reason))
	}

	ok, err := g.confirm.Confirm(ctx, command, risks)
	if err != nil {
		return Declined, fmt.Errorf("confirm: %w", err)
	}
	if !ok {
		slog.Info("command declined", "command", command)
		fmt.Fprintln(g.msg, noteStyle.Render("not run"))
		return Declined, nil
	}

	slog.Info("running command", "command", command, "risks", len(risks))
	if err := g.runner.Run(ctx, command); err != nil {
		return Executed, err
	}
	return Executed, nil
}
