package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
)

// FormConfirmer asks with a yes/no form on the terminal. Escape and
// ctrl+c decline.
type FormConfirmer struct{}

func (FormConfirmer) Confirm(ctx context.Context, command string, risks []Risk) (bool, error) {
	var ok bool
	confirm := huh.NewConfirm().
		Title("Run this command?").
		Affirmative("Run").
		Negative("Cancel").
		Value(&ok)
	if len(risks) > 0 {
		confirm = confirm.Description(riskSummary(risks))
	}

	err := huh.NewForm(huh.NewGroup(confirm)).WithShowHelp(false).RunWithContext(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ok, nil
}

// LineConfirmer reads one answer line from In. Only "y" and "yes"
// (any case) confirm; anything else, including end of input, declines.
type LineConfirmer struct {
	In  io.Reader
	Out io.Writer
}

func (c *LineConfirmer) Confirm(ctx context.Context, command string, risks []Risk) (bool, error) {
	prompt := "Run this command? [y/N] "
	if len(risks) > 0 {
		prompt = "Run this command despite the warnings? [y/N] "
	}
	if c.Out != nil {
		fmt.Fprint(c.Out, prompt)
	}

	answer := make(chan string, 1)
	go func() { answer <- readLine(c.In) }()

	select {
	case <-ctx.Done():
		// Unblock the reader where the input supports it (pipes, sockets).
		if d, ok := c.In.(interface{ SetReadDeadline(time.Time) error }); ok {
			d.SetReadDeadline(time.Now())
		}
		return false, ctx.Err()
	case line := <-answer:
		return isYes(line), nil
	}
}

// maxAnswer bounds how much of a runaway answer line is read.
const maxAnswer = 256

// readLine reads up to and including the first newline, one byte at a time,
// so input after the answer stays unread for the command that runs next.
func readLine(r io.Reader) string {
	var (
		line []byte
		b    [1]byte
	)
	for len(line) < maxAnswer {
		n, err := r.Read(b[:])
		if n == 1 {
			if b[0] == '\n' {
				break
			}
			line = append(line, b[0])
		}
		if err != nil {
			break
		}
	}
	return string(line)
}

func isYes(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

func riskSummary(risks []Risk) string {
	reasons := make([]string, len(risks))
	for i, r := range risks {
		reasons[i] = r.Reason
	}
	return "Warning: " + strings.Join(reasons, "; ")
}
