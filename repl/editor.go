package repl

import (
	"errors"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"golang.org/x/term"
)

// ErrInterrupt is returned when the user presses Ctrl-C.
var ErrInterrupt = errors.New("interrupted")

// Editor is a minimal line editor with cursor tracking and history.
// It reads from /dev/tty so it works even when stdout is redirected.
type Editor struct {
	rw       io.ReadWriter
	tty      *os.File
	oldState *term.State
	buf      []byte
	pos      int // cursor byte offset into buf

	history []string
	hpos    int // index into history while browsing; len(history) = new line
}

// NewEditor opens /dev/tty and switches it to raw mode.
func NewEditor() (*Editor, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/tty: %w", err)
	}

	old, err := term.MakeRaw(int(tty.Fd()))
	if err != nil {
		tty.Close()
		return nil, fmt.Errorf("raw mode: %w", err)
	}

	return &Editor{rw: tty, tty: tty, oldState: old}, nil
}

// newEditor edits lines read from rw, which is assumed to be raw already.
func newEditor(rw io.ReadWriter) *Editor {
	return &Editor{rw: rw}
}

// Close restores terminal state and closes the tty.
func (e *Editor) Close() {
	if e.tty == nil {
		return
	}
	term.Restore(int(e.tty.Fd()), e.oldState)
	e.tty.Close()
}

// Cooked puts the terminal back into its original mode, so that Ctrl-C
// raises SIGINT while a command is generated. The returned func switches
// back to raw mode.
func (e *Editor) Cooked() (func() error, error) {
	if e.tty == nil {
		return func() error { return nil }, nil
	}
	fd := int(e.tty.Fd())
	if err := term.Restore(fd, e.oldState); err != nil {
		return nil, fmt.Errorf("restore terminal: %w", err)
	}
	return func() error {
		if _, err := term.MakeRaw(fd); err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		return nil
	}, nil
}

// Writer returns where prompts and messages go.
func (e *Editor) Writer() io.Writer {
	return e.rw
}

// ReadLine displays the prompt and reads one line. It returns io.EOF when
// the user presses Ctrl-D on empty input and ErrInterrupt on Ctrl-C.
// Non-empty lines are added to the history.
func (e *Editor) ReadLine(prompt string) (string, error) {
	e.buf = e.buf[:0]
	e.pos = 0
	e.hpos = len(e.history)
	e.redraw(prompt)

	var esc [8]byte // buffer for escape sequences

	for {
		var b [1]byte
		if _, err := io.ReadFull(e.rw, b[:]); err != nil {
			return "", err
		}

		switch b[0] {
		case 3: // Ctrl-C
			fmt.Fprint(e.rw, "\r\n")
			return "", ErrInterrupt

		case 4: // Ctrl-D
			if len(e.buf) == 0 {
				fmt.Fprint(e.rw, "\r\n")
				return "", io.EOF
			}

		case 13, 10: // Enter
			fmt.Fprint(e.rw, "\r\n")
			line := string(e.buf)
			if line != "" && (len(e.history) == 0 || e.history[len(e.history)-1] != line) {
				e.history = append(e.history, line)
			}
			return line, nil

		case 127, 8: // Backspace / Ctrl-H
			if e.pos > 0 {
				_, size := prevRune(e.buf, e.pos)
				copy(e.buf[e.pos-size:], e.buf[e.pos:])
				e.buf = e.buf[:len(e.buf)-size]
				e.pos -= size
			}

		case 1: // Ctrl-A (Home)
			e.pos = 0

		case 5: // Ctrl-E (End)
			e.pos = len(e.buf)

		case 21: // Ctrl-U (clear line)
			e.buf = e.buf[:0]
			e.pos = 0

		case 27: // Escape sequence
			if n, _ := e.rw.Read(esc[:1]); n == 0 || esc[0] != '[' {
				continue
			}
			if n, _ := e.rw.Read(esc[1:2]); n == 0 {
				continue
			}
			switch esc[1] {
			case 'A': // Up
				e.browse(-1)
			case 'B': // Down
				e.browse(1)
			case 'D': // Left
				if e.pos > 0 {
					_, size := prevRune(e.buf, e.pos)
					e.pos -= size
				}
			case 'C': // Right
				if e.pos < len(e.buf) {
					_, size := utf8.DecodeRune(e.buf[e.pos:])
					e.pos += size
				}
			case 'H': // Home
				e.pos = 0
			case 'F': // End
				e.pos = len(e.buf)
			case '3': // Delete key: \x1b[3~
				e.rw.Read(esc[2:3])
				if e.pos < len(e.buf) {
					_, size := utf8.DecodeRune(e.buf[e.pos:])
					copy(e.buf[e.pos:], e.buf[e.pos+size:])
					e.buf = e.buf[:len(e.buf)-size]
				}
			case '1': // Home: \x1b[1~
				e.rw.Read(esc[2:3])
				e.pos = 0
			case '4': // End: \x1b[4~
				e.rw.Read(esc[2:3])
				e.pos = len(e.buf)
			}

		default: // Printable character
			if b[0] >= 32 {
				ch := []byte{b[0]}
				if b[0] >= 0xC0 {
					tmp := make([]byte, utf8RuneLen(b[0])-1)
					io.ReadFull(e.rw, tmp)
					ch = append(ch, tmp...)
				}
				e.buf = append(e.buf, make([]byte, len(ch))...)
				copy(e.buf[e.pos+len(ch):], e.buf[e.pos:len(e.buf)-len(ch)])
				copy(e.buf[e.pos:], ch)
				e.pos += len(ch)
			}
		}

		e.redraw(prompt)
	}
}

// browse moves through the history by delta and loads that entry.
func (e *Editor) browse(delta int) {
	next := e.hpos + delta
	if next < 0 || next > len(e.history) {
		return
	}
	e.hpos = next
	e.buf = e.buf[:0]
	if next < len(e.history) {
		e.buf = append(e.buf, e.history[next]...)
	}
	e.pos = len(e.buf)
}

// redraw clears the current line and redraws prompt + buffer with cursor.
func (e *Editor) redraw(prompt string) {
	// \r = carriage return, \x1b[K = clear to end of line
	fmt.Fprintf(e.rw, "\r\x1b[K%s%s", prompt, string(e.buf))

	if tail := utf8.RuneCount(e.buf[e.pos:]); tail > 0 {
		fmt.Fprintf(e.rw, "\x1b[%dD", tail)
	}
}

// prevRune returns the rune and byte size of the rune before pos.
func prevRune(buf []byte, pos int) (rune, int) {
	if pos <= 0 {
		return 0, 0
	}
	i := pos - 1
	for i > 0 && !utf8.RuneStart(buf[i]) {
		i--
	}
	return utf8.DecodeRune(buf[i:pos])
}

// utf8RuneLen returns the expected byte length of a UTF-8 sequence
// from its leading byte.
func utf8RuneLen(lead byte) int {
	switch {
	case lead < 0xC0:
		return 1
	case lead < 0xE0:
		return 2
	case lead < 0xF0:
		return 3
	}
	return 4
}
