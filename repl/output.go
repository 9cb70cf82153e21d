package repl

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/term"
)

// TermWriter wraps a file and converts \n to \r\n when the file is a
// terminal (raw mode disables the kernel's NL→CRNL translation). When the
// file is redirected, \n passes through unchanged.
func TermWriter(f *os.File) io.Writer {
	if term.IsTerminal(int(f.Fd())) {
		return &crlfWriter{w: f}
	}
	return f
}

type crlfWriter struct {
	w io.Writer
}

func (c *crlfWriter) Write(p []byte) (int, error) {
	replaced := bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))
	_, err := c.w.Write(replaced)
	return len(p), err // report original length to caller
}

// Turn is one transcript record.
type Turn struct {
	Timestamp  time.Time `toml:"timestamp"`
	Cwd        string    `toml:"cwd"`
	Prompt     string    `toml:"prompt"`
	Command    string    `toml:"command,omitempty"`
	Confidence float64   `toml:"confidence,omitempty"`
	Error      string    `toml:"error,omitempty"`
}

// writeTurn appends t to w as a [[turn]] table, so a transcript file is a
// valid TOML document at any point.
func writeTurn(w io.Writer, t Turn) error {
	fmt.Fprintf(w, "# %s\n", strings.Repeat("═", 60))
	return toml.NewEncoder(w).Encode(struct {
		Turn []Turn `toml:"turn"`
	}{[]Turn{t}})
}
