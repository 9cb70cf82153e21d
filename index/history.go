// Package index reads shell history for prompt context: recent commands,
// secret redaction, and semantically related commands found through
// embeddings and an HNSW graph.
package index

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// History reads commands from one shell history file.
type History struct {
	path string
}

// NewHistory opens the history file at path. An empty path selects the
// most recently modified of $HISTFILE, ~/.bash_history and ~/.zsh_history.
func NewHistory(path string) *History {
	if path == "" {
		path = ResolveHistoryPath()
	}
	return &History{path: path}
}

// Path returns the history file in use, or "" if none was found.
func (h *History) Path() string { return h.path }

// ResolveHistoryPath picks the most recently modified history file.
func ResolveHistoryPath() string {
	var candidates []string
	if hf := os.Getenv("HISTFILE"); hf != "" {
		candidates = append(candidates, hf)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".bash_history"),
			filepath.Join(home, ".zsh_history"),
		)
	}

	var best string
	var bestTime time.Time
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if best == "" || info.ModTime().After(bestTime) {
			best, bestTime = path, info.ModTime()
		}
	}
	return best
}

// Recent returns the last n commands, oldest first.
func (h *History) Recent(n int) []string {
	if h.path == "" || n <= 0 {
		return nil
	}
	cmds := parseLines(tailLines(h.path, n))
	if len(cmds) > n {
		cmds = cmds[len(cmds)-n:]
	}
	return cmds
}

// Unique returns up to the last n distinct commands, most recent last.
func (h *History) Unique(n int) []string {
	if h.path == "" || n <= 0 {
		return nil
	}
	cmds := parseLines(tailLines(h.path, n))
	seen := make(map[string]bool, len(cmds))
	out := make([]string, 0, len(cmds))
	for i := len(cmds) - 1; i >= 0; i-- {
		if seen[cmds[i]] {
			continue
		}
		seen[cmds[i]] = true
		out = append(out, cmds[i])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func parseLines(lines []string) []string {
	cmds := make([]string, 0, len(lines))
	for _, line := range lines {
		if cmd := ParseHistoryLine(line); cmd != "" {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

// ParseHistoryLine strips the zsh extended-history prefix
// (": <start>:<elapsed>;") and bash timestamp comments.
func ParseHistoryLine(line string) string {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, ": ") {
		if i := strings.IndexByte(line, ';'); i >= 0 {
			return strings.TrimSpace(line[i+1:])
		}
	}
	// HISTTIMEFORMAT writes "#1700000000" lines between commands.
	if strings.HasPrefix(line, "#") && len(line) > 1 && strings.Trim(line[1:], "0123456789") == "" {
		return ""
	}
	return line
}

// tailLines returns the last n lines of the file at path.
func tailLines(path string, n int) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil
	}

	// Most history lines are short; read a generous tail first.
	window := int64(n) * 128
	if window < info.Size() {
		if _, err := f.Seek(-window, io.SeekEnd); err == nil {
			r := bufio.NewReader(f)
			r.ReadString('\n') // partial line
			lines := scanLines(r)
			if len(lines) >= n {
				return lines[len(lines)-n:]
			}
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil
		}
	}

	lines := scanLines(f)
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func scanLines(r io.Reader) []string {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}
