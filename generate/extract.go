package generate

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"mvdan.cc/sh/v3/syntax"

	"github.com/Paranoid-AF/ashcmd"
)

// Confidence assigned by each extraction rule.
const (
	confidenceSingleLineBlock = 0.95
	confidenceFencedLine      = 0.8
	confidenceInlineSpan      = 0.6
	confidenceBareLine        = 0.4
)

// labels are answer prefixes models put in front of the command.
var labels = []string{"assistant:", "command:", "answer:", "output:", "bash:", "shell:", "sh:"}

// stopWords start prose, never a command.
var stopWords = map[string]bool{
	"here": true, "sure": true, "certainly": true, "okay": true, "ok": true,
	"this": true, "that": true, "these": true, "the": true, "to": true,
	"you": true, "your": true, "i": true, "it": true, "a": true, "an": true,
	"note": true, "explanation": true, "alternatively": true, "example": true,
	"please": true, "human": true, "assistant": true, "use": true,
	"run": true, "try": true, "with": true, "and": true, "or": true,
	"will": true, "would": true, "can": true,
}

// markdownMarks open emphasis, quotes and headings, never a command.
const markdownMarks = "*_>#"

// shellMarks are characters prose rarely contains.
const shellMarks = "|&;<>$`(){}[]=*/~\\\""

var (
	inlineSpan = regexp.MustCompile("`([^`\n]+)`")
	numbered   = regexp.MustCompile(`^\d+[.)]\s+`)
)

// Extract reduces a model response to one command line. Rules, first
// match wins:
//
//  1. the first fenced block holding exactly one non-empty line, verbatim;
//  2. the first plausible line inside any fenced block;
//  3. the first plausible `inline code` span outside fenced blocks;
//  4. the first plausible line outside fenced blocks that holds no
//     inline code span.
//
// It returns ashcmd.ErrNoCommandFound when no rule matches.
func Extract(resp ashcmd.BackendResponse) (ashcmd.ExtractedCommand, error) {
	blocks, bare := splitFences(resp.RawText)

	for _, b := range blocks {
		if line, ok := singleLine(b); ok {
			return found(line, confidenceSingleLineBlock), nil
		}
	}
	for _, b := range blocks {
		for _, line := range joinContinuations(b) {
			if cmd, ok := plausible(line); ok {
				return found(cmd, confidenceFencedLine), nil
			}
		}
	}
	for _, line := range bare {
		for _, m := range inlineSpan.FindAllStringSubmatch(line, -1) {
			if cmd, ok := plausible(m[1]); ok {
				return found(cmd, confidenceInlineSpan), nil
			}
		}
	}
	for _, line := range bare {
		if inlineSpan.MatchString(line) {
			continue
		}
		if cmd, ok := plausible(line); ok && !sentence(cmd) {
			return found(cmd, confidenceBareLine), nil
		}
	}
	return ashcmd.ExtractedCommand{}, ashcmd.ErrNoCommandFound
}

func found(text string, confidence float64) ashcmd.ExtractedCommand {
	return ashcmd.ExtractedCommand{Text: text, Confidence: &confidence}
}

// splitFences separates fenced code blocks (``` or ~~~) from the lines
// outside them. An unterminated fence runs to the end of the text. A line
// like ```ls -la``` is a block of its own.
func splitFences(text string) (blocks [][]string, bare []string) {
	var (
		inFence bool
		marker  string
		current []string
	)
	for _, raw := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line := strings.TrimSpace(raw)
		if !inFence {
			if m := fenceMarker(line); m != "" {
				rest := strings.TrimPrefix(line, m)
				if len(rest) > len(m) && strings.HasSuffix(rest, m) {
					blocks = append(blocks, []string{strings.TrimSuffix(rest, m)})
					continue
				}
				inFence, marker, current = true, m, nil
				continue
			}
			bare = append(bare, raw)
			continue
		}
		if strings.HasPrefix(line, marker) && strings.Trim(line, marker[:1]) == "" {
			blocks = append(blocks, current)
			inFence, current = false, nil
			continue
		}
		current = append(current, raw)
	}
	if inFence {
		blocks = append(blocks, current)
	}
	return blocks, bare
}

// fenceMarker returns the fence run (``` or ~~~, possibly longer) that
// opens line, or "".
func fenceMarker(line string) string {
	for _, c := range []byte{'`', '~'} {
		n := 0
		for n < len(line) && line[n] == c {
			n++
		}
		if n >= 3 {
			return line[:n]
		}
	}
	return ""
}

// singleLine returns the only non-empty line of a block, trimmed.
func singleLine(block []string) (string, bool) {
	var only string
	for _, line := range block {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if only != "" {
			return "", false
		}
		only = line
	}
	return only, only != ""
}

// joinContinuations merges lines ending in a backslash with the next.
func joinContinuations(block []string) []string {
	var out []string
	var pending string
	for _, line := range block {
		line = strings.TrimSpace(line)
		if strings.HasSuffix(line, "\\") {
			pending += strings.TrimSuffix(line, "\\") + " "
			continue
		}
		out = append(out, pending+line)
		pending = ""
	}
	if pending != "" {
		out = append(out, strings.TrimSpace(pending))
	}
	return out
}

// plausible cleans line and reports whether it looks like a shell command.
func plausible(line string) (string, bool) {
	cmd := cleanLine(line)
	if cmd == "" || strings.HasSuffix(cmd, ":") {
		return "", false
	}

	first := strings.Fields(cmd)[0]
	if strings.ContainsRune(markdownMarks, rune(first[0])) || strings.HasSuffix(first, ",") {
		return "", false
	}
	word := strings.TrimRight(first, ".,!?;:")
	if word == "" || stopWords[strings.ToLower(word)] || isProseWord(word) {
		return "", false
	}

	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(cmd), "")
	if err != nil || len(file.Stmts) == 0 || file.Stmts[0].Cmd == nil {
		return "", false
	}
	return cmd, true
}

// sentence reports a line shaped like prose: it ends a word with a full
// stop, question or exclamation mark and has no shell punctuation.
func sentence(cmd string) bool {
	if strings.ContainsAny(cmd, shellMarks) {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(cmd)
	if r != '.' && r != '!' && r != '?' {
		return false
	}
	prev, _ := utf8.DecodeLastRuneInString(cmd[:len(cmd)-1])
	return unicode.IsLetter(prev)
}

// cleanLine strips list bullets, prompt markers, answer labels and
// surrounding backticks.
func cleanLine(line string) string {
	s := strings.TrimSpace(line)
	for _, bullet := range []string{"- ", "* ", "• "} {
		s = strings.TrimSpace(strings.TrimPrefix(s, bullet))
	}
	s = numbered.ReplaceAllString(s, "")
	for changed := true; changed; {
		changed = false
		lower := strings.ToLower(s)
		for _, l := range labels {
			if strings.HasPrefix(lower, l) {
				s = strings.TrimSpace(s[len(l):])
				changed = true
				break
			}
		}
		if strings.HasPrefix(s, "$ ") {
			s = strings.TrimSpace(s[2:])
			changed = true
		}
	}
	if len(s) >= 2 && strings.HasPrefix(s, "`") && strings.HasSuffix(s, "`") {
		s = strings.TrimSpace(strings.Trim(s, "`"))
	}
	return s
}

// isProseWord reports a capitalised natural-language word such as "Sure"
// or "List". All-caps words (VAR=1, README) do not count.
func isProseWord(w string) bool {
	r, size := utf8.DecodeRuneInString(w)
	if !unicode.IsUpper(r) {
		return false
	}
	rest := w[size:]
	if rest == "" {
		return true
	}
	for _, r := range rest {
		if !unicode.IsLower(r) && r != '\'' {
			return false
		}
	}
	return true
}
