package index

import (
	"bytes"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Redacted is the placeholder substituted for sensitive values.
const Redacted = "***"

// publicVars are environment variables whose names and values are safe to
// send to a model.
var publicVars = map[string]bool{
	"HOME": true, "USER": true, "LOGNAME": true, "PWD": true, "OLDPWD": true,
	"SHELL": true, "PATH": true, "TERM": true, "LANG": true, "LC_ALL": true,
	"LC_CTYPE": true, "EDITOR": true, "VISUAL": true, "PAGER": true,
	"HOSTNAME": true, "TMPDIR": true, "DISPLAY": true, "WAYLAND_DISPLAY": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
	"XDG_RUNTIME_DIR": true, "HISTFILE": true, "HISTSIZE": true, "SHLVL": true,
	"COLUMNS": true, "LINES": true, "GOPATH": true, "GOOS": true, "GOARCH": true,
}

// isSpecialParam reports shell parameters such as $?, $# and $1.
func isSpecialParam(name string) bool {
	if len(name) != 1 {
		return false
	}
	return strings.ContainsAny(name, "?!#@*-$_0123456789")
}

// secretFlag matches long options that carry credentials inline.
var secretFlag = regexp.MustCompile(`^(--?[A-Za-z0-9-]*(?i:token|password|passwd|secret|api-?key|auth)[A-Za-z0-9-]*=)(.+)$`)

// Redact hides secrets in a shell command line: references to private
// environment variables become $REDACTED, values assigned to private
// variables and inline credential flags (--token=...) become ***.
// Lines that do not parse are redacted with a pattern-based fallback.
func Redact(cmd string) string {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(true))
	file, err := parser.Parse(strings.NewReader(cmd), "")
	if err != nil {
		return redactText(cmd)
	}

	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.ParamExp:
			if n.Param != nil && !publicVars[n.Param.Value] && !isSpecialParam(n.Param.Value) {
				n.Param.Value = "REDACTED"
			}
		case *syntax.Assign:
			if n.Name != nil && n.Value != nil && !publicVars[n.Name.Value] {
				n.Value.Parts = []syntax.WordPart{&syntax.Lit{Value: Redacted}}
			}
		case *syntax.CallExpr:
			for _, arg := range n.Args {
				redactFlagWord(arg)
			}
		}
		return true
	})

	var buf bytes.Buffer
	if err := syntax.NewPrinter(syntax.Indent(0)).Print(&buf, file); err != nil {
		return redactText(cmd)
	}
	return strings.TrimRight(buf.String(), "\n")
}

// redactFlagWord rewrites a word like --password=hunter2 in place.
func redactFlagWord(w *syntax.Word) {
	if len(w.Parts) == 0 {
		return
	}
	lit, ok := w.Parts[0].(*syntax.Lit)
	if !ok {
		return
	}
	if m := secretFlag.FindStringSubmatch(lit.Value); m != nil {
		lit.Value = m[1] + Redacted
		w.Parts = w.Parts[:1]
		return
	}
	// --token="$(cat f)" and friends: the literal ends at the '='.
	if strings.HasSuffix(lit.Value, "=") && len(w.Parts) > 1 && secretFlag.MatchString(lit.Value+"x") {
		lit.Value += Redacted
		w.Parts = w.Parts[:1]
	}
}

// RedactAll applies Redact to each command.
func RedactAll(cmds []string) []string {
	out := make([]string, len(cmds))
	for i, cmd := range cmds {
		out[i] = Redact(cmd)
	}
	return out
}

var (
	reVarRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)
	reAssign = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)=(\S+)`)
)

// redactText is the fallback for lines the shell parser rejects.
func redactText(cmd string) string {
	cmd = reVarRef.ReplaceAllStringFunc(cmd, func(m string) string {
		sub := reVarRef.FindStringSubmatch(m)
		if sub[1] != "" {
			if publicVars[sub[1]] {
				return m
			}
			return "${REDACTED}"
		}
		if publicVars[sub[2]] {
			return m
		}
		return "$REDACTED"
	})
	cmd = reAssign.ReplaceAllStringFunc(cmd, func(m string) string {
		name := reAssign.FindStringSubmatch(m)[1]
		if publicVars[name] || name == "REDACTED" {
			return m
		}
		return name + "=" + Redacted
	})
	fields := strings.Fields(cmd)
	for i, f := range fields {
		if m := secretFlag.FindStringSubmatch(f); m != nil {
			fields[i] = m[1] + Redacted
		}
	}
	return strings.Join(fields, " ")
}
