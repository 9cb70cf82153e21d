package gate

import (
	"path"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Risk is a reason to look twice before running a command.
type Risk struct {
	Reason string
}

// wrappers run their arguments as a command.
var wrappers = map[string]bool{
	"sudo": true, "doas": true, "nohup": true, "command": true, "exec": true, "time": true,
}

var shells = map[string]bool{"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true, "fish": true}

var downloaders = map[string]bool{"curl": true, "wget": true}

var blockDevices = []string{"/dev/sd", "/dev/hd", "/dev/nvme", "/dev/vd", "/dev/xvd", "/dev/mmcblk", "/dev/disk"}

// Assess lists the destructive patterns found in command. A command that
// does not parse yields no risks.
func Assess(command string) []Risk {
	file, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(command), "")
	if err != nil {
		return nil
	}

	var risks []Risk
	seen := make(map[string]bool)
	add := func(reason string) {
		if !seen[reason] {
			seen[reason] = true
			risks = append(risks, Risk{Reason: reason})
		}
	}

	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.CallExpr:
			if reason := assessCall(callWords(n)); reason != "" {
				add(reason)
			}
		case *syntax.Redirect:
			if isOutput(n.Op) && n.Word != nil && isBlockDevice(n.Word.Lit()) {
				add("writes directly to a block device")
			}
		case *syntax.BinaryCmd:
			if (n.Op == syntax.Pipe || n.Op == syntax.PipeAll) && lastCommand(n.X, downloaders) && firstCommand(n.Y, shells) {
				add("pipes a download into a shell")
			}
		}
		return true
	})
	return risks
}

// callWords returns the literal words of a call with wrapper commands
// (sudo, nohup) stripped and the program reduced to its base name.
// Non-literal words come back empty.
func callWords(call *syntax.CallExpr) []string {
	words := make([]string, 0, len(call.Args))
	for _, w := range call.Args {
		words = append(words, w.Lit())
	}
	for len(words) > 0 && wrappers[path.Base(words[0])] {
		words = words[1:]
		for len(words) > 0 && strings.HasPrefix(words[0], "-") {
			words = words[1:]
		}
	}
	if len(words) > 0 {
		words[0] = path.Base(words[0])
	}
	return words
}

func assessCall(words []string) string {
	if len(words) == 0 {
		return ""
	}
	args := words[1:]
	switch prog := words[0]; {
	case prog == "rm":
		if hasFlag(args, 'r', 'R') || contains(args, "--recursive") {
			return "recursively deletes files"
		}
	case prog == "mkfs" || strings.HasPrefix(prog, "mkfs."):
		return "formats a filesystem"
	case prog == "dd":
		for _, a := range args {
			if strings.HasPrefix(a, "of=") {
				return "dd writes raw data to " + strings.TrimPrefix(a, "of=")
			}
		}
	case prog == "shred":
		return "irrecoverably overwrites files"
	case prog == "chmod":
		if (hasFlag(args, 'R') || contains(args, "--recursive")) && contains(args, "777") {
			if contains(args, "/") {
				return "makes the whole filesystem world-writable"
			}
			return "recursively makes files world-writable"
		}
	}
	return ""
}

// hasFlag reports whether a short option cluster (-rf) holds any of flags.
func hasFlag(args []string, flags ...byte) bool {
	for _, a := range args {
		if len(a) < 2 || a[0] != '-' || a[1] == '-' {
			continue
		}
		for _, f := range flags {
			if strings.IndexByte(a[1:], f) >= 0 {
				return true
			}
		}
	}
	return false
}

func contains(args []string, s string) bool {
	for _, a := range args {
		if a == s {
			return true
		}
	}
	return false
}

func isOutput(op syntax.RedirOperator) bool {
	switch op {
	case syntax.RdrOut, syntax.AppOut, syntax.ClbOut, syntax.RdrAll, syntax.AppAll:
		return true
	}
	return false
}

func isBlockDevice(target string) bool {
	for _, prefix := range blockDevices {
		if strings.HasPrefix(target, prefix) {
			return true
		}
	}
	return false
}

// firstCommand reports whether the first program of stmt is in names.
func firstCommand(stmt *syntax.Stmt, names map[string]bool) bool {
	switch c := stmt.Cmd.(type) {
	case *syntax.CallExpr:
		words := callWords(c)
		return len(words) > 0 && names[words[0]]
	case *syntax.BinaryCmd:
		return firstCommand(c.X, names)
	}
	return false
}

// lastCommand reports whether the last program of a pipeline is in names.
func lastCommand(stmt *syntax.Stmt, names map[string]bool) bool {
	switch c := stmt.Cmd.(type) {
	case *syntax.CallExpr:
		words := callWords(c)
		return len(words) > 0 && names[words[0]]
	case *syntax.BinaryCmd:
		return lastCommand(c.Y, names)
	}
	return false
}
