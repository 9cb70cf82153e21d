// Package generate turns a natural-language instruction into a model
// request and reduces the model's answer to a single shell command line.
package generate

import (
	"log/slog"
	"strings"
	"text/template"

	"github.com/Paranoid-AF/ashcmd"
	defaults "github.com/Paranoid-AF/ashcmd/default"
	"github.com/Paranoid-AF/ashcmd/index"
)

// PromptData holds the values available to the system prompt template.
type PromptData struct {
	Shell      string
	OS         string
	HasContext bool
}

var promptFuncs = template.FuncMap{
	"join":  strings.Join,
	"lower": strings.ToLower,
}

// Compile builds the request for prompt without environment context.
func Compile(prompt string, cfg *ashcmd.Config) ashcmd.GenerationRequest {
	return CompileWithContext(prompt, cfg, nil)
}

// CompileWithContext builds the request for prompt. Context lines from
// info, if any, precede the instruction in the user message. The result
// depends only on its arguments.
func CompileWithContext(prompt string, cfg *ashcmd.Config, info *Info) ashcmd.GenerationRequest {
	if cfg == nil {
		cfg = ashcmd.DefaultConfig()
	}

	params := cfg.Model
	if params.MaxTokens <= 0 {
		params.MaxTokens = ashcmd.DefaultConfig().Model.MaxTokens
	}

	data := PromptData{Shell: "bash"}
	var lines []string
	if info != nil {
		if info.Shell != "" {
			data.Shell = info.Shell
		}
		data.OS = info.OS
		lines = info.Lines()
		data.HasContext = len(lines) > 0
	}

	return ashcmd.GenerationRequest{
		Prompt:             userMessage(strings.TrimSpace(prompt), lines),
		Backend:            cfg.BackendKind(),
		Params:             params,
		SystemInstructions: RenderSystemPrompt(cfg.Prompt, data),
	}
}

// CompileRaw builds a plain text-continuation request: no system
// instructions and no context.
func CompileRaw(prompt string, cfg *ashcmd.Config) ashcmd.GenerationRequest {
	req := Compile(prompt, cfg)
	req.Prompt = prompt
	req.Backend = ashcmd.BackendLocal
	req.SystemInstructions = ""
	return req
}

// RenderSystemPrompt renders tmplSrc with data. An empty template selects
// the built-in one; a template that fails to parse or execute falls back
// to the built-in one.
func RenderSystemPrompt(tmplSrc string, data PromptData) string {
	if tmplSrc != "" {
		out, err := render(tmplSrc, data)
		if err == nil {
			return out
		}
		slog.Warn("failed to render custom prompt, falling back to default", "error", err)
	}
	out, err := render(defaults.DefaultPrompt, data)
	if err != nil {
		// The embedded template is fixed at build time.
		panic("ashcmd: invalid embedded prompt template: " + err.Error())
	}
	return out
}

func render(src string, data PromptData) (string, error) {
	t, err := template.New("prompt").Funcs(promptFuncs).Parse(src)
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), " \t\n"), nil
}

// userMessage prefixes the instruction with context lines, if any.
func userMessage(prompt string, context []string) string {
	if len(context) == 0 {
		return prompt
	}
	var sb strings.Builder
	sb.WriteString("Context:\n")
	for _, line := range context {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	sb.WriteString("\nTask: ")
	sb.WriteString(prompt)
	return sb.String()
}

// Lines renders info as "key: value" context lines in a fixed order.
// History entries are redacted.
func (info *Info) Lines() []string {
	if info == nil {
		return nil
	}
	var lines []string
	add := func(key, value string) {
		if value != "" {
			lines = append(lines, key+": "+value)
		}
	}

	add("cwd", info.Cwd)
	add("shell", info.Shell)
	add("os", info.OS)
	if d := info.Dir; d != nil {
		add("files", d.Listing)
		add("pkg", d.PackageManager)
		if d.GitRoot != "" && d.GitRoot != info.Cwd {
			add("git root", d.GitRoot)
		}
		for _, m := range d.Manifests {
			add(m.Label, m.Summary)
		}
	}
	if recent := index.RedactAll(info.RecentCommands); len(recent) > 0 {
		add("recent", strings.Join(recent, " ; "))
	}
	if related := index.RedactAll(info.RelevantCommands); len(related) > 0 {
		add("related", strings.Join(related, " ; "))
	}
	return lines
}
