package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Paranoid-AF/ashcmd"
	"github.com/Paranoid-AF/ashcmd/gate"
	"github.com/Paranoid-AF/ashcmd/session"
)

// app carries the process streams and test seams shared by every command.
type app struct {
	stdout io.Writer
	stderr io.Writer

	newBackend session.BackendFactory
	gateOpts   []gate.Option

	// persistent flags
	backend    string
	model      string
	cpu        bool
	quantized  bool
	tracing    bool
	verbose    int
	quiet      int
	configPath string

	// root-only mode flags
	copy    bool
	execute bool
	dryRun  bool
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr}
}

func (a *app) root() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ashcmd [flags] <prompt...>",
		Short: "Turn a request into a shell one-liner",
		Long: `ashcmd asks a language model for a single shell command that does what
you describe, then prints it, copies it or runs it after confirmation.

The model runs locally through an Ollama-compatible runtime, or on AWS
Bedrock with --backend bedrock.

Put the prompt after -- when it starts with a subcommand name (config,
generate, repl) or contains words beginning with "-".`,
		Example: `  ashcmd find files larger than 100MB
  ashcmd --copy show disk usage of each directory here
  ashcmd -x --backend bedrock kill whatever listens on port 8080
  ashcmd -- config files changed today, skip -backup copies`,
		Version:       Version,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.TrimSpace(strings.Join(args, " "))
			if prompt == "" {
				return fmt.Errorf("%w: a prompt is required (see ashcmd --help)", ashcmd.ErrUsage)
			}
			mode, err := a.mode()
			if err != nil {
				return err
			}
			opts := a.options()
			opts.Prompt = prompt
			opts.Mode = mode
			return session.Run(cmd.Context(), opts)
		},
	}
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", ashcmd.ErrUsage, err)
	})

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.backend, "backend", "", "backend to use: local or bedrock")
	pf.StringVar(&a.model, "model", "", "local model generation: 2 or 3")
	pf.BoolVar(&a.cpu, "cpu", false, "run the local model on the CPU")
	pf.BoolVar(&a.quantized, "quantized", false, "use the quantized local model")
	pf.BoolVar(&a.tracing, "tracing", false, "write a trace file for this run")
	pf.CountVarP(&a.verbose, "verbose", "v", "raise log verbosity (repeatable)")
	pf.CountVarP(&a.quiet, "quiet", "q", "lower log verbosity (repeatable)")
	pf.StringVar(&a.configPath, "config", "", "project config file (default ./"+ashcmd.ProjectConfigFile+")")

	f := cmd.Flags()
	f.BoolVar(&a.copy, "copy", false, "copy the command to the clipboard")
	f.BoolVarP(&a.execute, "execute", "x", false, "run the command after confirmation")
	f.BoolVar(&a.dryRun, "dry-run", false, "only print the command")

	cmd.AddCommand(a.generateCmd(), a.configCmd(), a.replCmd())
	return cmd
}

// mode maps the mode flags to a gate mode. Empty defers to the config.
func (a *app) mode() (gate.Mode, error) {
	var modes []gate.Mode
	if a.copy {
		modes = append(modes, gate.CopyToClipboard)
	}
	if a.execute {
		modes = append(modes, gate.Execute)
	}
	if a.dryRun {
		modes = append(modes, gate.DryRun)
	}
	switch len(modes) {
	case 0:
		return "", nil
	case 1:
		return modes[0], nil
	}
	return "", fmt.Errorf("%w: --copy, --execute and --dry-run are mutually exclusive", ashcmd.ErrUsage)
}

func (a *app) options() session.Options {
	return session.Options{
		Backend:     a.backend,
		Model:       a.model,
		CPU:         a.cpu,
		Quantized:   a.quantized,
		Tracing:     a.tracing,
		Verbose:     a.verbose,
		Quiet:       a.quiet,
		ConfigPath:  a.configPath,
		Version:     Version,
		Stdout:      a.stdout,
		Stderr:      a.stderr,
		NewBackend:  a.newBackend,
		GateOptions: a.gateOpts,
	}
}
