package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Paranoid-AF/ashcmd/gate"
	"github.com/Paranoid-AF/ashcmd/repl"
	"github.com/Paranoid-AF/ashcmd/session"
)

// replResponseTTL keeps identical prompts in one REPL from hitting the model twice.
const replResponseTTL = 10 * time.Minute

func (a *app) replCmd() *cobra.Command {
	var transcript string
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Generate commands interactively",
		Long: `repl reads requests line by line from the terminal and prints the
command for each one. Nothing is copied or run.

  :cwd <dir>  change the directory used for context
  :quit       exit (also Ctrl-D)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			editor, err := repl.NewEditor()
			if err != nil {
				return err
			}
			defer editor.Close()

			opts := a.options()
			opts.Mode = gate.DryRun
			opts.ResponseTTL = replResponseTTL
			if a.stdout == os.Stdout {
				opts.Stdout = repl.TermWriter(os.Stdout)
			}
			if a.stderr == os.Stderr {
				opts.Stderr = repl.TermWriter(os.Stderr)
			}

			s, err := session.New(ctx, opts)
			if err != nil {
				return err
			}
			defer func() {
				if err := s.Close(context.WithoutCancel(ctx)); err != nil {
					slog.Warn("failed to write trace", "error", err)
				}
			}()

			ropts := repl.Options{Out: editor.Writer()}
			if ropts.Cwd, err = os.Getwd(); err != nil {
				return fmt.Errorf("get working directory: %w", err)
			}
			if transcript != "" {
				f, err := os.OpenFile(transcript, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return fmt.Errorf("open transcript: %w", err)
				}
				defer f.Close()
				ropts.Transcript = f
			}
			return repl.Run(ctx, editor, s, ropts)
		},
	}
	cmd.Flags().StringVar(&transcript, "transcript", "", "append every turn to this TOML file")
	return cmd
}
