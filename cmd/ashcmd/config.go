package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Paranoid-AF/ashcmd"
	defaults "github.com/Paranoid-AF/ashcmd/default"
	"github.com/Paranoid-AF/ashcmd/session"
)

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and initialise configuration",
		Args:  cobra.NoArgs,
		PersistentPreRun: func(*cobra.Command, []string) {
			session.SetupLogging(a.stderr, session.LogLevel("error", a.verbose, a.quiet))
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "path",
			Short: "Print the user config file path",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				_, err := fmt.Fprintln(a.stdout, ashcmd.ConfigPath())
				return err
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				for _, src := range cfg.Sources {
					fmt.Fprintf(a.stdout, "# source: %s\n", src)
				}
				return cfg.WriteTOML(a.stdout)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check the configuration and report problems",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				for _, w := range cfg.Warnings {
					fmt.Fprintf(a.stdout, "warning: %s\n", w)
				}
				_, err = fmt.Fprintf(a.stdout, "ok (%d files, %d warnings)\n", len(cfg.Sources), len(cfg.Warnings))
				return err
			},
		},
		a.configInitCmd(),
		a.configPromptCmd(),
	)
	return cmd
}

func (a *app) configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			path := ashcmd.ConfigPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%w: %s already exists (use --force to overwrite)", ashcmd.ErrUsage, path)
			}
			if err := ashcmd.WriteDefaultConfig(path); err != nil {
				return &ashcmd.ConfigError{Path: path, Err: err}
			}
			_, err := fmt.Fprintf(a.stdout, "wrote %s\n", path)
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func (a *app) configPromptCmd() *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Print the system prompt template in use",
		Long: `prompt prints the custom template from the config directory, or the
built-in one when there is none. With --write the built-in template is
copied to the config directory for editing.`,
		Args: cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			path := ashcmd.PromptPath()
			if write {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%w: %s already exists", ashcmd.ErrUsage, path)
				}
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(path, []byte(defaults.DefaultPrompt), 0o644); err != nil {
					return err
				}
				_, err := fmt.Fprintf(a.stdout, "wrote %s\n", path)
				return err
			}

			data, err := os.ReadFile(path)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				_, err = fmt.Fprint(a.stdout, defaults.DefaultPrompt)
				return err
			case err != nil:
				return err
			}
			_, err = a.stdout.Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&write, "write", false, "copy the built-in template to the config directory")
	return cmd
}

func (a *app) loadConfig() (*ashcmd.Config, error) {
	return ashcmd.LoadConfig(ashcmd.LoadOptions{ProjectPath: a.configPath})
}
