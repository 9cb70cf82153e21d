package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Paranoid-AF/ashcmd"
	"github.com/Paranoid-AF/ashcmd/session"
)

func (a *app) generateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate <prompt...>",
		Short: "Continue a prompt with the local model",
		Long: `generate sends the prompt to the local model without the one-liner
system prompt and prints the prompt followed by the model's continuation.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			if strings.TrimSpace(prompt) == "" {
				return fmt.Errorf("%w: a prompt is required", ashcmd.ErrUsage)
			}
			opts := a.options()
			opts.Prompt = prompt
			opts.Raw = true
			return session.Run(cmd.Context(), opts)
		},
	}
}
