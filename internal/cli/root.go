// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

// NewRootCommand builds the command tree. Running the root with arguments
// behaves like explain.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}
	explain := newExplainCommand(opts)

	root := &cobra.Command{
		Use:   "rigrun-explain [text]",
		Short: "Explain selected text with an OpenAI-compatible model",
		Long: TitleStyle.Render("rigrun-explain") + `

Opens a page, runs the explain sidebar on a selection and prints the
streamed answer. Follow-up questions continue the same conversation.

` + DimStyle.Render("Use 'rigrun-explain [command] --help' for more information."),
		Version:       Version,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          explain.RunE,
	}
	root.Flags().AddFlagSet(explain.Flags())

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.rigrun-explain/config.toml)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "show info logs on stderr")

	root.AddCommand(
		explain,
		newConfigCommand(opts),
		newTestCommand(opts),
		newTranscriptsCommand(opts),
	)
	return root
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ErrorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}
