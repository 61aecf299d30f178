// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strings"

	"github.com/jeranaias/rigrun-explain/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCommand(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change settings",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the configuration with the API key redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := loadConfig(global)
			if err != nil {
				return err
			}
			cfg := store.Get()
			fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print one setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := loadConfig(global)
			if err != nil {
				return err
			}
			cfg := store.Get()
			value, err := cfg.Get(args[0])
			if err != nil {
				return err
			}
			// SECURITY: keys are only shown as a fingerprint.
			if isSecretKey(args[0]) {
				value = redact(fmt.Sprint(value))
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one setting and save the file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := loadConfig(global)
			if err != nil {
				return err
			}
			if err := store.Update(func(c *config.Config) error {
				return c.Set(args[0], args[1])
			}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("✓ 设置已保存"), DimStyle.Render(store.Path()))
			return nil
		},
	}

	keys := &cobra.Command{
		Use:   "keys",
		Short: "List every settable key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(config.Keys(), "\n"))
			return nil
		},
	}

	path := &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := loadConfig(global)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), store.Path())
			return nil
		},
	}

	cmd.AddCommand(show, get, set, keys, path)
	return cmd
}

func isSecretKey(key string) bool {
	return key == "api.key" || key == "apiKey"
}

// redact keeps the last four characters of a secret.
func redact(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
