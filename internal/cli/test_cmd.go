// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/rigrun-explain/internal/background"
	"github.com/jeranaias/rigrun-explain/internal/cloud"
	"github.com/spf13/cobra"
)

func newTestCommand(global *globalOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Check the configured API endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := loadConfig(global)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			cfg := store.Get()
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, RenderLabel("接口地址"), cfg.API.URL)
			fmt.Fprintln(out, RenderLabel("模型"), cfg.API.Model)

			reply, err := background.TestConnection(ctx, cfg, nil)
			if err != nil {
				var apiErr *cloud.APIError
				if errors.As(err, &apiErr) {
					return fmt.Errorf("连接失败 (%d): %w", apiErr.Status, err)
				}
				return fmt.Errorf("连接失败: %w", err)
			}
			fmt.Fprintln(out, SuccessStyle.Render("✓ 连接成功"))
			fmt.Fprintln(out, RenderLabel("回复"), reply)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	return cmd
}
