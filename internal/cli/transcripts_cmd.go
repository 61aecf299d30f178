// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"

	"github.com/jeranaias/rigrun-explain/internal/export"
	"github.com/jeranaias/rigrun-explain/internal/storage"
	"github.com/spf13/cobra"
)

func newTranscriptsCommand(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "transcripts",
		Aliases: []string{"history"},
		Short:   "Manage saved conversations",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List conversations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openTranscriptsFor(global)
			if err != nil {
				return err
			}
			defer db.Close()

			sessions, err := db.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, DimStyle.Render("No conversations saved yet."))
				return nil
			}
			for _, s := range sessions {
				fmt.Fprintf(out, "%s  %s  %3d  %s\n",
					s.ID,
					s.UpdatedAt.Local().Format("2006-01-02 15:04"),
					s.TurnCount,
					s.Preview)
			}
			return nil
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum conversations to show (0 for all)")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openTranscriptsFor(global)
			if err != nil {
				return err
			}
			defer db.Close()

			t, err := db.Load(cmd.Context(), args[0])
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("conversation %s not found", args[0])
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, TitleStyle.Render(t.ID))
			fmt.Fprintln(out, RenderLabel("页面"), t.URL)
			fmt.Fprintln(out, RenderLabel("时间"), t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			for _, turn := range t.Turns {
				fmt.Fprintln(out, RenderSeparator())
				fmt.Fprintln(out, PromptStyle.Render(turn.Role))
				fmt.Fprintln(out, turn.Content)
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openTranscriptsFor(global)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Delete(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("conversation %s not found", args[0])
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("✓ 已删除"), args[0])
			return nil
		},
	}

	var format, outDir string
	var withSystem bool
	exp := &cobra.Command{
		Use:   "export <id>",
		Short: "Write a conversation to Markdown, JSON or HTML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exporter, err := export.ForFormat(format, &export.Options{
				IncludeMetadata: true,
				IncludeSystem:   withSystem,
			})
			if err != nil {
				return err
			}
			db, err := openTranscriptsFor(global)
			if err != nil {
				return err
			}
			defer db.Close()

			t, err := db.Load(cmd.Context(), args[0])
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("conversation %s not found", args[0])
			}
			if err != nil {
				return err
			}
			path, err := export.ToFile(t, exporter, outDir)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	exp.Flags().StringVarP(&format, "format", "f", "md", "output format: md, json or html")
	exp.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	exp.Flags().BoolVar(&withSystem, "system", false, "include the system prompt")

	cmd.AddCommand(list, show, del, exp)
	return cmd
}

func openTranscriptsFor(global *globalOptions) (*storage.Store, error) {
	store, err := loadConfig(global)
	if err != nil {
		return nil, err
	}
	return openTranscripts(store)
}
