// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-explain/internal/handshake"
	"github.com/jeranaias/rigrun-explain/internal/markdown"
	"github.com/jeranaias/rigrun-explain/internal/session"
	"github.com/jeranaias/rigrun-explain/internal/util"
	"github.com/spf13/cobra"
)

// DefaultPageURL is the page the selection is taken from when --url is unset.
const DefaultPageURL = "https://example.com/"

// ErrNoSelection is returned when neither arguments nor stdin carry text.
var ErrNoSelection = errors.New("no text to explain: pass it as arguments or on stdin")

type explainOptions struct {
	url        string
	prompt     string
	htmlOut    string
	noFollowUp bool
	timeout    time.Duration
}

func newExplainCommand(global *globalOptions) *cobra.Command {
	opts := &explainOptions{}
	cmd := &cobra.Command{
		Use:   "explain [text]",
		Short: "Explain a selection",
		Long: `Explain a selection as if it were highlighted on --url.

The text is read from the arguments, or from stdin when no arguments are
given. On a terminal the answer is rendered as markdown and a follow-up
prompt stays open until /exit or Ctrl-D.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := selectionText(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			return runExplain(cmd.Context(), cmd, global, opts, text)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", DefaultPageURL, "page the selection comes from")
	cmd.Flags().StringVar(&opts.prompt, "prompt", "", "prompt used when selections need confirmation")
	cmd.Flags().StringVar(&opts.htmlOut, "html-out", "", "write the final sidebar HTML to this file")
	cmd.Flags().BoolVar(&opts.noFollowUp, "no-follow-up", false, "exit after the first answer")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 3*time.Minute, "maximum wait for each answer")
	return cmd
}

// selectionText joins args, or reads all of stdin when there are none.
func selectionText(stdin io.Reader, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", ErrNoSelection
	}
	return string(data), nil
}

func runExplain(ctx context.Context, cmd *cobra.Command, global *globalOptions, opts *explainOptions, text string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := newApp(ctx, global)
	if err != nil {
		return err
	}
	defer a.Close()
	a.watchConfig(ctx)

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	tabID := a.host.OpenTab(opts.url)
	if err := a.host.Trigger(ctx, tabID, text); err != nil {
		if errors.Is(err, handshake.ErrRestricted) {
			return errors.New(handshake.RestrictedMessage)
		}
		return err
	}

	sb := a.host.Sidebar(tabID)
	if sb == nil {
		return fmt.Errorf("sidebar for tab %s did not load", tabID)
	}
	// The open notification travels over the bus; the first event is the
	// answer, or a pending selection when confirmation is on.
	if err := waitForPending(ctx, a, sb, opts); err != nil {
		return err
	}

	ev, err := a.awaitAnswer(ctx, tabID, opts.timeout, errOut)
	if err != nil {
		return err
	}
	if err := printEvent(out, ev); err != nil {
		return err
	}

	if !opts.noFollowUp && IsTTY() && isTerminalWriter(out) {
		if err := followUp(ctx, a, sb, tabID, opts.timeout, out); err != nil {
			return err
		}
	}

	if opts.htmlOut != "" {
		html, err := sb.HTML()
		if err != nil {
			return fmt.Errorf("failed to serialize sidebar: %w", err)
		}
		if err := util.AtomicWriteFile(opts.htmlOut, []byte(html), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", opts.htmlOut, err)
		}
		a.logger.Info("sidebar written")
	}
	return nil
}

// waitForPending confirms a held selection once the sidebar has it.
func waitForPending(ctx context.Context, a *app, sb *session.Sidebar, opts *explainOptions) error {
	if !a.store.Get().Features.ConfirmSelection {
		return nil
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(opts.timeout)
	for {
		if _, ok := sb.Pending(); ok {
			return sb.ConfirmSelection(ctx, opts.prompt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return errors.New("selection was not delivered to the sidebar")
		case <-ticker.C:
		}
	}
}

// waitEvent blocks until tabID reports an answer or an error.
func (a *app) waitEvent(ctx context.Context, tabID string, timeout time.Duration) (session.Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case te := <-a.events:
			if te.tabID == tabID {
				return te.ev, nil
			}
		case <-timer.C:
			return session.Event{}, fmt.Errorf("no answer within %s", timeout)
		case <-ctx.Done():
			return session.Event{}, ctx.Err()
		}
	}
}

// drainEvents discards queued events.
func (a *app) drainEvents() {
	for {
		select {
		case <-a.events:
		default:
			return
		}
	}
}

// printEvent writes an answer, or returns the sidebar's error text.
func printEvent(w io.Writer, ev session.Event) error {
	if ev.Kind == session.EventError {
		return errors.New(ev.Error)
	}
	if isTerminalWriter(w) {
		fmt.Fprint(w, markdown.RenderTerminal(ev.Content, TerminalWidth()))
		return nil
	}
	_, err := fmt.Fprintln(w, ev.Content)
	return err
}
