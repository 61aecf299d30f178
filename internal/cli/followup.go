// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-explain/internal/config"
	"github.com/jeranaias/rigrun-explain/internal/session"
	"github.com/peterh/liner"
)

const historyFileName = "followup_history"

// =============================================================================
// LINE EDITING
// =============================================================================

// lineReader provides history and line editing for follow-up questions.
// USABILITY: arrow keys navigate previous questions.
type lineReader struct {
	line        *liner.State
	historyFile string
}

func newLineReader() *lineReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	r := &lineReader{line: line, historyFile: filepath.Join(dir, historyFileName)}
	if f, err := os.Open(r.historyFile); err == nil {
		_, _ = r.line.ReadHistory(f)
		f.Close()
	}
	return r
}

func (r *lineReader) read(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

// close saves history with owner-only permissions.
func (r *lineReader) close() {
	if err := os.MkdirAll(filepath.Dir(r.historyFile), 0700); err == nil {
		if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			_, _ = r.line.WriteHistory(f)
			f.Close()
		}
	}
	r.line.Close()
}

// =============================================================================
// FOLLOW-UP LOOP
// =============================================================================

// followUp sends each line typed by the user to the sidebar until /exit,
// Ctrl-C or EOF. Failed answers are printed and the loop continues.
func followUp(ctx context.Context, a *app, sb *session.Sidebar, tabID string, timeout time.Duration, out io.Writer) error {
	r := newLineReader()
	defer r.close()

	fmt.Fprintln(out, DimStyle.Render("追问（/exit 退出）"))
	for {
		input, err := r.read("> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		input = strings.TrimSpace(input)
		switch input {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}

		if err := sb.Send(ctx, input); err != nil {
			// A refused send has already reported its error event.
			a.drainEvents()
			fmt.Fprintln(out, ErrorStyle.Render(err.Error()))
			continue
		}
		ev, err := a.awaitAnswer(ctx, tabID, timeout, out)
		if err != nil {
			return err
		}
		if err := printEvent(out, ev); err != nil {
			fmt.Fprintln(out, ErrorStyle.Render(err.Error()))
		}
		fmt.Fprintln(out, RenderSeparator())
	}
}
