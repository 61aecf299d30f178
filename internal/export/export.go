// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jeranaias/rigrun-explain/internal/storage"
	"github.com/jeranaias/rigrun-explain/internal/util"
)

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Exporter converts a transcript to one output format.
type Exporter interface {
	Export(t *storage.Transcript) ([]byte, error)

	// FileExtension includes the leading dot.
	FileExtension() string
}

// Options configures exporters.
type Options struct {
	// IncludeMetadata adds the front matter and session information.
	IncludeMetadata bool

	// IncludeSystem keeps system turns, which are otherwise skipped.
	IncludeSystem bool
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() *Options {
	return &Options{IncludeMetadata: true}
}

var (
	// ErrEmptyTranscript is returned for transcripts without turns.
	ErrEmptyTranscript = errors.New("transcript has no turns")

	// ErrUnknownFormat is returned by ForFormat.
	ErrUnknownFormat = errors.New("unknown export format")
)

// Formats lists the names accepted by ForFormat.
var Formats = []string{"md", "json", "html"}

// ForFormat returns the exporter for name ("md", "markdown", "json", "html").
func ForFormat(name string, opts *Options) (Exporter, error) {
	switch strings.ToLower(name) {
	case "md", "markdown":
		return NewMarkdownExporter(opts), nil
	case "json":
		return NewJSONExporter(), nil
	case "html":
		return NewHTMLExporter(opts), nil
	}
	return nil, fmt.Errorf("%w: %q (want one of %s)", ErrUnknownFormat, name, strings.Join(Formats, ", "))
}

// ToFile exports t into dir and returns the written path.
// RELIABILITY: written atomically so a crash never leaves half a file.
func ToFile(t *storage.Transcript, exp Exporter, dir string) (string, error) {
	data, err := exp.Export(t)
	if err != nil {
		return "", fmt.Errorf("export failed: %w", err)
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(dir, FileName(t, exp))
	if err := util.AtomicWriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// FileName builds "explain_<preview>_<time><ext>" for t.
func FileName(t *storage.Transcript, exp Exporter) string {
	return fmt.Sprintf("explain_%s_%s%s",
		sanitizeFilename(t.Preview),
		t.CreatedAt.Format("20060102_150405"),
		exp.FileExtension())
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

var filenameReplacer = strings.NewReplacer(
	"/", "-", "\\", "-", ":", "-", "*", "-", "?", "-",
	"\"", "-", "<", "-", ">", "-", "|", "-",
	" ", "_", "\t", "_", "\n", "_", "\r", "_",
)

// sanitizeFilename keeps at most 40 runes of s that are safe on Windows and
// Unix.
func sanitizeFilename(s string) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) > 40 {
		runes = runes[:40]
	}
	s = filenameReplacer.Replace(string(runes))
	s = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return '-'
		}
		return r
	}, s)
	if s == "" {
		return "transcript"
	}
	return s
}

// visibleTurns returns the turns an export shows.
func visibleTurns(t *storage.Transcript, opts *Options) []storage.Turn {
	out := make([]storage.Turn, 0, len(t.Turns))
	for _, turn := range t.Turns {
		if turn.Role == "system" && !opts.IncludeSystem {
			continue
		}
		out = append(out, turn)
	}
	return out
}

func roleLabel(role string) string {
	switch role {
	case "user":
		return "你"
	case "assistant":
		return "AI"
	case "system":
		return "系统"
	case "":
		return "Unknown"
	}
	return role
}

func validate(t *storage.Transcript) error {
	if t == nil {
		return errors.New("transcript is nil")
	}
	if len(t.Turns) == 0 {
		return ErrEmptyTranscript
	}
	return nil
}
