// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jeranaias/rigrun-explain/internal/util"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// PreviewWidth is the display width of a session preview.
const PreviewWidth = 60

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("transcript not found")

	// ErrInvalidTurn is returned for turns without a session or role.
	ErrInvalidTurn = errors.New("turn requires a session id and role")
)

// =============================================================================
// TYPES
// =============================================================================

// TurnRecord is one turn to append.
type TurnRecord struct {
	SessionID string
	TabID     string
	URL       string
	Role      string
	Content   string
}

// Turn is a persisted turn.
type Turn struct {
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionMeta describes a session for listing.
type SessionMeta struct {
	ID        string    `json:"id"`
	TabID     string    `json:"tab_id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	TurnCount int       `json:"turn_count"`
	Preview   string    `json:"preview"` // First user turn, one line
}

// Transcript is a session with all of its turns in order.
type Transcript struct {
	SessionMeta
	Turns []Turn `json:"turns"`
}

// =============================================================================
// STORE
// =============================================================================

// Store is the sqlite-backed transcript store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the transcript database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(InitMetadata); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveTurn appends a turn, creating the session on first use.
func (s *Store) SaveTurn(ctx context.Context, rec TurnRecord) error {
	if rec.SessionID == "" || rec.Role == "" {
		return ErrInvalidTurn
	}
	now := s.now().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, tab_id, url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		rec.SessionID, rec.TabID, rec.URL, now, now)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (session_id, seq, role, content, created_at)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ? FROM turns WHERE session_id = ?`,
		rec.SessionID, rec.Role, rec.Content, now, rec.SessionID)
	if err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}

	return tx.Commit()
}

// Load returns the transcript of one session.
func (s *Store) Load(ctx context.Context, id string) (*Transcript, error) {
	t := &Transcript{}
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tab_id, url, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&t.ID, &t.TabID, &t.URL, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	t.CreatedAt = time.Unix(0, created)
	t.UpdatedAt = time.Unix(0, updated)

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, role, content, created_at FROM turns WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var turn Turn
		var at int64
		if err := rows.Scan(&turn.Seq, &turn.Role, &turn.Content, &at); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turn.CreatedAt = time.Unix(0, at)
		t.Turns = append(t.Turns, turn)
		if t.Preview == "" && turn.Role == "user" {
			t.Preview = preview(turn.Content)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	t.TurnCount = len(t.Turns)
	return t, nil
}

// List returns up to limit sessions, most recently updated first. A limit of
// zero or less returns every session.
func (s *Store) List(ctx context.Context, limit int) ([]SessionMeta, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.tab_id, s.url, s.created_at, s.updated_at,
		       (SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id),
		       COALESCE((SELECT t.content FROM turns t
		                 WHERE t.session_id = s.id AND t.role = 'user'
		                 ORDER BY t.seq LIMIT 1), '')
		FROM sessions s
		ORDER BY s.updated_at DESC, s.id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var metas []SessionMeta
	for rows.Next() {
		var m SessionMeta
		var created, updated int64
		var first string
		if err := rows.Scan(&m.ID, &m.TabID, &m.URL, &created, &updated, &m.TurnCount, &first); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		m.CreatedAt = time.Unix(0, created)
		m.UpdatedAt = time.Unix(0, updated)
		m.Preview = preview(first)
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// Delete removes a session and its turns.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func preview(content string) string {
	return util.TruncateWidth(util.SingleLine(content), PreviewWidth)
}
