// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the SQLite-backed journal, context, and prompt
// persistence layer described in spec.md §4.2. All mutations are
// expected to originate from the pipeline engine's single event-loop
// thread (§5); the store itself does not serialize callers beyond what
// the underlying connection pool already does.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/thrall-guard/thrall/lib/sqlitepool"
	"github.com/thrall-guard/thrall/lib/template"
)

// Store wraps a sqlitepool.Pool with Thrall's table schema and query
// surface.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open creates (or reuses) the SQLite database at path, creating the
// schema on first connect.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// AppendJournal inserts one journal row. Journal rows are append-only:
// callers never update a row once written (§3 invariant).
func (s *Store) AppendJournal(ctx context.Context, row JournalRow) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO thrall_journal
			(id, ts, pipeline, session_id, sender_prefix, envelope_json,
			 filter_json, eval_type, eval_result_json, action_name,
			 action_trace_json, wall_ms, mode, reviewed, correction_json, ttl_expires)
		VALUES
			(:id, :ts, :pipeline, :session_id, :sender_prefix, :envelope_json,
			 :filter_json, :eval_type, :eval_result_json, :action_name,
			 :action_trace_json, :wall_ms, :mode, :reviewed, :correction_json, :ttl_expires)
	`, &sqlitex.ExecOptions{
		Named: map[string]any{
			":id":                row.ID,
			":ts":                row.TS.UnixMilli(),
			":pipeline":          row.Pipeline,
			":session_id":        row.SessionID,
			":sender_prefix":     row.SenderPrefix,
			":envelope_json":     row.EnvelopeJSON,
			":filter_json":       row.FilterJSON,
			":eval_type":         string(row.EvalType),
			":eval_result_json":  row.EvalResultJSON,
			":action_name":       row.ActionName,
			":action_trace_json": row.ActionTraceJSON,
			":wall_ms":           row.WallMS,
			":mode":              string(row.Mode),
			":reviewed":          row.Reviewed,
			":correction_json":   row.CorrectionJSON,
			":ttl_expires":       row.TTLExpires.Unix(),
		},
	})
	if err != nil {
		return fmt.Errorf("store: append journal: %w", err)
	}
	return nil
}

// LastEvalResult implements the "journal.last(pipeline='X').eval_result"
// template lookup (§4.4): the most recent eval_result_json for a named
// pipeline.
func (s *Store) LastEvalResult(ctx context.Context, pipeline string) (string, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", false, err
	}
	defer s.pool.Put(conn)

	var result string
	found := false
	err = sqlitex.Execute(conn, `
		SELECT eval_result_json FROM thrall_journal
		WHERE pipeline = :pipeline
		ORDER BY ts DESC LIMIT 1
	`, &sqlitex.ExecOptions{
		Named: map[string]any{":pipeline": pipeline},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			result = stmt.GetText("eval_result_json")
			found = true
			return nil
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("store: last eval result: %w", err)
	}
	return result, found, nil
}

// CountRecentDrops counts journal rows for senderPrefix with
// action_name = "drop" since the given time, across all pipelines, for
// the knock-pattern detector (§4.8).
func (s *Store) CountRecentDrops(ctx context.Context, senderPrefix string, since time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	count := 0
	err = sqlitex.Execute(conn, `
		SELECT COUNT(*) AS n FROM thrall_journal
		WHERE sender_prefix = :prefix AND action_name = 'drop' AND ts >= :since
	`, &sqlitex.ExecOptions{
		Named: map[string]any{
			":prefix": senderPrefix,
			":since":  since.UnixMilli(),
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = int(stmt.GetInt64("n"))
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("store: count recent drops: %w", err)
	}
	return count, nil
}

// PruneJournal deletes journal rows whose ttl_expires has passed.
func (s *Store) PruneJournal(ctx context.Context, now time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM thrall_journal WHERE ttl_expires < :now`, &sqlitex.ExecOptions{
		Named: map[string]any{":now": now.Unix()},
	})
	if err != nil {
		return 0, fmt.Errorf("store: prune journal: %w", err)
	}
	return conn.Changes(), nil
}

// SetContext upserts one (session_id, key) value. A zero expiresAt
// means the row never expires.
func (s *Store) SetContext(ctx context.Context, sessionID, key, value string, expiresAt time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	var expiresUnix int64
	if !expiresAt.IsZero() {
		expiresUnix = expiresAt.Unix()
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO thrall_context (session_id, key, value, created_at, expires_at)
		VALUES (:session_id, :key, :value, :created_at, :expires_at)
		ON CONFLICT(session_id, key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, &sqlitex.ExecOptions{
		Named: map[string]any{
			":session_id": sessionID,
			":key":        key,
			":value":      value,
			":created_at": time.Now().Unix(),
			":expires_at": expiresUnix,
		},
	})
	if err != nil {
		return fmt.Errorf("store: set context: %w", err)
	}
	return nil
}

// GetContextValue fetches one (session_id, key) value. ok is false if
// the row is absent or has expired.
func (s *Store) GetContextValue(ctx context.Context, sessionID, key string) (value string, ok bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", false, err
	}
	defer s.pool.Put(conn)

	now := time.Now().Unix()
	err = sqlitex.Execute(conn, `
		SELECT value FROM thrall_context
		WHERE session_id = :session_id AND key = :key
			AND (expires_at = 0 OR expires_at > :now)
	`, &sqlitex.ExecOptions{
		Named: map[string]any{
			":session_id": sessionID,
			":key":        key,
			":now":        now,
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.GetText("value")
			ok = true
			return nil
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("store: get context: %w", err)
	}
	return value, ok, nil
}

// GetContext returns every non-expired row for a session, for the
// "{{context.*}}" template namespace (§4.4).
func (s *Store) GetContext(ctx context.Context, sessionID string) (map[string]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	result := make(map[string]string)
	err = sqlitex.Execute(conn, `
		SELECT key, value FROM thrall_context
		WHERE session_id = :session_id AND (expires_at = 0 OR expires_at > :now)
	`, &sqlitex.ExecOptions{
		Named: map[string]any{
			":session_id": sessionID,
			":now":        time.Now().Unix(),
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			result[stmt.GetText("key")] = stmt.GetText("value")
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: get context: %w", err)
	}
	return result, nil
}

// ClearContext deletes one (session_id, key) row, or every row for the
// session if key is empty.
func (s *Store) ClearContext(ctx context.Context, sessionID, key string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	query := `DELETE FROM thrall_context WHERE session_id = :session_id`
	args := map[string]any{":session_id": sessionID}
	if key != "" {
		query += ` AND key = :key`
		args[":key"] = key
	}

	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Named: args}); err != nil {
		return fmt.Errorf("store: clear context: %w", err)
	}
	return nil
}

// PruneContext deletes context rows whose expires_at has passed.
func (s *Store) PruneContext(ctx context.Context, now time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		DELETE FROM thrall_context WHERE expires_at != 0 AND expires_at < :now
	`, &sqlitex.ExecOptions{
		Named: map[string]any{":now": now.Unix()},
	})
	if err != nil {
		return 0, fmt.Errorf("store: prune context: %w", err)
	}
	return conn.Changes(), nil
}

// UpsertPrompt writes p as the single row for p.Name, replacing any
// earlier version of that prompt; the row's active flag is p.Active.
func (s *Store) UpsertPrompt(ctx context.Context, p Prompt) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	active := 0
	if p.Active {
		active = 1
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO thrall_prompts (name, version, content, model_ref, hash, active, pushed_by, updated_at)
		VALUES (:name, :version, :content, :model_ref, :hash, :active, :pushed_by, :updated_at)
		ON CONFLICT(name) DO UPDATE SET
			version = excluded.version,
			content = excluded.content,
			model_ref = excluded.model_ref,
			hash = excluded.hash,
			active = excluded.active,
			pushed_by = excluded.pushed_by,
			updated_at = excluded.updated_at
	`, &sqlitex.ExecOptions{
		Named: map[string]any{
			":name":       p.Name,
			":version":    p.Version,
			":content":    p.Content,
			":model_ref":  p.ModelRef,
			":hash":       p.Hash,
			":active":     active,
			":pushed_by":  p.PushedBy,
			":updated_at": p.UpdatedAt.Unix(),
		},
	})
	if err != nil {
		return fmt.Errorf("store: upsert prompt: %w", err)
	}
	return nil
}

// GetPrompt fetches a prompt by name. ok is false if no such prompt
// exists.
func (s *Store) GetPrompt(ctx context.Context, name string) (p Prompt, ok bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Prompt{}, false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		SELECT name, version, content, model_ref, hash, active, pushed_by, updated_at
		FROM thrall_prompts WHERE name = :name
	`, &sqlitex.ExecOptions{
		Named: map[string]any{":name": name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p = Prompt{
				Name:      stmt.GetText("name"),
				Version:   int(stmt.GetInt64("version")),
				Content:   stmt.GetText("content"),
				ModelRef:  stmt.GetText("model_ref"),
				Hash:      stmt.GetText("hash"),
				Active:    stmt.GetInt64("active") != 0,
				PushedBy:  stmt.GetText("pushed_by"),
				UpdatedAt: time.Unix(stmt.GetInt64("updated_at"), 0),
			}
			ok = true
			return nil
		},
	})
	if err != nil {
		return Prompt{}, false, fmt.Errorf("store: get prompt: %w", err)
	}
	return p, ok, nil
}

// ListPrompts returns every stored prompt, active or not.
func (s *Store) ListPrompts(ctx context.Context) ([]Prompt, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var prompts []Prompt
	err = sqlitex.Execute(conn, `
		SELECT name, version, content, model_ref, hash, active, pushed_by, updated_at
		FROM thrall_prompts ORDER BY name
	`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			prompts = append(prompts, Prompt{
				Name:      stmt.GetText("name"),
				Version:   int(stmt.GetInt64("version")),
				Content:   stmt.GetText("content"),
				ModelRef:  stmt.GetText("model_ref"),
				Hash:      stmt.GetText("hash"),
				Active:    stmt.GetInt64("active") != 0,
				PushedBy:  stmt.GetText("pushed_by"),
				UpdatedAt: time.Unix(stmt.GetInt64("updated_at"), 0),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list prompts: %w", err)
	}
	return prompts, nil
}

func scanJournalRow(stmt *sqlite.Stmt) JournalRow {
	return JournalRow{
		ID:              stmt.GetText("id"),
		TS:              time.UnixMilli(stmt.GetInt64("ts")),
		Pipeline:        stmt.GetText("pipeline"),
		SessionID:       stmt.GetText("session_id"),
		SenderPrefix:    stmt.GetText("sender_prefix"),
		EnvelopeJSON:    stmt.GetText("envelope_json"),
		FilterJSON:      stmt.GetText("filter_json"),
		EvalType:        EvalType(stmt.GetText("eval_type")),
		EvalResultJSON:  stmt.GetText("eval_result_json"),
		ActionName:      stmt.GetText("action_name"),
		ActionTraceJSON: stmt.GetText("action_trace_json"),
		WallMS:          stmt.GetInt64("wall_ms"),
		Mode:            Mode(stmt.GetText("mode")),
		Reviewed:        int(stmt.GetInt64("reviewed")),
		CorrectionJSON:  stmt.GetText("correction_json"),
		TTLExpires:      time.Unix(stmt.GetInt64("ttl_expires"), 0),
	}
}

const journalColumns = `id, ts, pipeline, session_id, sender_prefix, envelope_json,
			filter_json, eval_type, eval_result_json, action_name,
			action_trace_json, wall_ms, mode, reviewed, correction_json, ttl_expires`

// GetJournalRow looks up a single journal row by id, for the replay
// admin operation (§4.9 "replay pulls the envelope from a journal
// row").
func (s *Store) GetJournalRow(ctx context.Context, id string) (row JournalRow, ok bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return JournalRow{}, false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `SELECT `+journalColumns+` FROM thrall_journal WHERE id = :id`, &sqlitex.ExecOptions{
		Named: map[string]any{":id": id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			row = scanJournalRow(stmt)
			ok = true
			return nil
		},
	})
	if err != nil {
		return JournalRow{}, false, fmt.Errorf("store: get journal row: %w", err)
	}
	return row, ok, nil
}

// RecentJournalRows returns the most recent rows for pipeline, newest
// first, bounded by limit, for the admin review listing (§4.9).
func (s *Store) RecentJournalRows(ctx context.Context, pipeline string, limit int) ([]JournalRow, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var rows []JournalRow
	err = sqlitex.Execute(conn, `
		SELECT `+journalColumns+` FROM thrall_journal
		WHERE pipeline = :pipeline
		ORDER BY ts DESC, rowid DESC LIMIT :limit
	`, &sqlitex.ExecOptions{
		Named: map[string]any{":pipeline": pipeline, ":limit": limit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rows = append(rows, scanJournalRow(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: recent journal rows: %w", err)
	}
	return rows, nil
}

// journalKeyPattern matches the one key form the "journal" template
// namespace supports: last(pipeline='X').eval_result (§4.4).
var journalKeyPattern = regexp.MustCompile(`^last\(pipeline='([^']*)'\)\.eval_result$`)

// journalSource adapts Store to template.Source for the "journal"
// namespace, which — unlike every other namespace — is a live
// SQL-backed lookup rather than a pre-built map (§4.4).
type journalSource struct {
	ctx   context.Context
	store *Store
}

func (s journalSource) Lookup(key string) (string, bool) {
	m := journalKeyPattern.FindStringSubmatch(key)
	if m == nil {
		return "", false
	}
	result, found, err := s.store.LastEvalResult(s.ctx, m[1])
	if err != nil || !found {
		return "", false
	}
	return result, true
}

// JournalSource returns a template.Source exposing the "journal"
// namespace's read-only journal.last(pipeline='X').eval_result lookup.
func (s *Store) JournalSource(ctx context.Context) template.Source {
	return journalSource{ctx: ctx, store: s}
}
