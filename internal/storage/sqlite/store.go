// Package sqlite is a SQLite-backed implementation of ContextStore for
// deployments that need dialog context to survive restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/talkline/dialog-core/internal/core/domain"
	"github.com/talkline/dialog-core/internal/core/ports"
)

// Store persists one DialogContext row per conversation.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ ports.ContextStore = (*Store)(nil)

// New opens (creating if needed) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS dialog_contexts (
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		context TEXT NOT NULL,
		processing_status TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		expires_at INTEGER,
		PRIMARY KEY (tenant_id, user_id)
	)`)
	return err
}

func (s *Store) Get(ctx context.Context, id domain.ConversationID) (*domain.DialogContext, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT context FROM dialog_contexts WHERE tenant_id = ? AND user_id = ?`,
		id.TenantID, id.UserID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, &domain.TransientStoreError{Op: "get", Err: err}
	}

	var dc domain.DialogContext
	if err := json.Unmarshal([]byte(raw), &dc); err != nil {
		return nil, fmt.Errorf("decode dialog context %s: %w", id, err)
	}
	if dc.Expired(s.now()) {
		// Expired rows are invisible; purge opportunistically.
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM dialog_contexts WHERE tenant_id = ? AND user_id = ?`,
			id.TenantID, id.UserID)
		return nil, domain.ErrNotFound
	}
	return &dc, nil
}

func (s *Store) Merge(ctx context.Context, id domain.ConversationID, update *domain.ContextUpdate) (*domain.DialogContext, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &domain.TransientStoreError{Op: "merge", Err: err}
	}
	defer tx.Rollback()

	now := s.now()
	dc := &domain.DialogContext{ID: id}

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT context FROM dialog_contexts WHERE tenant_id = ? AND user_id = ?`,
		id.TenantID, id.UserID,
	).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// New record.
	case err != nil:
		return nil, &domain.TransientStoreError{Op: "merge", Err: err}
	default:
		if err := json.Unmarshal([]byte(raw), dc); err != nil {
			return nil, fmt.Errorf("decode dialog context %s: %w", id, err)
		}
		if dc.Expired(now) {
			dc = &domain.DialogContext{ID: id}
		}
	}

	update.ApplyTo(dc, now)

	encoded, err := json.Marshal(dc)
	if err != nil {
		return nil, fmt.Errorf("encode dialog context %s: %w", id, err)
	}

	var expiresAt any
	if !dc.ExpiresAt.IsZero() {
		expiresAt = dc.ExpiresAt.UnixNano()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dialog_contexts (tenant_id, user_id, context, processing_status, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, user_id) DO UPDATE SET
			context = excluded.context,
			processing_status = excluded.processing_status,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		id.TenantID, id.UserID, string(encoded), string(dc.Processing.Status),
		now.UnixNano(), expiresAt,
	); err != nil {
		return nil, &domain.TransientStoreError{Op: "merge", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &domain.TransientStoreError{Op: "merge", Err: err}
	}
	return dc, nil
}

func (s *Store) Age(ctx context.Context, id domain.ConversationID) (time.Duration, error) {
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT updated_at FROM dialog_contexts WHERE tenant_id = ? AND user_id = ?`,
		id.TenantID, id.UserID,
	).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, &domain.TransientStoreError{Op: "age", Err: err}
	}
	return s.now().Sub(time.Unix(0, updatedAt)), nil
}

func (s *Store) Delete(ctx context.Context, id domain.ConversationID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dialog_contexts WHERE tenant_id = ? AND user_id = ?`,
		id.TenantID, id.UserID)
	if err != nil {
		return &domain.TransientStoreError{Op: "delete", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
