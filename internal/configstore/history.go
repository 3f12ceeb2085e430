package configstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jvbridge/camctl/internal/model"
)

// History is an append-only ledger of field-level device config edits,
// kept separate from the YAML document itself so the UI can answer "what
// changed and when" without re-diffing the whole document on every poll.
// Migration and connection setup follow the teacher's storage.Repository.
type History struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenHistory opens (creating if absent) the sqlite ledger at dbPath.
func OpenHistory(ctx context.Context, dbPath string, logger *slog.Logger) (*History, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("configstore: open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	h := &History{db: db, logger: logger}
	if err := h.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return h, nil
}

func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

func (h *History) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS edit_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			field TEXT NOT NULL,
			old_value TEXT NOT NULL,
			new_value TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_edit_history_device ON edit_history(device_id);`,
	}
	for _, stmt := range statements {
		if _, err := h.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("configstore: migrate history db: %w", err)
		}
	}
	return nil
}

// Append records one field edit.
func (h *History) Append(ctx context.Context, rec model.EditRecord) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO edit_history (device_id, field, old_value, new_value, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(rec.DeviceId), rec.Field, rec.OldValue, rec.NewValue, rec.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("configstore: append edit history: %w", err)
	}
	return nil
}

// Recent returns the most recent edits for a device, newest first.
func (h *History) Recent(ctx context.Context, id model.DeviceId, limit int) ([]model.EditRecord, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT field, old_value, new_value, created_at FROM edit_history
		 WHERE device_id = ? ORDER BY id DESC LIMIT ?`,
		string(id), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("configstore: query edit history: %w", err)
	}
	defer rows.Close()

	var out []model.EditRecord
	for rows.Next() {
		var rec model.EditRecord
		var createdAt string
		if err := rows.Scan(&rec.Field, &rec.OldValue, &rec.NewValue, &createdAt); err != nil {
			return nil, fmt.Errorf("configstore: scan edit history row: %w", err)
		}
		rec.DeviceId = id
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			rec.Timestamp = ts
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
