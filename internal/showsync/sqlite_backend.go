package showsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteOperationTimeout = 5 * time.Second

// SQLiteSnapshotBackend is the zero-daemon local store: snapshots and change
// records in a single database file.
type SQLiteSnapshotBackend struct {
	path   string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteSnapshotBackend(path string) (*SQLiteSnapshotBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteSnapshotBackend{
		path:   path,
		openDB: sql.Open,
	}, nil
}

func (b *SQLiteSnapshotBackend) LoadProject(id string) (*Project, error) {
	if b == nil || id == "" {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	var payload string
	err := b.db.QueryRowContext(ctx, "SELECT snapshot FROM snapshots WHERE project_id = ?", id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot Project
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *SQLiteSnapshotBackend) SaveProject(project *Project) error {
	if b == nil || project == nil || project.ID == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(project)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO snapshots (project_id, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (project_id)
		DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		project.ID, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (b *SQLiteSnapshotBackend) AppendChanges(projectID string, records []ChangeRecord) error {
	if b == nil || projectID == "" {
		return ErrInvalidInput
	}
	if len(records) == 0 {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, record := range records {
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO changes (record_id, project_id, record, created_at) VALUES (?, ?, ?, ?)",
			record.ID, projectID, string(payload), record.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *SQLiteSnapshotBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteSnapshotBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("sqlite", b.path)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()

		statements := []string{
			`CREATE TABLE IF NOT EXISTS snapshots (
				project_id TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS changes (
				record_id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL,
				record TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS changes_project_idx ON changes (project_id, created_at)`,
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}
