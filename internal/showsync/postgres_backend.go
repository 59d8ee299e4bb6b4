package showsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresSnapshotTableName = "showsync_snapshots"
	postgresChangeTableName   = "showsync_changes"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresSnapshotBackend stores one snapshot row per project id and an
// append-only change-record table, both created on first use.
type PostgresSnapshotBackend struct {
	dsn           string
	snapshotTable string
	changeTable   string
	openDB        sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresSnapshotBackend(dsn string) (*PostgresSnapshotBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresSnapshotBackend{
		dsn:           dsn,
		snapshotTable: postgresSnapshotTableName,
		changeTable:   postgresChangeTableName,
		openDB:        sql.Open,
	}, nil
}

func (b *PostgresSnapshotBackend) LoadProject(id string) (*Project, error) {
	if b == nil || id == "" {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE project_id = $1", quoteIdentifier(b.snapshotTable))
	var payload string
	err := b.db.QueryRowContext(ctx, query, id).Scan(&payload)
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

func (b *PostgresSnapshotBackend) SaveProject(project *Project) error {
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
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (project_id, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (project_id)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, quoteIdentifier(b.snapshotTable))
	_, err = b.db.ExecContext(ctx, query, project.ID, string(payload))
	return err
}

func (b *PostgresSnapshotBackend) AppendChanges(projectID string, records []ChangeRecord) error {
	if b == nil || projectID == "" {
		return ErrInvalidInput
	}
	if len(records) == 0 {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
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

	query := fmt.Sprintf(
		"INSERT INTO %s (record_id, project_id, record, created_at) VALUES ($1, $2, $3, NOW())",
		quoteIdentifier(b.changeTable),
	)
	for _, record := range records {
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, record.ID, projectID, string(payload)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *PostgresSnapshotBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresSnapshotBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		snapshotQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				project_id TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(b.snapshotTable))
		if _, err := db.ExecContext(ctx, snapshotQuery); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		changeQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				record_id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL,
				record TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(b.changeTable))
		if _, err := db.ExecContext(ctx, changeQuery); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		indexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (project_id, created_at)",
			quoteIdentifier(b.changeTable+"_project_idx"),
			quoteIdentifier(b.changeTable),
		)
		if _, err := db.ExecContext(ctx, indexQuery); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
