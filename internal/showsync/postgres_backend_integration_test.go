package showsync

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationSnapshotRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresSnapshotBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres snapshot backend: %v", err)
	}
	backend.snapshotTable = postgresIntegrationTableName("showsync_snap_it")
	backend.changeTable = postgresIntegrationTableName("showsync_chg_it")
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, backend.snapshotTable)
		postgresIntegrationDropTable(t, dsn, backend.changeTable)
	})

	missing, err := backend.LoadProject("prj_pg")
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", missing)
	}

	project := testProject("prj_pg", 3)
	if err := backend.SaveProject(project); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := backend.LoadProject("prj_pg")
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || loaded.Version != 3 {
		t.Fatalf("unexpected snapshot: %+v", loaded)
	}

	loaded.Version = 8
	if err := backend.SaveProject(loaded); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	reloaded, err := backend.LoadProject("prj_pg")
	if err != nil || reloaded == nil || reloaded.Version != 8 {
		t.Fatalf("expected version 8 after upsert, got %+v / %v", reloaded, err)
	}
}

func TestPostgresIntegrationAppendChanges(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresSnapshotBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres snapshot backend: %v", err)
	}
	backend.snapshotTable = postgresIntegrationTableName("showsync_snap_it")
	backend.changeTable = postgresIntegrationTableName("showsync_chg_it")
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, backend.snapshotTable)
		postgresIntegrationDropTable(t, dsn, backend.changeTable)
	})

	records := []ChangeRecord{
		{ID: "rec_pg_1", ProjectID: "prj_pg", Timestamp: time.Now().UTC(), Action: ActionCreate, EntityType: "sources", EntityID: "src_1"},
		{ID: "rec_pg_2", ProjectID: "prj_pg", Timestamp: time.Now().UTC(), Action: ActionUpdate, EntityType: "production"},
	}
	if err := backend.AppendChanges("prj_pg", records); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// a duplicate record id rolls back the whole batch
	if err := backend.AppendChanges("prj_pg", records[:1]); err == nil {
		t.Fatalf("expected primary key violation on duplicate record id")
	}

	var count int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE project_id = $1", quoteIdentifier(backend.changeTable))
	if err := backend.db.QueryRow(query, "prj_pg").Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 change records, got %d", count)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("SHOWSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set SHOWSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
