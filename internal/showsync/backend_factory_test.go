package showsync

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildSnapshotBackendFromDSN(t *testing.T) {
	dir := t.TempDir()

	t.Run("empty", func(t *testing.T) {
		backend, err := BuildSnapshotBackendFromDSN("   ")
		if err != nil || backend != nil {
			t.Fatalf("expected nil, nil, got %v / %v", backend, err)
		}
	})

	t.Run("memory", func(t *testing.T) {
		for _, dsn := range []string{"memory:", "mem:", "inmem:"} {
			backend, err := BuildSnapshotBackendFromDSN(dsn)
			if err != nil {
				t.Fatalf("%s: %v", dsn, err)
			}
			if _, ok := backend.(*InMemorySnapshotBackend); !ok {
				t.Fatalf("%s: got %T", dsn, backend)
			}
		}
	})

	t.Run("bare path is file", func(t *testing.T) {
		backend, err := BuildSnapshotBackendFromDSN(filepath.Join(dir, "projects"))
		if err != nil {
			t.Fatalf("bare path: %v", err)
		}
		if _, ok := backend.(*FileSnapshotBackend); !ok {
			t.Fatalf("bare path: got %T", backend)
		}
	})

	t.Run("file scheme", func(t *testing.T) {
		backend, err := BuildSnapshotBackendFromDSN("file:" + filepath.Join(dir, "projects2"))
		if err != nil {
			t.Fatalf("file dsn: %v", err)
		}
		if _, ok := backend.(*FileSnapshotBackend); !ok {
			t.Fatalf("file dsn: got %T", backend)
		}
	})

	t.Run("sqlite", func(t *testing.T) {
		backend, err := BuildSnapshotBackendFromDSN("sqlite:" + filepath.Join(dir, "showsync.db"))
		if err != nil {
			t.Fatalf("sqlite dsn: %v", err)
		}
		if _, ok := backend.(*SQLiteSnapshotBackend); !ok {
			t.Fatalf("sqlite dsn: got %T", backend)
		}
	})

	t.Run("postgres", func(t *testing.T) {
		backend, err := BuildSnapshotBackendFromDSN("postgres://user@localhost/showsync")
		if err != nil {
			t.Fatalf("postgres dsn: %v", err)
		}
		if _, ok := backend.(*PostgresSnapshotBackend); !ok {
			t.Fatalf("postgres dsn: got %T", backend)
		}
	})

	t.Run("mysql not implemented", func(t *testing.T) {
		if _, err := BuildSnapshotBackendFromDSN("mysql://user@localhost/showsync"); err == nil {
			t.Fatal("expected error for mysql dsn")
		}
	})

	t.Run("unknown scheme", func(t *testing.T) {
		_, err := BuildSnapshotBackendFromDSN("redis://localhost")
		if err == nil || !strings.Contains(err.Error(), "unsupported") {
			t.Fatalf("expected unsupported scheme error, got %v", err)
		}
	})
}

func TestRegisteredFactoryTakesPrecedence(t *testing.T) {
	marker := NewInMemorySnapshotBackend()
	RegisterSnapshotBackendFactory("custom", func(dsn string) (SnapshotBackend, error) {
		return marker, nil
	})

	backend, err := BuildSnapshotBackendFromDSN("custom://anything")
	if err != nil {
		t.Fatalf("custom dsn: %v", err)
	}
	if backend != SnapshotBackend(marker) {
		t.Fatalf("registered factory bypassed: got %T", backend)
	}
}
