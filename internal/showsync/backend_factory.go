package showsync

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildSnapshotBackendFromDSN selects a snapshot backend by DSN scheme:
//
//	file:/var/lib/showsync        directory of JSON snapshots (also bare paths)
//	memory:                       in-memory, for tests
//	sqlite:/var/lib/showsync.db   single-file SQLite database
//	postgres://user@host/db       shared Postgres database
//
// Registered extension factories take precedence over the built-in schemes.
func BuildSnapshotBackendFromDSN(dsn string) (SnapshotBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupSnapshotBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileSnapshotBackend(path)
	case "memory", "mem", "inmem":
		return NewInMemorySnapshotBackend(), nil
	case "sqlite":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteSnapshotBackend(path)
	case "postgres", "postgresql":
		return NewPostgresSnapshotBackend(dsn)
	case "mysql":
		return nil, fmt.Errorf("%w: snapshot backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported snapshot backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
