package showsync

import (
	"strings"
	"sync"
)

// SnapshotBackendFactory builds a backend for a DSN whose scheme was
// registered via RegisterSnapshotBackendFactory. Deployments can plug in
// additional stores without touching the built-in factory.
type SnapshotBackendFactory func(dsn string) (SnapshotBackend, error)

var snapshotBackendRegistry = struct {
	mu        sync.RWMutex
	factories map[string]SnapshotBackendFactory
}{
	factories: map[string]SnapshotBackendFactory{},
}

func RegisterSnapshotBackendFactory(scheme string, factory SnapshotBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	snapshotBackendRegistry.mu.Lock()
	defer snapshotBackendRegistry.mu.Unlock()
	snapshotBackendRegistry.factories[scheme] = factory
}

func lookupSnapshotBackendFactory(scheme string) (SnapshotBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	snapshotBackendRegistry.mu.RLock()
	defer snapshotBackendRegistry.mu.RUnlock()
	factory, ok := snapshotBackendRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
