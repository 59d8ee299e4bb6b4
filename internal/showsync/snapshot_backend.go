package showsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SnapshotBackend persists one full aggregate snapshot per project id plus an
// append-only store of change records tagged with the owning project. The
// change store is an audit trail and is never read back into state.
type SnapshotBackend interface {
	LoadProject(id string) (*Project, error)
	SaveProject(project *Project) error
	AppendChanges(projectID string, records []ChangeRecord) error
}

type backendCloser interface {
	Close() error
}

type InMemorySnapshotBackend struct {
	mu        sync.Mutex
	snapshots map[string]*Project
	changes   map[string][]ChangeRecord
}

func NewInMemorySnapshotBackend() *InMemorySnapshotBackend {
	return &InMemorySnapshotBackend{
		snapshots: map[string]*Project{},
		changes:   map[string][]ChangeRecord{},
	}
}

func (b *InMemorySnapshotBackend) LoadProject(id string) (*Project, error) {
	if b == nil || id == "" {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot, ok := b.snapshots[id]
	if !ok {
		return nil, nil
	}
	return snapshot.Clone(), nil
}

func (b *InMemorySnapshotBackend) SaveProject(project *Project) error {
	if b == nil || project == nil || project.ID == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots[project.ID] = project.Clone()
	return nil
}

func (b *InMemorySnapshotBackend) AppendChanges(projectID string, records []ChangeRecord) error {
	if b == nil || projectID == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.changes[projectID] = append(b.changes[projectID], records...)
	return nil
}

// Changes returns the appended records for a project.
func (b *InMemorySnapshotBackend) Changes(projectID string) []ChangeRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ChangeRecord(nil), b.changes[projectID]...)
}

// FileSnapshotBackend keeps one JSON snapshot file per project under a
// directory, written atomically, and a JSON-lines change log per project.
type FileSnapshotBackend struct {
	dir string
	mu  sync.Mutex
}

func NewFileSnapshotBackend(dir string) (*FileSnapshotBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileSnapshotBackend{dir: dir}, nil
}

func (b *FileSnapshotBackend) LoadProject(id string) (*Project, error) {
	if b == nil || id == "" {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.snapshotPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot Project
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *FileSnapshotBackend) SaveProject(project *Project) error {
	if b == nil || project == nil || project.ID == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(project)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return writeFileAtomic(b.snapshotPath(project.ID), data, 0o644)
}

func (b *FileSnapshotBackend) AppendChanges(projectID string, records []ChangeRecord) error {
	if b == nil || projectID == "" {
		return ErrInvalidInput
	}
	if len(records) == 0 {
		return nil
	}
	var buf strings.Builder
	for _, record := range records {
		line, err := json.Marshal(record)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	f, err := os.OpenFile(b.changeLogPath(projectID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(buf.String()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (b *FileSnapshotBackend) snapshotPath(id string) string {
	return filepath.Join(b.dir, sanitizeFileKey(id)+".json")
}

func (b *FileSnapshotBackend) changeLogPath(id string) string {
	return filepath.Join(b.dir, sanitizeFileKey(id)+".changes.jsonl")
}

// sanitizeFileKey maps a project id onto a filesystem-safe key, independent
// of the remote service's identifier format.
func sanitizeFileKey(id string) string {
	var out strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out.WriteRune(r)
		default:
			fmt.Fprintf(&out, "%%%02x", r)
		}
	}
	return out.String()
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
