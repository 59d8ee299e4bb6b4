package showsync

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies store notifications delivered to observers.
type EventKind string

const (
	EventOpened     EventKind = "opened"
	EventClosed     EventKind = "closed"
	EventMutated    EventKind = "mutated"
	EventReconciled EventKind = "reconciled"
)

// ProjectEvent is delivered synchronously to subscribed observers after each
// state change. Resource and EntityID are empty for aggregate-root changes.
type ProjectEvent struct {
	Kind      EventKind
	ProjectID string
	Resource  Resource
	EntityID  string
	Action    ChangeAction
}

type StoreOptions struct {
	Backend           SnapshotBackend
	Identity          Identity
	PersistDebounce   time.Duration
	JournalFlushDelay time.Duration
	PersistInterval   time.Duration
	DisableTimers     bool
	Logger            Logger
}

// Store owns the active project aggregate. Mutations run synchronously to
// completion under one mutex, append to the pending-change journal, and
// schedule a debounced snapshot persist plus a journal flush. An interval
// ticker re-persists the active aggregate as a safety net against missed
// debounce triggers.
type Store struct {
	backend           SnapshotBackend
	identity          Identity
	logger            Logger
	persistDebounce   time.Duration
	journalFlushDelay time.Duration
	persistInterval   time.Duration
	disableTimers     bool

	mu           sync.Mutex
	active       *Project
	journal      []ChangeRecord
	saving       bool
	persistTimer *time.Timer
	flushTimer   *time.Timer
	observers    map[int]func(ProjectEvent)
	nextObserver int

	// persistMu serializes snapshot writes so a slower writer cannot land
	// an older aggregate version over a newer one.
	persistMu        sync.Mutex
	persistedID      string
	persistedVersion int64

	closed          chan struct{}
	closeOnce       sync.Once
	wg              sync.WaitGroup
	intervalChanged chan struct{}
}

func NewStore(opts StoreOptions) *Store {
	backend := opts.Backend
	if backend == nil {
		backend = NewInMemorySnapshotBackend()
	}
	persistDebounce := opts.PersistDebounce
	if persistDebounce <= 0 {
		persistDebounce = 2 * time.Second
	}
	journalFlushDelay := opts.JournalFlushDelay
	if journalFlushDelay <= 0 {
		journalFlushDelay = 5 * time.Second
	}
	persistInterval := opts.PersistInterval
	if persistInterval <= 0 {
		persistInterval = time.Minute
	}
	s := &Store{
		backend:           backend,
		identity:          opts.Identity,
		logger:            opts.Logger,
		persistDebounce:   persistDebounce,
		journalFlushDelay: journalFlushDelay,
		persistInterval:   persistInterval,
		disableTimers:     opts.DisableTimers,
		observers:         map[int]func(ProjectEvent){},
		closed:            make(chan struct{}),
		intervalChanged:   make(chan struct{}, 1),
	}
	if !s.disableTimers {
		s.wg.Add(1)
		go s.intervalPersistLoop()
	}
	return s
}

// Close stops timers and background work. The active aggregate and any
// unflushed journal records are discarded, matching CloseProject semantics.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	s.mu.Lock()
	s.stopTimersLocked()
	s.active = nil
	s.journal = nil
	s.mu.Unlock()
	s.wg.Wait()
	if closer, ok := s.backend.(backendCloser); ok {
		return closer.Close()
	}
	return nil
}

// OpenProject loads the latest persisted snapshot for the given id and makes
// it the active aggregate. Historical change records are never replayed; the
// snapshot is the source of truth.
func (s *Store) OpenProject(id string) (*Project, error) {
	if id == "" {
		return nil, ErrInvalidInput
	}
	snapshot, err := s.backend.LoadProject(id)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	if snapshot.Collections == nil {
		snapshot.Collections = map[Resource][]Entity{}
	}
	s.mu.Lock()
	s.stopTimersLocked()
	s.active = snapshot
	s.journal = nil
	s.saving = false
	s.mu.Unlock()
	s.notify(ProjectEvent{Kind: EventOpened, ProjectID: id})
	return snapshot.Clone(), nil
}

// ActivateProject installs a freshly fetched aggregate as the active project
// and persists its snapshot immediately.
func (s *Store) ActivateProject(project *Project) error {
	if project == nil || project.ID == "" {
		return ErrInvalidInput
	}
	installed := project.Clone()
	if installed.Collections == nil {
		installed.Collections = map[Resource][]Entity{}
	}
	s.mu.Lock()
	s.stopTimersLocked()
	s.active = installed
	s.journal = nil
	s.saving = false
	s.mu.Unlock()
	// a freshly fetched aggregate resets the persist baseline, even when the
	// service handed back a lower version than the last optimistic snapshot
	s.persistMu.Lock()
	s.persistedID = ""
	s.persistedVersion = 0
	s.persistMu.Unlock()
	if err := s.writeSnapshot(installed.Clone()); err != nil {
		s.logf("persist activated project %s: %v", installed.ID, err)
	}
	s.notify(ProjectEvent{Kind: EventOpened, ProjectID: installed.ID})
	return nil
}

// CloseProject discards the in-memory aggregate and the pending journal.
// Unflushed records are lost; the journal is an audit trail, not a
// durability guarantee.
func (s *Store) CloseProject() {
	s.mu.Lock()
	projectID := ""
	if s.active != nil {
		projectID = s.active.ID
	}
	s.stopTimersLocked()
	s.active = nil
	s.journal = nil
	s.saving = false
	s.mu.Unlock()
	if projectID != "" {
		s.notify(ProjectEvent{Kind: EventClosed, ProjectID: projectID})
	}
}

// ActiveProject returns a deep copy of the active aggregate, or nil.
func (s *Store) ActiveProject() *Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Clone()
}

func (s *Store) ActiveProjectID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.ID
}

func (s *Store) ActiveVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return 0
	}
	return s.active.Version
}

// SetSaving marks whether an outbound save for the active aggregate is in
// flight. While true, inbound reconciliation of the aggregate root is
// skipped. This is a coarse advisory flag, not a mutex.
func (s *Store) SetSaving(saving bool) {
	s.mu.Lock()
	s.saving = saving
	s.mu.Unlock()
}

func (s *Store) Saving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saving
}

// PendingChanges returns a copy of the unflushed journal.
func (s *Store) PendingChanges() []ChangeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChangeRecord(nil), s.journal...)
}

// SubscribeChanges registers an observer invoked synchronously after every
// state change. The returned function unsubscribes it.
func (s *Store) SubscribeChanges(observer func(ProjectEvent)) func() {
	if observer == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = observer
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// UpdateActiveProduction structurally merges the partial into the production
// metadata, bumps the aggregate version, journals the change, and schedules
// persistence.
func (s *Store) UpdateActiveProduction(partial map[string]any) error {
	if len(partial) == 0 {
		return ErrInvalidInput
	}
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return ErrNoActiveProject
	}
	if s.active.Production == nil {
		s.active.Production = map[string]any{}
	}
	for key, value := range partial {
		s.active.Production[key] = value
	}
	s.active.Version++
	s.active.LastModifiedBy = s.identity.UserID
	s.active.Modified = time.Now().UTC()
	projectID := s.active.ID
	s.appendJournalLocked(ActionUpdate, "production", "", cloneFieldMap(partial))
	s.scheduleLocked()
	s.mu.Unlock()
	s.notify(ProjectEvent{Kind: EventMutated, ProjectID: projectID, Action: ActionUpdate})
	return nil
}

// AddEntity appends an entity to a child collection. Creation in versioned
// and unversioned collections alike has set-membership semantics: a
// duplicate id is rejected.
func (s *Store) AddEntity(resource Resource, entity Entity) error {
	if entity.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return ErrNoActiveProject
	}
	if _, exists := s.active.Entity(resource, entity.ID); exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s %s already exists", ErrInvalidState, resource, entity.ID)
	}
	entity.LastModifiedBy = s.identity.UserID
	s.active.Collections[resource] = append(s.active.Collections[resource], entity.Clone())
	s.active.Modified = time.Now().UTC()
	projectID := s.active.ID
	s.appendJournalLocked(ActionCreate, string(resource), entity.ID, entity.Fields)
	s.scheduleLocked()
	s.mu.Unlock()
	s.notify(ProjectEvent{Kind: EventMutated, ProjectID: projectID, Resource: resource, EntityID: entity.ID, Action: ActionCreate})
	return nil
}

// UpdateEntity merges the partial into the entity's fields. Entities in
// versioned collections have their version bumped and the actor recorded.
func (s *Store) UpdateEntity(resource Resource, id string, partial map[string]any) error {
	if id == "" || len(partial) == 0 {
		return ErrInvalidInput
	}
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return ErrNoActiveProject
	}
	entities := s.active.Collections[resource]
	index := -1
	for i := range entities {
		if entities[i].ID == id {
			index = i
			break
		}
	}
	if index < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s %s", ErrNotFound, resource, id)
	}
	if entities[index].Fields == nil {
		entities[index].Fields = map[string]any{}
	}
	for key, value := range partial {
		entities[index].Fields[key] = value
	}
	if entities[index].Version > 0 {
		entities[index].Version++
	}
	entities[index].LastModifiedBy = s.identity.UserID
	s.active.Modified = time.Now().UTC()
	projectID := s.active.ID
	s.appendJournalLocked(ActionUpdate, string(resource), id, cloneFieldMap(partial))
	s.scheduleLocked()
	s.mu.Unlock()
	s.notify(ProjectEvent{Kind: EventMutated, ProjectID: projectID, Resource: resource, EntityID: id, Action: ActionUpdate})
	return nil
}

// DeleteEntity removes an entity from a child collection by id.
func (s *Store) DeleteEntity(resource Resource, id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return ErrNoActiveProject
	}
	entities := s.active.Collections[resource]
	index := -1
	for i := range entities {
		if entities[i].ID == id {
			index = i
			break
		}
	}
	if index < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s %s", ErrNotFound, resource, id)
	}
	s.active.Collections[resource] = append(entities[:index], entities[index+1:]...)
	s.active.Modified = time.Now().UTC()
	projectID := s.active.ID
	s.appendJournalLocked(ActionDelete, string(resource), id, nil)
	s.scheduleLocked()
	s.mu.Unlock()
	s.notify(ProjectEvent{Kind: EventMutated, ProjectID: projectID, Resource: resource, EntityID: id, Action: ActionDelete})
	return nil
}

// AdoptRemoteVersion aligns the local aggregate version with the
// authoritative version returned by a successful save. Lower or equal
// versions are ignored.
func (s *Store) AdoptRemoteVersion(version int64) {
	s.mu.Lock()
	if s.active != nil && version > s.active.Version {
		s.active.Version = version
	}
	s.mu.Unlock()
}

// AdoptEntityVersion aligns one entity's version with the server-assigned
// value after a successful create or update.
func (s *Store) AdoptEntityVersion(resource Resource, id string, version int64) {
	if version <= 0 {
		return
	}
	s.mu.Lock()
	if s.active != nil {
		entities := s.active.Collections[resource]
		for i := range entities {
			if entities[i].ID == id {
				if version > entities[i].Version {
					entities[i].Version = version
				}
				break
			}
		}
	}
	s.mu.Unlock()
}

// FlushJournal persists the pending journal to the snapshot backend along
// with the current aggregate snapshot, then clears the flushed records.
// Normally driven by the flush timer; exposed for shutdown paths.
func (s *Store) FlushJournal() error {
	s.mu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if len(s.journal) == 0 || s.active == nil {
		s.mu.Unlock()
		return nil
	}
	records := append([]ChangeRecord(nil), s.journal...)
	projectID := s.active.ID
	snapshot := s.active.Clone()
	s.mu.Unlock()

	if err := s.writeSnapshot(snapshot); err != nil {
		s.logf("persist snapshot for %s during flush: %v", projectID, err)
		return err
	}
	if err := s.backend.AppendChanges(projectID, records); err != nil {
		s.logf("append %d change records for %s: %v", len(records), projectID, err)
		return err
	}

	s.mu.Lock()
	if s.active != nil && s.active.ID == projectID && len(s.journal) >= len(records) {
		s.journal = append([]ChangeRecord(nil), s.journal[len(records):]...)
	}
	s.mu.Unlock()
	return nil
}

// PersistActive writes the current aggregate snapshot. Normally driven by
// the debounce timer and the interval ticker.
func (s *Store) PersistActive() error {
	s.mu.Lock()
	if s.persistTimer != nil {
		s.persistTimer.Stop()
		s.persistTimer = nil
	}
	if s.active == nil {
		s.mu.Unlock()
		return nil
	}
	snapshot := s.active.Clone()
	s.mu.Unlock()
	if err := s.writeSnapshot(snapshot); err != nil {
		s.logf("persist snapshot for %s: %v", snapshot.ID, err)
		return err
	}
	return nil
}

// writeSnapshot persists a cloned snapshot under persistMu. A snapshot
// strictly older than the last written aggregate version is dropped; equal
// versions still persist, since entity merges change state without moving
// the aggregate version.
func (s *Store) writeSnapshot(snapshot *Project) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if snapshot.ID == s.persistedID && snapshot.Version < s.persistedVersion {
		return nil
	}
	if err := s.backend.SaveProject(snapshot); err != nil {
		return err
	}
	s.persistedID = snapshot.ID
	s.persistedVersion = snapshot.Version
	return nil
}

// SetTimings updates the persistence timing knobs at runtime, for config
// hot-reload. New values take effect from the next scheduling decision; an
// already-armed timer keeps the delay it was armed with.
func (s *Store) SetTimings(persistDebounce, journalFlushDelay, persistInterval time.Duration) {
	intervalChanged := false
	s.mu.Lock()
	if persistDebounce > 0 {
		s.persistDebounce = persistDebounce
	}
	if journalFlushDelay > 0 {
		s.journalFlushDelay = journalFlushDelay
	}
	if persistInterval > 0 && persistInterval != s.persistInterval {
		s.persistInterval = persistInterval
		intervalChanged = true
	}
	s.mu.Unlock()
	if intervalChanged {
		select {
		case s.intervalChanged <- struct{}{}:
		default:
		}
	}
}

func (s *Store) appendJournalLocked(action ChangeAction, entityType, entityID string, payload any) {
	s.journal = append(s.journal, ChangeRecord{
		ID:         uuid.NewString(),
		ProjectID:  s.active.ID,
		Timestamp:  time.Now().UTC(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
	})
}

// scheduleLocked arms the persistence timers. The snapshot persist is a
// trailing debounce reset on every mutation; the journal flush fires at a
// fixed delay from the first unflushed record.
func (s *Store) scheduleLocked() {
	if s.disableTimers {
		return
	}
	if s.persistTimer == nil {
		s.persistTimer = time.AfterFunc(s.persistDebounce, func() { _ = s.PersistActive() })
	} else {
		s.persistTimer.Reset(s.persistDebounce)
	}
	if s.flushTimer == nil {
		s.flushTimer = time.AfterFunc(s.journalFlushDelay, func() { _ = s.FlushJournal() })
	}
}

func (s *Store) stopTimersLocked() {
	if s.persistTimer != nil {
		s.persistTimer.Stop()
		s.persistTimer = nil
	}
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
}

func (s *Store) intervalPersistLoop() {
	defer s.wg.Done()
	s.mu.Lock()
	interval := s.persistInterval
	s.mu.Unlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-s.intervalChanged:
			s.mu.Lock()
			interval = s.persistInterval
			s.mu.Unlock()
			ticker.Reset(interval)
		case <-ticker.C:
			_ = s.PersistActive()
		}
	}
}

func (s *Store) notify(event ProjectEvent) {
	s.mu.Lock()
	observers := make([]func(ProjectEvent), 0, len(s.observers))
	for _, observer := range s.observers {
		observers = append(observers, observer)
	}
	s.mu.Unlock()
	for _, observer := range observers {
		observer(event)
	}
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
