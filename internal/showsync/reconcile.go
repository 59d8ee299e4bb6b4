package showsync

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Subscriber is the slice of the push transport the reconciler needs. The
// returned function removes the subscription.
type Subscriber interface {
	Subscribe(event string, handler func(payload json.RawMessage)) func()
}

// Reconciler consumes push notifications and applies version-gated merges to
// the active aggregate. All gating is on the compare step: an accepted
// production update replaces the payload's fields wholesale, keeping the
// algorithm O(1) per event at the cost of sub-document last-writer-wins.
type Reconciler struct {
	store    *Store
	identity Identity
	logger   Logger

	mu        sync.Mutex
	processed map[string]int64 // resource/id -> last processed entity version
}

func NewReconciler(store *Store, identity Identity, logger Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		identity:  identity,
		logger:    logger,
		processed: map[string]int64{},
	}
}

// Bind subscribes the reconciler to the aggregate-root event and to the
// created/updated/deleted events of every child collection. The returned
// function removes all subscriptions.
func (r *Reconciler) Bind(bus Subscriber) func() {
	unsubs := []func(){
		bus.Subscribe("production:updated", func(payload json.RawMessage) {
			var event ProductionEvent
			if err := json.Unmarshal(payload, &event); err != nil {
				r.logf("decode production:updated: %v", err)
				return
			}
			r.HandleProductionUpdated(event)
		}),
	}
	for _, resource := range Resources {
		resource := resource
		unsubs = append(unsubs,
			bus.Subscribe(string(resource)+":created", func(payload json.RawMessage) {
				entity, ok := r.decodeEntity(resource, "created", payload)
				if ok {
					r.HandleEntityCreated(resource, entity)
				}
			}),
			bus.Subscribe(string(resource)+":updated", func(payload json.RawMessage) {
				entity, ok := r.decodeEntity(resource, "updated", payload)
				if ok {
					r.HandleEntityUpdated(resource, entity)
				}
			}),
			bus.Subscribe(string(resource)+":deleted", func(payload json.RawMessage) {
				entity, ok := r.decodeEntity(resource, "deleted", payload)
				if ok {
					r.HandleEntityDeleted(resource, entity.ID)
				}
			}),
		)
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (r *Reconciler) decodeEntity(resource Resource, action string, payload json.RawMessage) (Entity, bool) {
	var entity Entity
	if err := json.Unmarshal(payload, &entity); err != nil {
		r.logf("decode %s:%s: %v", resource, action, err)
		return Entity{}, false
	}
	if strings.TrimSpace(entity.ID) == "" {
		r.logf("drop %s:%s event without entity id", resource, action)
		return Entity{}, false
	}
	return entity, true
}

// HandleProductionUpdated applies an aggregate-root push. The event is
// ignored when it is the client's own echo, targets a different project,
// arrives while a local save is in flight, or does not advance the version.
// An accepted event replaces the payload's production fields, bumps the
// local version to the event version, and persists the merged snapshot.
func (r *Reconciler) HandleProductionUpdated(event ProductionEvent) bool {
	if event.LastModifiedBy != "" && event.LastModifiedBy == r.identity.UserID {
		return false
	}
	s := r.store
	s.mu.Lock()
	if s.active == nil || event.ProjectID == "" || event.ProjectID != s.active.ID {
		s.mu.Unlock()
		return false
	}
	if s.saving {
		s.mu.Unlock()
		r.logf("skip production:updated v%d for %s: save in flight", event.Version, event.ProjectID)
		return false
	}
	if event.Version <= s.active.Version {
		s.mu.Unlock()
		return false
	}
	if s.active.Production == nil {
		s.active.Production = map[string]any{}
	}
	for key, value := range event.Fields {
		s.active.Production[key] = value
	}
	s.active.Version = event.Version
	if event.LastModifiedBy != "" {
		s.active.LastModifiedBy = event.LastModifiedBy
	}
	s.active.Modified = time.Now().UTC()
	projectID := s.active.ID
	snapshot := s.active.Clone()
	s.mu.Unlock()

	if err := s.writeSnapshot(snapshot); err != nil {
		s.logf("persist reconciled snapshot for %s: %v", projectID, err)
	}
	s.notify(ProjectEvent{Kind: EventReconciled, ProjectID: projectID, Action: ActionUpdate})
	return true
}

// HandleEntityCreated appends a pushed entity unless one with the same id
// already exists locally (duplicate suppression).
func (r *Reconciler) HandleEntityCreated(resource Resource, entity Entity) bool {
	s := r.store
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return false
	}
	if _, exists := s.active.Entity(resource, entity.ID); exists {
		s.mu.Unlock()
		return false
	}
	s.active.Collections[resource] = append(s.active.Collections[resource], entity.Clone())
	s.active.Modified = time.Now().UTC()
	projectID := s.active.ID
	s.scheduleLocked()
	s.mu.Unlock()
	s.notify(ProjectEvent{Kind: EventReconciled, ProjectID: projectID, Resource: resource, EntityID: entity.ID, Action: ActionCreate})
	return true
}

// HandleEntityUpdated merges a pushed entity update, gated like the root:
// own echo, save in flight, and non-advancing versions are ignored, as are
// events targeting entities that do not exist locally. A per-entity
// last-processed-version cache drops duplicate deliveries that double back.
func (r *Reconciler) HandleEntityUpdated(resource Resource, entity Entity) bool {
	if entity.LastModifiedBy != "" && entity.LastModifiedBy == r.identity.UserID {
		return false
	}
	cacheKey := string(resource) + "/" + entity.ID
	if entity.Version > 0 {
		r.mu.Lock()
		if last, ok := r.processed[cacheKey]; ok && entity.Version <= last {
			r.mu.Unlock()
			return false
		}
		r.mu.Unlock()
	}

	s := r.store
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return false
	}
	if s.saving {
		s.mu.Unlock()
		r.logf("skip %s:updated for %s: save in flight", resource, entity.ID)
		return false
	}
	entities := s.active.Collections[resource]
	index := -1
	for i := range entities {
		if entities[i].ID == entity.ID {
			index = i
			break
		}
	}
	if index < 0 {
		s.mu.Unlock()
		return false
	}
	if entity.Version > 0 && entities[index].Version > 0 && entity.Version <= entities[index].Version {
		s.mu.Unlock()
		return false
	}
	if entities[index].Fields == nil {
		entities[index].Fields = map[string]any{}
	}
	for key, value := range entity.Fields {
		entities[index].Fields[key] = value
	}
	if entity.Version > 0 {
		entities[index].Version = entity.Version
	}
	if entity.LastModifiedBy != "" {
		entities[index].LastModifiedBy = entity.LastModifiedBy
	}
	s.active.Modified = time.Now().UTC()
	projectID := s.active.ID
	s.scheduleLocked()
	s.mu.Unlock()

	if entity.Version > 0 {
		r.mu.Lock()
		r.processed[cacheKey] = entity.Version
		r.mu.Unlock()
	}
	s.notify(ProjectEvent{Kind: EventReconciled, ProjectID: projectID, Resource: resource, EntityID: entity.ID, Action: ActionUpdate})
	return true
}

// HandleEntityDeleted removes an entity by id. No version check: removing an
// already-removed element is naturally idempotent.
func (r *Reconciler) HandleEntityDeleted(resource Resource, id string) bool {
	s := r.store
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return false
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
		return false
	}
	s.active.Collections[resource] = append(entities[:index], entities[index+1:]...)
	s.active.Modified = time.Now().UTC()
	projectID := s.active.ID
	s.scheduleLocked()
	s.mu.Unlock()

	r.mu.Lock()
	delete(r.processed, string(resource)+"/"+id)
	r.mu.Unlock()
	s.notify(ProjectEvent{Kind: EventReconciled, ProjectID: projectID, Resource: resource, EntityID: id, Action: ActionDelete})
	return true
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
