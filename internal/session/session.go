// Package session wires the store, the push channel, and the mutation
// client into the edit loop the UI drives: mutate locally first, then push
// to the service, and let the reconciler fold in everyone else's changes.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/showops/showsync/internal/push"
	"github.com/showops/showsync/internal/remote"
	"github.com/showops/showsync/internal/showsync"
)

type Options struct {
	Store    *showsync.Store
	Client   *remote.Client
	Manager  *push.Manager
	Rooms    *push.RoomTracker
	Identity showsync.Identity
	Logger   showsync.Logger
}

type Session struct {
	store      *showsync.Store
	client     *remote.Client
	manager    *push.Manager
	rooms      *push.RoomTracker
	reconciler *showsync.Reconciler
	logger     showsync.Logger

	mu        sync.Mutex
	projectID string
	connected bool
	unbind    func()
}

func New(opts Options) (*Session, error) {
	if opts.Store == nil || opts.Client == nil || opts.Manager == nil || opts.Rooms == nil {
		return nil, showsync.ErrInvalidInput
	}
	return &Session{
		store:      opts.Store,
		client:     opts.Client,
		manager:    opts.Manager,
		rooms:      opts.Rooms,
		reconciler: showsync.NewReconciler(opts.Store, opts.Identity, opts.Logger),
		logger:     opts.Logger,
	}, nil
}

// Open fetches the aggregate from the service, activates it in the store,
// joins its room, and binds the reconciler to the push channel. When the
// service is unreachable the last persisted snapshot is opened instead, so
// the project stays editable offline.
func (s *Session) Open(ctx context.Context, productionID string) (*showsync.Project, error) {
	if productionID == "" {
		return nil, showsync.ErrInvalidInput
	}
	s.mu.Lock()
	acquire := !s.connected
	s.connected = true
	s.mu.Unlock()
	if acquire {
		s.manager.Connect()
	}
	release := func() {
		if acquire {
			s.manager.Disconnect()
			s.mu.Lock()
			s.connected = false
			s.mu.Unlock()
		}
	}

	project, err := s.client.FetchProject(ctx, productionID)
	if err != nil {
		s.logf("fetch project %s failed, falling back to local snapshot: %v", productionID, err)
		project, err = s.store.OpenProject(productionID)
		if err != nil {
			release()
			return nil, err
		}
	} else if err := s.store.ActivateProject(project); err != nil {
		release()
		return nil, err
	}

	s.mu.Lock()
	s.projectID = productionID
	if s.unbind == nil {
		s.unbind = s.reconciler.Bind(s.manager)
	}
	s.mu.Unlock()
	s.rooms.Activate(productionID)
	return project, nil
}

// Close leaves the room, unbinds the reconciler, discards the in-memory
// aggregate (unflushed journal records with it), and releases the
// connection reference.
func (s *Session) Close() {
	s.mu.Lock()
	unbind := s.unbind
	s.unbind = nil
	s.projectID = ""
	connected := s.connected
	s.connected = false
	s.mu.Unlock()

	s.rooms.Deactivate()
	if unbind != nil {
		unbind()
	}
	s.store.CloseProject()
	if connected {
		s.manager.Disconnect()
	}
}

// SaveProduction applies the partial locally, then puts it to the service
// with the last-synced aggregate version attached — the version the server
// knows, captured before the local edit bumps it. The store's saving flag
// brackets the PUT so an inbound push cannot race the outbound write. On
// conflict the local state keeps the optimistic edit and the conflict is
// returned for the caller to resolve.
func (s *Session) SaveProduction(ctx context.Context, partial map[string]any) (*showsync.Conflict, error) {
	projectID := s.store.ActiveProjectID()
	version := s.store.ActiveVersion()
	if err := s.store.UpdateActiveProduction(partial); err != nil {
		return nil, err
	}

	s.store.SetSaving(true)
	defer s.store.SetSaving(false)
	result, conflict, err := s.client.UpdateProduction(ctx, projectID, partial, version)
	if err != nil {
		return nil, err
	}
	if conflict != nil {
		return conflict, nil
	}
	s.store.AdoptRemoteVersion(result.Version)
	return nil, nil
}

// CreateEntity adds the entity locally and posts it to the service,
// adopting the server-assigned version on success.
func (s *Session) CreateEntity(ctx context.Context, resource showsync.Resource, entity showsync.Entity) (showsync.Entity, error) {
	if err := s.store.AddEntity(resource, entity); err != nil {
		return showsync.Entity{}, err
	}
	created, err := s.client.Create(ctx, resource, entity)
	if err != nil {
		return showsync.Entity{}, err
	}
	s.store.AdoptEntityVersion(resource, entity.ID, created.Version)
	return created, nil
}

// UpdateEntity merges the partial locally and puts the merged entity with
// its last-synced version — the server rejects on any version it does not
// hold, so the pre-edit version goes on the wire. Conflicts are returned,
// not resolved.
func (s *Session) UpdateEntity(ctx context.Context, resource showsync.Resource, id string, partial map[string]any) (*showsync.Conflict, error) {
	var syncedVersion int64
	if project := s.store.ActiveProject(); project != nil {
		if current, ok := project.Entity(resource, id); ok {
			syncedVersion = current.Version
		}
	}
	if err := s.store.UpdateEntity(resource, id, partial); err != nil {
		return nil, err
	}
	project := s.store.ActiveProject()
	if project == nil {
		return nil, showsync.ErrNoActiveProject
	}
	entity, ok := project.Entity(resource, id)
	if !ok {
		return nil, showsync.ErrNotFound
	}
	entity.Version = syncedVersion
	updated, conflict, err := s.client.Update(ctx, resource, id, entity)
	if err != nil {
		return nil, err
	}
	if conflict != nil {
		return conflict, nil
	}
	s.store.AdoptEntityVersion(resource, id, updated.Version)
	return nil, nil
}

// DeleteEntity removes the entity locally and on the service. A service-side
// not-found is tolerated: the element is already gone.
func (s *Session) DeleteEntity(ctx context.Context, resource showsync.Resource, id string) error {
	if err := s.store.DeleteEntity(resource, id); err != nil {
		return err
	}
	if err := s.client.Delete(ctx, resource, id); err != nil {
		var httpErr *remote.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == 404 {
			return nil
		}
		return err
	}
	return nil
}

func (s *Session) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
