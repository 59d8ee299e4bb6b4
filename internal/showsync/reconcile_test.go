package showsync

import (
	"encoding/json"
	"testing"
)

type fakeBus struct {
	handlers map[string][]func(json.RawMessage)
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: map[string][]func(json.RawMessage){}}
}

func (b *fakeBus) Subscribe(event string, handler func(json.RawMessage)) func() {
	b.handlers[event] = append(b.handlers[event], handler)
	return func() {
		b.handlers[event] = nil
	}
}

func (b *fakeBus) push(t *testing.T, event string, payload string) {
	t.Helper()
	if len(b.handlers[event]) == 0 {
		t.Fatalf("no handler bound for %q", event)
	}
	for _, handler := range b.handlers[event] {
		handler(json.RawMessage(payload))
	}
}

func newTestReconciler(t *testing.T) (*Store, *Reconciler) {
	t.Helper()
	store := newTestStore(t, newCountingBackend())
	return store, NewReconciler(store, Identity{UserID: "user_local", UserName: "Local User"}, nil)
}

func productionEvent(version int64, modifiedBy string, fields map[string]any) ProductionEvent {
	return ProductionEvent{
		ProjectID:      "prj_1",
		Version:        version,
		LastModifiedBy: modifiedBy,
		Fields:         fields,
	}
}

func TestProductionUpdateApplied(t *testing.T) {
	store, reconciler := newTestReconciler(t)

	applied := reconciler.HandleProductionUpdated(productionEvent(4, "user_remote", map[string]any{"name": "Remote Rename"}))
	if !applied {
		t.Fatal("expected event to apply")
	}
	project := store.ActiveProject()
	if project.Version != 4 {
		t.Fatalf("expected version 4, got %d", project.Version)
	}
	if project.Production["name"] != "Remote Rename" {
		t.Fatalf("field not merged: %+v", project.Production)
	}
	if project.Production["venue"] != "Studio 4" {
		t.Fatalf("unrelated field clobbered: %+v", project.Production)
	}
	if project.LastModifiedBy != "user_remote" {
		t.Fatalf("actor not recorded: %q", project.LastModifiedBy)
	}
}

func TestProductionUpdateIdempotent(t *testing.T) {
	store, reconciler := newTestReconciler(t)

	event := productionEvent(4, "user_remote", map[string]any{"name": "Remote Rename"})
	if !reconciler.HandleProductionUpdated(event) {
		t.Fatal("first delivery should apply")
	}
	if reconciler.HandleProductionUpdated(event) {
		t.Fatal("redelivered event should be a no-op")
	}
	// stale versions never apply
	if reconciler.HandleProductionUpdated(productionEvent(2, "user_remote", map[string]any{"name": "Stale"})) {
		t.Fatal("stale version applied")
	}
	if got := store.ActiveProject().Production["name"]; got != "Remote Rename" {
		t.Fatalf("state drifted after duplicate deliveries: %v", got)
	}
}

func TestProductionUpdateOwnEchoSuppressed(t *testing.T) {
	store, reconciler := newTestReconciler(t)

	if reconciler.HandleProductionUpdated(productionEvent(10, "user_local", map[string]any{"name": "Echo"})) {
		t.Fatal("own echo applied")
	}
	if store.ActiveVersion() != 3 {
		t.Fatalf("version moved by own echo: %d", store.ActiveVersion())
	}
}

func TestProductionUpdateSkippedWhileSaving(t *testing.T) {
	store, reconciler := newTestReconciler(t)

	store.SetSaving(true)
	if reconciler.HandleProductionUpdated(productionEvent(4, "user_remote", map[string]any{"name": "X"})) {
		t.Fatal("event applied while save in flight")
	}
	store.SetSaving(false)
	if !reconciler.HandleProductionUpdated(productionEvent(4, "user_remote", map[string]any{"name": "X"})) {
		t.Fatal("event should apply once save completes")
	}
}

func TestProductionUpdateWrongProjectIgnored(t *testing.T) {
	store, reconciler := newTestReconciler(t)

	event := productionEvent(9, "user_remote", map[string]any{"name": "Other"})
	event.ProjectID = "prj_other"
	if reconciler.HandleProductionUpdated(event) {
		t.Fatal("event for foreign project applied")
	}
	if store.ActiveVersion() != 3 {
		t.Fatalf("version moved: %d", store.ActiveVersion())
	}
}

func TestEntityCreatedDuplicateSuppressed(t *testing.T) {
	store, reconciler := newTestReconciler(t)

	entity := Entity{ID: "src_9", Version: 1, LastModifiedBy: "user_remote", Fields: map[string]any{"label": "PGM"}}
	if !reconciler.HandleEntityCreated(ResourceSources, entity) {
		t.Fatal("first create should apply")
	}
	if reconciler.HandleEntityCreated(ResourceSources, entity) {
		t.Fatal("duplicate create should be suppressed")
	}
	if got := len(store.ActiveProject().Collections[ResourceSources]); got != 1 {
		t.Fatalf("expected exactly 1 source, got %d", got)
	}
}

// Two clients each create a different entity; both pushes apply on the other
// side and the collection converges to the union.
func TestConcurrentCreatesConvergeToUnion(t *testing.T) {
	store, reconciler := newTestReconciler(t)

	if err := store.AddSend(Entity{ID: "send_local", Fields: map[string]any{"label": "AUX 1"}}); err != nil {
		t.Fatalf("local create failed: %v", err)
	}
	if !reconciler.HandleEntityCreated(ResourceSends, Entity{ID: "send_remote", Version: 1, LastModifiedBy: "user_remote"}) {
		t.Fatal("remote create should apply")
	}
	sends := store.ActiveProject().Collections[ResourceSends]
	if len(sends) != 2 {
		t.Fatalf("expected union of 2 sends, got %d", len(sends))
	}
	ids := map[string]bool{}
	for _, send := range sends {
		ids[send.ID] = true
	}
	if !ids["send_local"] || !ids["send_remote"] {
		t.Fatalf("union incomplete: %v", ids)
	}
}

func TestEntityUpdatedVersionGates(t *testing.T) {
	store, reconciler := newTestReconciler(t)

	// local cam_1 is at version 2
	if reconciler.HandleEntityUpdated(ResourceCameras, Entity{ID: "cam_1", Version: 2, LastModifiedBy: "user_remote", Fields: map[string]any{"model": "stale"}}) {
		t.Fatal("equal version applied")
	}
	if !reconciler.HandleEntityUpdated(ResourceCameras, Entity{ID: "cam_1", Version: 3, LastModifiedBy: "user_remote", Fields: map[string]any{"model": "HDC-5500"}}) {
		t.Fatal("advancing version should apply")
	}
	camera, _ := store.ActiveProject().Entity(ResourceCameras, "cam_1")
	if camera.Version != 3 || camera.Fields["model"] != "HDC-5500" {
		t.Fatalf("merge wrong: %+v", camera)
	}

	// duplicate delivery is dropped by the processed cache
	if reconciler.HandleEntityUpdated(ResourceCameras, Entity{ID: "cam_1", Version: 3, LastModifiedBy: "user_remote", Fields: map[string]any{"model": "again"}}) {
		t.Fatal("redelivered entity update applied")
	}

	// unknown entities are ignored, not created
	if reconciler.HandleEntityUpdated(ResourceCameras, Entity{ID: "cam_ghost", Version: 1, LastModifiedBy: "user_remote"}) {
		t.Fatal("update for unknown entity applied")
	}
}

func TestEntityUpdatedOwnEchoAndSaving(t *testing.T) {
	store, reconciler := newTestReconciler(t)

	if reconciler.HandleEntityUpdated(ResourceCameras, Entity{ID: "cam_1", Version: 9, LastModifiedBy: "user_local", Fields: map[string]any{"model": "echo"}}) {
		t.Fatal("own echo applied")
	}
	store.SetSaving(true)
	if reconciler.HandleEntityUpdated(ResourceCameras, Entity{ID: "cam_1", Version: 9, LastModifiedBy: "user_remote", Fields: map[string]any{"model": "x"}}) {
		t.Fatal("entity update applied while save in flight")
	}
}

func TestEntityDeletedIdempotent(t *testing.T) {
	store, reconciler := newTestReconciler(t)

	if !reconciler.HandleEntityDeleted(ResourceChecklistItems, "chk_1") {
		t.Fatal("first delete should apply")
	}
	if reconciler.HandleEntityDeleted(ResourceChecklistItems, "chk_1") {
		t.Fatal("second delete should be a no-op")
	}
	if got := len(store.ActiveProject().Collections[ResourceChecklistItems]); got != 0 {
		t.Fatalf("entity still present: %d", got)
	}

	// delete clears the processed cache so a later re-create can be updated
	if !reconciler.HandleEntityUpdated(ResourceCameras, Entity{ID: "cam_1", Version: 3, LastModifiedBy: "user_remote"}) {
		t.Fatal("setup update failed")
	}
	if !reconciler.HandleEntityDeleted(ResourceCameras, "cam_1") {
		t.Fatal("delete failed")
	}
	if !reconciler.HandleEntityCreated(ResourceCameras, Entity{ID: "cam_1", Version: 1, LastModifiedBy: "user_remote"}) {
		t.Fatal("re-create failed")
	}
	if !reconciler.HandleEntityUpdated(ResourceCameras, Entity{ID: "cam_1", Version: 2, LastModifiedBy: "user_remote"}) {
		t.Fatal("update after re-create should apply despite older cached version")
	}
}

func TestBindRoutesPushEvents(t *testing.T) {
	store, reconciler := newTestReconciler(t)
	bus := newFakeBus()
	unbind := reconciler.Bind(bus)

	bus.push(t, "production:updated", `{"productionId":"prj_1","version":4,"lastModifiedBy":"user_remote","name":"Pushed"}`)
	if got := store.ActiveProject().Production["name"]; got != "Pushed" {
		t.Fatalf("production push not routed: %v", got)
	}

	bus.push(t, "sources:created", `{"id":"src_bus","version":1,"lastModifiedBy":"user_remote","label":"CAM 1"}`)
	source, ok := store.ActiveProject().Entity(ResourceSources, "src_bus")
	if !ok || source.Fields["label"] != "CAM 1" {
		t.Fatalf("created push not routed: %+v", source)
	}

	bus.push(t, "cameras:updated", `{"id":"cam_1","version":3,"lastModifiedBy":"user_remote","model":"pushed"}`)
	camera, _ := store.ActiveProject().Entity(ResourceCameras, "cam_1")
	if camera.Fields["model"] != "pushed" {
		t.Fatalf("updated push not routed: %+v", camera)
	}

	bus.push(t, "checklist-items:deleted", `{"id":"chk_1"}`)
	if _, ok := store.ActiveProject().Entity(ResourceChecklistItems, "chk_1"); ok {
		t.Fatal("deleted push not routed")
	}

	// malformed payloads are dropped without panicking
	bus.push(t, "sources:created", `{"version":1}`)
	bus.push(t, "production:updated", `not json`)

	unbind()
}

// A client at version 3 applies a remote rename pushed at version 4 and lands
// on the same document as the editor.
func TestSecondClientConverges(t *testing.T) {
	store, reconciler := newTestReconciler(t)

	raw := `{"productionId":"prj_1","version":4,"lastModifiedBy":"user_editor","name":"Grand Final"}`
	var event ProductionEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reconciler.HandleProductionUpdated(event) {
		t.Fatal("push should apply")
	}
	project := store.ActiveProject()
	if project.Version != 4 || project.Production["name"] != "Grand Final" {
		t.Fatalf("client did not converge: v%d %+v", project.Version, project.Production)
	}
}
