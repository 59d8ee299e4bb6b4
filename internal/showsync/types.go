package showsync

import (
	"encoding/json"
	"time"
)

// Resource names a child collection of the project aggregate. The value is
// the pluralized path segment used by the remote service and the event name
// prefix used on the push channel.
type Resource string

const (
	ResourceSources        Resource = "sources"
	ResourceSends          Resource = "sends"
	ResourceCameras        Resource = "cameras"
	ResourceCCUs           Resource = "ccus"
	ResourceLEDScreens     Resource = "led-screens"
	ResourceChecklistItems Resource = "checklist-items"
	ResourceIPAddresses    Resource = "ip-addresses"
	ResourceMediaServers   Resource = "media-servers"
)

// Resources lists every child collection carried by the aggregate, in the
// order they are fetched on project load.
var Resources = []Resource{
	ResourceSources,
	ResourceSends,
	ResourceCameras,
	ResourceCCUs,
	ResourceLEDScreens,
	ResourceChecklistItems,
	ResourceIPAddresses,
	ResourceMediaServers,
}

// Entity is the generic shape shared by every child collection element.
// Domain fields beyond id/version/lastModifiedBy are carried opaquely in
// Fields and flattened on the wire.
type Entity struct {
	ID             string
	Version        int64
	LastModifiedBy string
	Fields         map[string]any
}

func (e Entity) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+3)
	for key, value := range e.Fields {
		out[key] = value
	}
	out["id"] = e.ID
	if e.Version != 0 {
		out["version"] = e.Version
	}
	if e.LastModifiedBy != "" {
		out["lastModifiedBy"] = e.LastModifiedBy
	}
	return json.Marshal(out)
}

func (e *Entity) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	entity := Entity{Fields: map[string]any{}}
	for key, value := range raw {
		switch key {
		case "id":
			if err := json.Unmarshal(value, &entity.ID); err != nil {
				return err
			}
		case "version":
			if err := json.Unmarshal(value, &entity.Version); err != nil {
				return err
			}
		case "lastModifiedBy":
			if err := json.Unmarshal(value, &entity.LastModifiedBy); err != nil {
				return err
			}
		default:
			var decoded any
			if err := json.Unmarshal(value, &decoded); err != nil {
				return err
			}
			entity.Fields[key] = decoded
		}
	}
	*e = entity
	return nil
}

// Clone returns a deep copy; Fields values are copied via JSON round trip so
// nested maps and slices do not alias the original.
func (e Entity) Clone() Entity {
	clone := e
	if e.Fields != nil {
		clone.Fields = cloneFieldMap(e.Fields)
	}
	return clone
}

// Project is the aggregate root: production metadata plus homogeneous child
// collections, gated by a single monotonically increasing version.
type Project struct {
	ID             string                `json:"id"`
	Version        int64                 `json:"version"`
	LastModifiedBy string                `json:"lastModifiedBy,omitempty"`
	Modified       time.Time             `json:"modified"`
	Production     map[string]any        `json:"production,omitempty"`
	Collections    map[Resource][]Entity `json:"collections"`
}

func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Production = cloneFieldMap(p.Production)
	clone.Collections = make(map[Resource][]Entity, len(p.Collections))
	for resource, entities := range p.Collections {
		copied := make([]Entity, 0, len(entities))
		for _, entity := range entities {
			copied = append(copied, entity.Clone())
		}
		clone.Collections[resource] = copied
	}
	return &clone
}

// Entity returns the entity with the given id from a collection, if present.
func (p *Project) Entity(resource Resource, id string) (Entity, bool) {
	if p == nil {
		return Entity{}, false
	}
	for _, entity := range p.Collections[resource] {
		if entity.ID == id {
			return entity, true
		}
	}
	return Entity{}, false
}

func cloneFieldMap(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		out := make(map[string]any, len(fields))
		for key, value := range fields {
			out[key] = value
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		out = make(map[string]any, len(fields))
		for key, value := range fields {
			out[key] = value
		}
	}
	return out
}

// ChangeAction classifies a pending change record.
type ChangeAction string

const (
	ActionCreate ChangeAction = "create"
	ActionUpdate ChangeAction = "update"
	ActionDelete ChangeAction = "delete"
)

// ChangeRecord is an audit-log entry for a local mutation. Records are
// appended on every mutation and flushed wholesale; they are never replayed
// against state.
type ChangeRecord struct {
	ID         string       `json:"id"`
	ProjectID  string       `json:"projectId"`
	Timestamp  time.Time    `json:"timestamp"`
	Action     ChangeAction `json:"action"`
	EntityType string       `json:"entityType"`
	EntityID   string       `json:"entityId,omitempty"`
	Payload    any          `json:"payload,omitempty"`
}

// Conflict is the structured, non-exception result of a rejected optimistic
// update. Callers discriminate by shape, not by error handling.
type Conflict struct {
	Err            string `json:"error"`
	Message        string `json:"message"`
	CurrentVersion int64  `json:"currentVersion"`
	ClientVersion  int64  `json:"clientVersion"`
}

// Identity names the local actor; attached to every mutating remote call and
// used to recognize own echoes on the push channel.
type Identity struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Logger is the minimal logging surface injected into long-lived components.
type Logger interface {
	Printf(format string, args ...any)
}

// ProductionEvent is the decoded payload of a production:updated push.
// Payload fields other than the routing/version keys are the production
// metadata fields to replace.
type ProductionEvent struct {
	ProjectID      string
	Version        int64
	LastModifiedBy string
	Fields         map[string]any
	FieldVersions  map[string]int64
}

func (e *ProductionEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	event := ProductionEvent{Fields: map[string]any{}}
	for key, value := range raw {
		switch key {
		case "productionId":
			if err := json.Unmarshal(value, &event.ProjectID); err != nil {
				return err
			}
		case "version":
			if err := json.Unmarshal(value, &event.Version); err != nil {
				return err
			}
		case "lastModifiedBy":
			if err := json.Unmarshal(value, &event.LastModifiedBy); err != nil {
				return err
			}
		case "fieldVersions":
			if err := json.Unmarshal(value, &event.FieldVersions); err != nil {
				return err
			}
		default:
			var decoded any
			if err := json.Unmarshal(value, &decoded); err != nil {
				return err
			}
			event.Fields[key] = decoded
		}
	}
	*e = event
	return nil
}
