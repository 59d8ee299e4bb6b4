package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/showops/showsync/internal/showsync"
)

// FetchProduction reads the production metadata for an aggregate.
func (c *Client) FetchProduction(ctx context.Context, productionID string) (showsync.ProductionEvent, error) {
	if productionID == "" {
		return showsync.ProductionEvent{}, showsync.ErrInvalidInput
	}
	var out showsync.ProductionEvent
	path := "/productions/" + url.PathEscape(productionID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return showsync.ProductionEvent{}, operationError(err, "fetch production")
	}
	if out.ProjectID == "" {
		out.ProjectID = productionID
	}
	return out, nil
}

// UpdateProduction puts the production metadata with the client's aggregate
// version attached; the isSaving flag on the store should bracket this call.
// A version mismatch comes back as a Conflict value.
func (c *Client) UpdateProduction(ctx context.Context, productionID string, fields map[string]any, version int64) (showsync.ProductionEvent, *showsync.Conflict, error) {
	if productionID == "" {
		return showsync.ProductionEvent{}, nil, showsync.ErrInvalidInput
	}
	body := make(map[string]any, len(fields)+4)
	for key, value := range fields {
		body[key] = value
	}
	body["version"] = version
	body["userId"] = c.identity.UserID
	body["userName"] = c.identity.UserName

	var out showsync.ProductionEvent
	path := "/productions/" + url.PathEscape(productionID)
	err := c.doJSON(ctx, http.MethodPut, path, body, &out)
	if err != nil {
		var conflictErr *showsync.ConflictError
		if errors.As(err, &conflictErr) {
			return showsync.ProductionEvent{}, conflictErr.Conflict(), nil
		}
		return showsync.ProductionEvent{}, nil, operationError(err, fmt.Sprintf("update production %s", productionID))
	}
	return out, nil, nil
}

// FetchProject assembles the full aggregate: production metadata plus every
// child collection, fetched in the canonical resource order.
func (c *Client) FetchProject(ctx context.Context, productionID string) (*showsync.Project, error) {
	production, err := c.FetchProduction(ctx, productionID)
	if err != nil {
		return nil, err
	}
	project := &showsync.Project{
		ID:             productionID,
		Version:        production.Version,
		LastModifiedBy: production.LastModifiedBy,
		Modified:       time.Now().UTC(),
		Production:     production.Fields,
		Collections:    map[showsync.Resource][]showsync.Entity{},
	}
	for _, resource := range showsync.Resources {
		entities, err := c.FetchCollection(ctx, resource, productionID)
		if err != nil {
			return nil, err
		}
		project.Collections[resource] = entities
	}
	return project, nil
}
