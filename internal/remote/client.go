// Package remote is the optimistic-concurrency mutation client for the
// project service. A rejected optimistic update is a value, not an error:
// Update returns a Conflict the caller must resolve.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/showops/showsync/internal/showsync"
)

// HTTPError is a non-conflict remote failure, carrying the server-provided
// message when one was present.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    string
	identity   showsync.Identity
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL string, identity showsync.Identity, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		identity:   identity,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// FetchCollection lists the entities of one child collection for a
// production. Read-only: no version semantics.
func (c *Client) FetchCollection(ctx context.Context, resource showsync.Resource, productionID string) ([]showsync.Entity, error) {
	if productionID == "" {
		return nil, showsync.ErrInvalidInput
	}
	var out []showsync.Entity
	path := fmt.Sprintf("/%s/production/%s", resource, url.PathEscape(productionID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, operationError(err, fmt.Sprintf("fetch %s", resource))
	}
	return out, nil
}

// Create posts a new entity; the server assigns id and version when absent.
func (c *Client) Create(ctx context.Context, resource showsync.Resource, entity showsync.Entity) (showsync.Entity, error) {
	var out showsync.Entity
	err := c.doJSON(ctx, http.MethodPost, "/"+string(resource), c.mutationBody(entity), &out)
	if err != nil {
		return showsync.Entity{}, operationError(err, fmt.Sprintf("create %s", resource))
	}
	return out, nil
}

// Update puts an entity with its client-side version attached. A server-side
// version mismatch returns a Conflict value with a nil error; the client
// never retries a conflict.
func (c *Client) Update(ctx context.Context, resource showsync.Resource, id string, entity showsync.Entity) (showsync.Entity, *showsync.Conflict, error) {
	if id == "" {
		return showsync.Entity{}, nil, showsync.ErrInvalidInput
	}
	var out showsync.Entity
	path := fmt.Sprintf("/%s/%s", resource, url.PathEscape(id))
	err := c.doJSON(ctx, http.MethodPut, path, c.mutationBody(entity), &out)
	if err != nil {
		var conflictErr *showsync.ConflictError
		if errors.As(err, &conflictErr) {
			return showsync.Entity{}, conflictErr.Conflict(), nil
		}
		return showsync.Entity{}, nil, operationError(err, fmt.Sprintf("update %s %s", resource, id))
	}
	return out, nil, nil
}

// Delete removes an entity; best effort, errors propagate.
func (c *Client) Delete(ctx context.Context, resource showsync.Resource, id string) error {
	if id == "" {
		return showsync.ErrInvalidInput
	}
	path := fmt.Sprintf("/%s/%s", resource, url.PathEscape(id))
	body := map[string]any{
		"userId":   c.identity.UserID,
		"userName": c.identity.UserName,
	}
	if err := c.doJSON(ctx, http.MethodDelete, path, body, nil); err != nil {
		return operationError(err, fmt.Sprintf("delete %s %s", resource, id))
	}
	return nil
}

// mutationBody flattens the entity and attaches the actor identity, which
// the service requires on every mutating call.
func (c *Client) mutationBody(entity showsync.Entity) map[string]any {
	body := make(map[string]any, len(entity.Fields)+5)
	for key, value := range entity.Fields {
		body[key] = value
	}
	if entity.ID != "" {
		body["id"] = entity.ID
	}
	if entity.Version != 0 {
		body["version"] = entity.Version
	}
	body["userId"] = c.identity.UserID
	body["userName"] = c.identity.UserName
	return body
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		if resp.StatusCode == http.StatusConflict {
			var conflict showsync.Conflict
			_ = json.Unmarshal(payloadBytes, &conflict)
			return &showsync.ConflictError{
				Message:        conflict.Message,
				CurrentVersion: conflict.CurrentVersion,
				ClientVersion:  conflict.ClientVersion,
			}
		}

		var errPayload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Error,
			Message:    errPayload.Message,
		}
	}
}

// operationError fills in a per-operation default message when the server
// did not provide one.
func operationError(err error, operation string) error {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Message == "" {
		httpErr.Message = operation + " failed"
		return httpErr
	}
	return fmt.Errorf("%s: %w", operation, err)
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
