package record

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPStore talks to a record store over JSON REST:
//
//	POST   {base}/{entityType}           create
//	GET    {base}/{entityType}/{id}      read
//	PATCH  {base}/{entityType}/{id}      partial update (409 carries the current entity)
//	DELETE {base}/{entityType}/{id}      delete
type HTTPStore struct {
	baseURL string
	client  *http.Client
	logger  *log.Logger
}

// updateRequest is the body of an update: the new field values plus
// the version the client last saw.
type updateRequest struct {
	ExpectedUpdatedAt time.Time      `json:"expectedUpdatedAt"`
	Fields            map[string]any `json:"fields"`
}

// NewHTTPStore creates a client for the record store at baseURL.
// If logger is nil, a default logger writing to stderr is used.
func NewHTTPStore(baseURL string, logger *log.Logger) *HTTPStore {
	if logger == nil {
		logger = log.Default()
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

func (s *HTTPStore) Create(ctx context.Context, entityType string, fields map[string]any) (Entity, error) {
	var created Entity
	err := s.do(ctx, http.MethodPost, s.entityURL(entityType), map[string]any{"fields": fields}, &created)
	if err != nil {
		return Entity{}, fmt.Errorf("failed to create %s: %w", entityType, err)
	}
	return created, nil
}

func (s *HTTPStore) Read(ctx context.Context, entityType, id string) (Entity, error) {
	var entity Entity
	err := s.do(ctx, http.MethodGet, s.recordURL(entityType, id), nil, &entity)
	if err != nil {
		return Entity{}, fmt.Errorf("failed to read %s/%s: %w", entityType, id, err)
	}
	return entity, nil
}

func (s *HTTPStore) Update(ctx context.Context, entityType, id string, fields map[string]any, expectedUpdatedAt time.Time) (Entity, error) {
	req := updateRequest{ExpectedUpdatedAt: expectedUpdatedAt, Fields: fields}
	var updated Entity
	err := s.do(ctx, http.MethodPatch, s.recordURL(entityType, id), req, &updated)
	if err != nil {
		return Entity{}, fmt.Errorf("failed to update %s/%s: %w", entityType, id, err)
	}
	return updated, nil
}

func (s *HTTPStore) Delete(ctx context.Context, entityType, id string) error {
	err := s.do(ctx, http.MethodDelete, s.recordURL(entityType, id), nil, nil)
	if err != nil {
		// A record deleted by someone else is already the outcome we
		// wanted.
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete %s/%s: %w", entityType, id, err)
	}
	return nil
}

func (s *HTTPStore) entityURL(entityType string) string {
	return s.baseURL + "/" + url.PathEscape(entityType)
}

func (s *HTTPStore) recordURL(entityType, id string) string {
	return s.entityURL(entityType) + "/" + url.PathEscape(id)
}

// do performs one request/response cycle, mapping status codes onto
// the package error taxonomy.
func (s *HTTPStore) do(ctx context.Context, method, target string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err // *url.Error, classified transient by IsTransient
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		var current Entity
		if err := json.NewDecoder(resp.Body).Decode(&current); err != nil {
			s.logger.Printf("Warning: conflict response without entity body: %v", err)
		}
		return &ConflictError{Current: current}
	case resp.StatusCode >= 300:
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
