// Package remote talks to the hosted record store over its table REST API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/hylla/fieldsync/internal/app"
	"github.com/hylla/fieldsync/internal/domain"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 8 << 20
	userAgent        = "fieldsync"
)

// Table maps one entity type onto a remote table.
type Table struct {
	Name         string
	IDField      string
	ParentField  string
	ServiceField string
}

// DefaultTables returns the table layout used when none is configured.
func DefaultTables() map[domain.EntityType]Table {
	return map[domain.EntityType]Table{
		domain.EntityProject:       {Name: "projects", IDField: "id"},
		domain.EntityService:       {Name: "services", IDField: "id", ParentField: "project_id"},
		domain.EntityRoom:          {Name: "rooms", IDField: "id", ParentField: "service_id", ServiceField: "service_id"},
		domain.EntityChecklistItem: {Name: "checklist_items", IDField: "id", ParentField: "service_id", ServiceField: "service_id"},
		domain.EntityPoint:         {Name: "points", IDField: "id", ParentField: "room_id"},
		domain.EntityPhoto:         {Name: "photos", IDField: "id", ParentField: "parent_id"},
	}
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RateLimit  float64
	Burst      int
	Tables     map[domain.EntityType]Table
	HTTPClient *http.Client
}

// Client implements app.RemoteAPI.
type Client struct {
	base    *url.URL
	token   string
	tables  map[domain.EntityType]Table
	http    *http.Client
	limiter *rate.Limiter
}

// StatusError reports a non-success response. It unwraps to app.ErrTransient or
// app.ErrRejected.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

// Error returns the error message.
func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// Unwrap returns the error class for the status code.
func (e *StatusError) Unwrap() error {
	if Retryable(e.StatusCode) {
		return app.ErrTransient
	}
	return app.ErrRejected
}

// Retryable reports whether a status code is worth retrying.
func Retryable(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("remote base url is required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote base url %q must be http or https", raw)
	}
	tables := DefaultTables()
	for entityType, table := range cfg.Tables {
		merged := tables[entityType]
		if table.Name != "" {
			merged.Name = table.Name
		}
		if table.IDField != "" {
			merged.IDField = table.IDField
		}
		if table.ParentField != "" {
			merged.ParentField = table.ParentField
		}
		if table.ServiceField != "" {
			merged.ServiceField = table.ServiceField
		}
		tables[entityType] = merged
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		base:    base,
		token:   strings.TrimSpace(cfg.Token),
		tables:  tables,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// Create posts a new record and returns the server-assigned id.
func (c *Client) Create(ctx context.Context, req app.CreateRequest) (string, error) {
	table, err := c.table(req.EntityType)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(c.outgoing(table, req.Payload, req.ParentServerID))
	if err != nil {
		return "", fmt.Errorf("%w: encode payload: %v", app.ErrRejected, err)
	}
	resp, err := c.do(ctx, http.MethodPost, c.recordsPath(table), nil, bytes.NewReader(body), "application/json", req.LocalID)
	if err != nil {
		return "", err
	}
	return extractID(resp, table.IDField)
}

// Update sends a field diff for an existing record.
func (c *Client) Update(ctx context.Context, entityType domain.EntityType, serverID string, payload domain.Payload) error {
	table, err := c.table(entityType)
	if err != nil {
		return err
	}
	if strings.TrimSpace(serverID) == "" {
		return fmt.Errorf("%w: update without server id", app.ErrRejected)
	}
	body, err := json.Marshal(c.outgoing(table, payload, ""))
	if err != nil {
		return fmt.Errorf("%w: encode payload: %v", app.ErrRejected, err)
	}
	_, err = c.do(ctx, http.MethodPut, c.recordPath(table, serverID), nil, bytes.NewReader(body), "application/json", "")
	return err
}

// Delete removes a record. A record that is already gone counts as deleted.
func (c *Client) Delete(ctx context.Context, entityType domain.EntityType, serverID string) error {
	table, err := c.table(entityType)
	if err != nil {
		return err
	}
	if strings.TrimSpace(serverID) == "" {
		return fmt.Errorf("%w: delete without server id", app.ErrRejected)
	}
	_, err = c.do(ctx, http.MethodDelete, c.recordPath(table, serverID), nil, nil, "", "")
	var statusErr *StatusError
	if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusNotFound || statusErr.StatusCode == http.StatusGone) {
		return nil
	}
	return err
}

// UploadPhoto posts a photo record as multipart form data with the image bytes
// in a "file" part.
func (c *Client) UploadPhoto(ctx context.Context, upload app.PhotoUpload) (string, error) {
	table, err := c.table(upload.EntityType)
	if err != nil {
		return "", err
	}
	if upload.Content == nil {
		return "", fmt.Errorf("%w: photo upload without content", app.ErrRejected)
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	for key, value := range c.outgoing(table, upload.Payload, upload.ParentServerID) {
		field := domain.Payload{key: value}.String(key)
		if err := form.WriteField(key, field); err != nil {
			return "", fmt.Errorf("write form field %s: %w", key, err)
		}
	}
	fileName := strings.TrimSpace(upload.FileName)
	if fileName == "" {
		fileName = upload.LocalID + ".jpg"
	}
	contentType := strings.TrimSpace(upload.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName))
	header.Set("Content-Type", contentType)
	part, err := form.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, upload.Content); err != nil {
		return "", fmt.Errorf("read photo content: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("close multipart form: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.recordsPath(table), nil, &buf, form.FormDataContentType(), upload.LocalID)
	if err != nil {
		return "", err
	}
	return extractID(resp, table.IDField)
}

// FetchRecord reads one record.
func (c *Client) FetchRecord(ctx context.Context, entityType domain.EntityType, serverID string) (app.RemoteRecord, error) {
	table, err := c.table(entityType)
	if err != nil {
		return app.RemoteRecord{}, err
	}
	resp, err := c.do(ctx, http.MethodGet, c.recordPath(table, serverID), nil, nil, "", "")
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return app.RemoteRecord{}, fmt.Errorf("%s %s: %w", entityType, serverID, app.ErrNotFound)
		}
		return app.RemoteRecord{}, err
	}
	obj := gjson.ParseBytes(resp)
	if result := obj.Get("Result"); result.Exists() {
		obj = result
	}
	if obj.IsArray() {
		obj = obj.Get("0")
	}
	if !obj.IsObject() {
		return app.RemoteRecord{}, fmt.Errorf("%w: %s %s: unexpected record body", app.ErrRejected, entityType, serverID)
	}
	rec, err := toRemoteRecord(entityType, table, obj)
	if err != nil {
		return app.RemoteRecord{}, err
	}
	if rec.ServerID == "" {
		rec.ServerID = serverID
	}
	return rec, nil
}

// FetchService reads a service and every record beneath it. Tables with a service
// column are listed in one request; the rest are listed per parent.
func (c *Client) FetchService(ctx context.Context, serviceServerID string) (app.ServiceSnapshot, error) {
	service, err := c.FetchRecord(ctx, domain.EntityService, serviceServerID)
	if err != nil {
		return app.ServiceSnapshot{}, err
	}
	snapshot := app.ServiceSnapshot{ServiceServerID: serviceServerID, Records: []app.RemoteRecord{service}}
	byType := map[domain.EntityType][]string{domain.EntityService: {serviceServerID}}

	for _, entityType := range domain.EntityTypes() {
		if entityType == domain.EntityProject || entityType == domain.EntityService {
			continue
		}
		table, err := c.table(entityType)
		if err != nil {
			return app.ServiceSnapshot{}, err
		}
		var records []app.RemoteRecord
		if table.ServiceField != "" {
			records, err = c.list(ctx, entityType, table, table.ServiceField, serviceServerID)
			if err != nil {
				return app.ServiceSnapshot{}, err
			}
			for i := range records {
				if records[i].ParentServerID == "" {
					records[i].ParentServerID = serviceServerID
				}
			}
		} else if table.ParentField != "" {
			for _, parentType := range domain.ParentTypes(entityType) {
				for _, parentID := range byType[parentType] {
					children, err := c.list(ctx, entityType, table, table.ParentField, parentID)
					if err != nil {
						return app.ServiceSnapshot{}, err
					}
					records = append(records, children...)
				}
			}
		}
		seen := map[string]struct{}{}
		for _, rec := range records {
			if rec.ServerID == "" {
				continue
			}
			if _, dup := seen[rec.ServerID]; dup {
				continue
			}
			seen[rec.ServerID] = struct{}{}
			byType[entityType] = append(byType[entityType], rec.ServerID)
			snapshot.Records = append(snapshot.Records, rec)
		}
	}
	return snapshot, nil
}

// PhotoURL returns where the server serves an uploaded photo.
func (c *Client) PhotoURL(serverID string) string {
	table := c.tables[domain.EntityPhoto]
	return c.base.JoinPath(c.recordPath(table, serverID), "content").String()
}

// Ping checks the remote health endpoint.
func (c *Client) Ping(ctx context.Context, healthPath string) error {
	if healthPath == "" {
		healthPath = "/health"
	}
	_, err := c.do(ctx, http.MethodGet, healthPath, nil, nil, "", "")
	return err
}

func (c *Client) list(ctx context.Context, entityType domain.EntityType, table Table, field, value string) ([]app.RemoteRecord, error) {
	query := url.Values{"where": {field + "=" + value}}
	resp, err := c.do(ctx, http.MethodGet, c.recordsPath(table), query, nil, "", "")
	if err != nil {
		return nil, err
	}
	rows := gjson.ParseBytes(resp)
	if !rows.IsArray() {
		for _, key := range []string{"Result", "list", "records", "data"} {
			if candidate := rows.Get(key); candidate.IsArray() {
				rows = candidate
				break
			}
		}
	}
	if !rows.IsArray() {
		return nil, fmt.Errorf("%w: list %s: unexpected body", app.ErrRejected, table.Name)
	}
	out := make([]app.RemoteRecord, 0)
	var decodeErr error
	rows.ForEach(func(_, row gjson.Result) bool {
		rec, err := toRemoteRecord(entityType, table, row)
		if err != nil {
			decodeErr = err
			return false
		}
		out = append(out, rec)
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}

// do sends one request and returns the response body. Transport failures are
// transient; statuses are classified by StatusError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType, idempotencyKey string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", app.ErrTransient, err)
	}
	target := c.base.JoinPath(path)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", app.ErrRejected, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", app.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s %s: %v", app.ErrTransient, method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func (c *Client) table(entityType domain.EntityType) (Table, error) {
	table, ok := c.tables[entityType]
	if !ok || table.Name == "" {
		return Table{}, fmt.Errorf("%w: no remote table for %q", app.ErrRejected, entityType)
	}
	return table, nil
}

func (c *Client) recordsPath(table Table) string {
	return "/tables/" + url.PathEscape(table.Name) + "/records"
}

func (c *Client) recordPath(table Table, serverID string) string {
	return c.recordsPath(table) + "/" + url.PathEscape(serverID)
}

// outgoing strips client-only fields and links the parent.
func (c *Client) outgoing(table Table, payload domain.Payload, parentServerID string) domain.Payload {
	out := payload.Clone()
	delete(out, "parent_type")
	if parentServerID != "" && table.ParentField != "" {
		out[table.ParentField] = parentServerID
	}
	return out
}

// extractID finds the server id in a create response. Hosted table APIs disagree
// on where they put it.
func extractID(body []byte, idField string) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("%w: create response is not json", app.ErrRejected)
	}
	paths := make([]string, 0, 6)
	if idField != "" {
		paths = append(paths, idField, "Result.0."+idField, "Result."+idField)
	}
	paths = append(paths, "PK_ID", "id", "ID")
	for _, path := range paths {
		value := gjson.GetBytes(body, path)
		if !value.Exists() {
			continue
		}
		if id := strings.TrimSpace(value.String()); id != "" && value.Type != gjson.JSON {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: create response carries no id", app.ErrRejected)
}

func toRemoteRecord(entityType domain.EntityType, table Table, obj gjson.Result) (app.RemoteRecord, error) {
	payload := domain.Payload{}
	dec := json.NewDecoder(strings.NewReader(obj.Raw))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return app.RemoteRecord{}, fmt.Errorf("%w: decode %s record: %v", app.ErrRejected, entityType, err)
	}
	rec := app.RemoteRecord{EntityType: entityType, Payload: payload}
	idField := table.IDField
	if idField == "" {
		idField = "id"
	}
	rec.ServerID = strings.TrimSpace(obj.Get(idField).String())
	if table.ParentField != "" {
		rec.ParentServerID = strings.TrimSpace(obj.Get(table.ParentField).String())
	}
	return rec, nil
}

var _ app.RemoteAPI = (*Client)(nil)
