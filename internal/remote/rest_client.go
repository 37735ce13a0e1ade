package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/TheMichaelB/jobsync/internal/config"
	"github.com/TheMichaelB/jobsync/internal/events"
)

// RESTClient is a Store speaking the PostgREST dialect over HTTPS.
type RESTClient struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	userAgent string
	logger    *events.Logger

	mu    sync.RWMutex
	token string
}

// NewRESTClient creates a REST remote store.
func NewRESTClient(cfg *config.RemoteConfig, logger *events.Logger) *RESTClient {
	// Create transport with HTTP/2 support
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &RESTClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		userAgent: cfg.UserAgent,
		logger:    logger.WithField("component", "rest_client"),
	}
}

// SetToken sets the bearer token sent with every request.
func (c *RESTClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *RESTClient) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token != "" {
		return c.token
	}
	return c.apiKey
}

// Select implements Store.
func (c *RESTClient) Select(ctx context.Context, table string, q Query) ([]Row, error) {
	params := url.Values{}
	params.Set("select", "*")
	for _, f := range q.Filters {
		params.Add(f.Column, "eq."+formatValue(f.Value))
	}
	if q.OrderBy != "" {
		dir := "asc"
		if q.Desc {
			dir = "desc"
		}
		params.Set("order", q.OrderBy+"."+dir)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	var rows []Row
	if err := c.do(ctx, http.MethodGet, table, params, nil, "", &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Insert implements Store.
func (c *RESTClient) Insert(ctx context.Context, table string, rows []Row) ([]Row, error) {
	var out []Row
	err := c.do(ctx, http.MethodPost, table, nil, rows, "return=representation", &out)
	return out, err
}

// Upsert implements Store.
func (c *RESTClient) Upsert(ctx context.Context, table string, rows []Row, onConflict string) ([]Row, error) {
	params := url.Values{}
	params.Set("on_conflict", onConflict)

	var out []Row
	err := c.do(ctx, http.MethodPost, table, params, rows,
		"resolution=merge-duplicates,return=representation", &out)
	return out, err
}

// Update implements Store.
func (c *RESTClient) Update(ctx context.Context, table, id string, userID int64, row Row) error {
	return c.do(ctx, http.MethodPatch, table, ownerParams(id, userID), row, "return=minimal", nil)
}

// Delete implements Store.
func (c *RESTClient) Delete(ctx context.Context, table, id string, userID int64) error {
	return c.do(ctx, http.MethodDelete, table, ownerParams(id, userID), nil, "return=minimal", nil)
}

func ownerParams(id string, userID int64) url.Values {
	params := url.Values{}
	params.Set("id", "eq."+id)
	params.Set("user_id", "eq."+strconv.FormatInt(userID, 10))
	return params
}

// do executes a single request. Retrying is left to the caller.
func (c *RESTClient) do(ctx context.Context, method, table string, params url.Values, payload interface{}, prefer string, out interface{}) error {
	endpoint := c.baseURL + "/" + url.PathEscape(table)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var body io.Reader
	var size int
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
		size = len(data)
	}

	c.logger.WithFields(map[string]interface{}{
		"method": method,
		"table":  table,
		"size":   size,
	}).Debug("Sending request")

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.logger.WithFields(map[string]interface{}{
		"status": resp.StatusCode,
		"size":   len(respBody),
	}).Debug("Received response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		if err := json.Unmarshal(respBody, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(respBody))
		}
		apiErr.Status = resp.StatusCode
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(val)
	}
}
