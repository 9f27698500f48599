package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ekerlabs/folharvest/internal/syncer"
)

// ==========================================
// CRM REST Client
// ==========================================

// batchLimit is the API's hard cap on records per write call
const batchLimit = 10

// Client talks to the CRM's REST API. It implements syncer.Target.
type Client struct {
	config Config
	http   *http.Client
	logger *slog.Logger
}

// apiRecord is the wire shape of one record
type apiRecord struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

type listResponse struct {
	Records []apiRecord `json:"records"`
	Offset  string      `json:"offset,omitempty"`
}

type patchRequest struct {
	Records []apiRecord `json:"records"`
}

type patchResponse struct {
	Records []apiRecord `json:"records"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewClient creates a CRM client from config
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid crm config: %w", err)
	}
	if config.Token == "" {
		return nil, fmt.Errorf("crm token must not be empty")
	}
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.RequestTimeout},
		logger: logger.With("component", "crm"),
	}, nil
}

// FetchSnapshot pages through the full table and returns records keyed by
// the configured entity identifier field. Records without a key value are
// skipped; on duplicate keys the first record wins.
func (c *Client) FetchSnapshot(ctx context.Context) (map[string]syncer.TargetRecord, error) {
	snapshot := make(map[string]syncer.TargetRecord)
	offset := ""
	pages := 0

	for {
		page, err := c.listPage(ctx, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to list records (page %d): %w", pages+1, err)
		}
		pages++

		for _, rec := range page.Records {
			key := strings.TrimSpace(stringField(rec.Fields[c.config.KeyField]))
			if key == "" {
				continue
			}
			if _, exists := snapshot[key]; exists {
				c.logger.Warn("Duplicate key in target table, keeping first record",
					"key", key, "record_id", rec.ID)
				continue
			}
			snapshot[key] = syncer.TargetRecord{RecordID: rec.ID, Fields: rec.Fields}
		}

		if page.Offset == "" {
			break
		}
		offset = page.Offset
	}

	c.logger.Debug("Fetched table snapshot", "records", len(snapshot), "pages", pages)
	return snapshot, nil
}

// ApplyBatch PATCHes a group of updates in one call. The group must respect
// the API's batch cap.
func (c *Client) ApplyBatch(ctx context.Context, updates []syncer.Update) ([]syncer.ApplyResult, error) {
	if len(updates) == 0 {
		return nil, nil
	}
	if len(updates) > batchLimit {
		return nil, fmt.Errorf("batch of %d exceeds API limit of %d records", len(updates), batchLimit)
	}

	req := patchRequest{Records: make([]apiRecord, 0, len(updates))}
	for _, u := range updates {
		req.Records = append(req.Records, apiRecord{ID: u.RecordID, Fields: u.Fields})
	}

	var resp patchResponse
	if err := c.do(ctx, http.MethodPatch, c.tableURL(), req, &resp); err != nil {
		return nil, err
	}

	// The API is all-or-nothing per call: a 2xx means every record in the
	// batch was written.
	results := make([]syncer.ApplyResult, 0, len(updates))
	for _, u := range updates {
		results = append(results, syncer.ApplyResult{EntityID: u.EntityID})
	}
	return results, nil
}

func (c *Client) listPage(ctx context.Context, offset string) (*listResponse, error) {
	params := url.Values{}
	params.Set("pageSize", strconv.Itoa(c.config.PageSize))
	if offset != "" {
		params.Set("offset", offset)
	}

	var resp listResponse
	if err := c.do(ctx, http.MethodGet, c.tableURL()+"?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) tableURL() string {
	return fmt.Sprintf("%s/%s/%s",
		strings.TrimRight(c.config.BaseURL, "/"),
		url.PathEscape(c.config.BaseID),
		url.PathEscape(c.config.Table),
	)
}

// do issues one API request with retry on rate limiting and server errors.
// Client errors other than 429 are permanent.
func (c *Client) do(ctx context.Context, method, rawURL string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.config.RetryWait

	operation := func() ([]byte, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return data, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			c.logger.Warn("Rate limited by CRM API", "method", method)
			if wait := retryAfter(resp); wait > 0 {
				return nil, backoff.RetryAfter(int(wait.Seconds()))
			}
			return nil, statusError(resp.StatusCode, data)
		case resp.StatusCode >= 500:
			return nil, statusError(resp.StatusCode, data)
		default:
			return nil, backoff.Permanent(statusError(resp.StatusCode, data))
		}
	}

	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.config.MaxRetries)),
	)
	if err != nil {
		return err
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// retryAfter reads the server's Retry-After header, zero when absent
func retryAfter(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	secs, err := strconv.Atoi(h)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func statusError(code int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("crm api returned %d: %s (%s)", code, apiErr.Error.Message, apiErr.Error.Type)
	}
	return fmt.Errorf("crm api returned %d", code)
}

func stringField(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}
