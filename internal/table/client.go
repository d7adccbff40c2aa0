// Package table is a client for the external relational-table service that holds
// every catalog record (tools, categories, tags, use cases, articles).
//
// The wire format follows the Airtable REST API: records live under
// {base URL}/{base id}/{table}, list calls page with an opaque offset cursor, and
// writes are limited to ten records per request.
package table

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cexll/aidir/internal/logging"
)

// maxBatch is the largest number of records accepted by one write request
const maxBatch = 10

// Config configures a Client
type Config struct {
	BaseURL    string
	BaseID     string
	APIKey     string
	RateLimit  float64 // requests per second
	HTTPClient *http.Client
	Logger     *zap.Logger

	MaxRetries   int
	InitialDelay time.Duration
}

// Client talks to the table service
type Client struct {
	baseURL      string
	baseID       string
	apiKey       string
	httpClient   *http.Client
	limiter      *rate.Limiter
	logger       *zap.Logger
	maxRetries   int
	initialDelay time.Duration
}

// Sort orders list results by a field
type Sort struct {
	Field     string
	Direction string // "asc" or "desc"
}

// ListOptions narrows a List call
type ListOptions struct {
	Filter     string // formula, e.g. `{Published} = TRUE()`
	Sort       []Sort
	Fields     []string
	View       string
	PageSize   int
	MaxRecords int
}

// New creates a table service client
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 5
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	initialDelay := cfg.InitialDelay
	if initialDelay <= 0 {
		initialDelay = defaultInitialDelay
	}

	return &Client{
		baseURL:      cfg.BaseURL,
		baseID:       cfg.BaseID,
		apiKey:       cfg.APIKey,
		httpClient:   httpClient,
		limiter:      rate.NewLimiter(rate.Limit(rps), 1),
		logger:       logging.OrNop(cfg.Logger).Named("table"),
		maxRetries:   maxRetries,
		initialDelay: initialDelay,
	}
}

type listResponse struct {
	Records []Record `json:"records"`
	Offset  string   `json:"offset"`
}

// List returns every record of table matching opts, following the offset cursor
func (c *Client) List(ctx context.Context, table string, opts ListOptions) ([]Record, error) {
	var all []Record
	offset := ""

	for {
		q := listQuery(opts)
		if offset != "" {
			q.Set("offset", offset)
		}

		var page listResponse
		if err := c.do(ctx, http.MethodGet, c.tableURL(table, "", q), nil, &page); err != nil {
			return nil, fmt.Errorf("list %s: %w", table, err)
		}
		all = append(all, page.Records...)

		if opts.MaxRecords > 0 && len(all) >= opts.MaxRecords {
			return all[:opts.MaxRecords], nil
		}
		if page.Offset == "" {
			return all, nil
		}
		offset = page.Offset
	}
}

// Get returns one record by id
func (c *Client) Get(ctx context.Context, table, id string) (*Record, error) {
	if id == "" {
		return nil, fmt.Errorf("get %s: record id is required", table)
	}
	var rec Record
	if err := c.do(ctx, http.MethodGet, c.tableURL(table, id, nil), nil, &rec); err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	return &rec, nil
}

type writeRequest struct {
	Records  []Record `json:"records"`
	Typecast bool     `json:"typecast,omitempty"`
}

type writeResponse struct {
	Records []Record `json:"records"`
}

// Create inserts records and returns them with their new ids
func (c *Client) Create(ctx context.Context, table string, fields []Fields) ([]Record, error) {
	records := make([]Record, 0, len(fields))
	for _, f := range fields {
		records = append(records, Record{Fields: f})
	}
	return c.write(ctx, http.MethodPost, table, records)
}

// Update patches the given fields of existing records; fields not named are left alone
func (c *Client) Update(ctx context.Context, table string, records []Record) ([]Record, error) {
	for _, r := range records {
		if r.ID == "" {
			return nil, fmt.Errorf("update %s: record id is required", table)
		}
	}
	return c.write(ctx, http.MethodPatch, table, records)
}

func (c *Client) write(ctx context.Context, method, table string, records []Record) ([]Record, error) {
	out := make([]Record, 0, len(records))
	for start := 0; start < len(records); start += maxBatch {
		end := start + maxBatch
		if end > len(records) {
			end = len(records)
		}

		var resp writeResponse
		req := writeRequest{Records: records[start:end], Typecast: true}
		if err := c.do(ctx, method, c.tableURL(table, "", nil), req, &resp); err != nil {
			return out, fmt.Errorf("%s %s: %w", method, table, err)
		}
		out = append(out, resp.Records...)
	}
	return out, nil
}

type deleteResponse struct {
	Records []struct {
		ID      string `json:"id"`
		Deleted bool   `json:"deleted"`
	} `json:"records"`
}

// Delete removes records by id and returns the ids the service confirmed
func (c *Client) Delete(ctx context.Context, table string, ids []string) ([]string, error) {
	deleted := make([]string, 0, len(ids))
	for start := 0; start < len(ids); start += maxBatch {
		end := start + maxBatch
		if end > len(ids) {
			end = len(ids)
		}

		q := url.Values{}
		for _, id := range ids[start:end] {
			q.Add("records[]", id)
		}

		var resp deleteResponse
		if err := c.do(ctx, http.MethodDelete, c.tableURL(table, "", q), nil, &resp); err != nil {
			return deleted, fmt.Errorf("delete %s: %w", table, err)
		}
		for _, r := range resp.Records {
			if r.Deleted {
				deleted = append(deleted, r.ID)
			}
		}
	}
	return deleted, nil
}

func (c *Client) tableURL(table, id string, q url.Values) string {
	u := c.baseURL + "/" + url.PathEscape(c.baseID) + "/" + url.PathEscape(table)
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func listQuery(opts ListOptions) url.Values {
	q := url.Values{}
	if opts.Filter != "" {
		q.Set("filterByFormula", opts.Filter)
	}
	if opts.View != "" {
		q.Set("view", opts.View)
	}
	if opts.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(opts.PageSize))
	}
	if opts.MaxRecords > 0 {
		q.Set("maxRecords", strconv.Itoa(opts.MaxRecords))
	}
	for _, f := range opts.Fields {
		q.Add("fields[]", f)
	}
	for i, s := range opts.Sort {
		q.Set(fmt.Sprintf("sort[%d][field]", i), s.Field)
		dir := s.Direction
		if dir == "" {
			dir = "asc"
		}
		q.Set(fmt.Sprintf("sort[%d][direction]", i), dir)
	}
	return q
}

func (c *Client) do(ctx context.Context, method, rawURL string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		payload = b
	}

	return retryWithBackoff(ctx, c.logger, c.maxRetries, c.initialDelay, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return fmt.Errorf("creating HTTP request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}
		defer resp.Body.Close()

		const maxBodyBytes = 10 * 1024 * 1024
		respBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return fmt.Errorf("reading response body: %w", err)
		}

		c.logger.Debug("table request",
			zap.String("method", method),
			zap.Int("status", resp.StatusCode),
			zap.Duration("duration", time.Since(start)))

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return parseAPIError(resp.StatusCode, respBytes)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(respBytes, out); err != nil {
			return fmt.Errorf("parsing response JSON: %w", err)
		}
		return nil
	})
}

// parseAPIError understands both error shapes the service returns:
// {"error":"NOT_FOUND"} and {"error":{"type":"...","message":"..."}}.
func parseAPIError(status int, body []byte) error {
	apiErr := &APIError{Status: status, Type: http.StatusText(status)}

	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Error) == 0 {
		return apiErr
	}

	var code string
	if err := json.Unmarshal(envelope.Error, &code); err == nil {
		apiErr.Type = code
		return apiErr
	}

	var detail struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(envelope.Error, &detail); err == nil {
		if detail.Type != "" {
			apiErr.Type = detail.Type
		}
		apiErr.Message = detail.Message
	}
	return apiErr
}
