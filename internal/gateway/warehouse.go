// Package gateway is the uniform interface to the external data system:
// table discovery, schema description, and query execution, with bounded
// retries and typed recoverable/fatal errors.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ResultSet is a tabular query result.
type ResultSet struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// Empty reports whether the result carries no rows.
func (r *ResultSet) Empty() bool {
	return r == nil || len(r.Rows) == 0
}

// Column describes one column of a table schema.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableSchema is the described structure of a warehouse table.
type TableSchema struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Warehouse is the external data system capability: enumerate, describe,
// query. Implementations must be safe for concurrent use and stateless
// across calls — re-issuing the same query is always safe.
type Warehouse interface {
	ListTables(ctx context.Context) ([]string, error)
	DescribeTable(ctx context.Context, name string) (*TableSchema, error)
	RunQuery(ctx context.Context, sql string) (*ResultSet, error)
}

// HTTPWarehouseConfig configures the JSON-over-HTTP warehouse client.
type HTTPWarehouseConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPWarehouse reaches the data system over its JSON HTTP boundary.
// Transient transport failures are retried with backoff; a failure after
// exhausting retries surfaces as a fatal ToolError.
type HTTPWarehouse struct {
	cfg    HTTPWarehouseConfig
	logger *zap.Logger
	http   *http.Client
}

// NewHTTPWarehouse creates a warehouse client.
func NewHTTPWarehouse(cfg HTTPWarehouseConfig) *HTTPWarehouse {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPWarehouse{cfg: cfg, logger: logger, http: httpClient}
}

// ListTables enumerates available tables.
func (w *HTTPWarehouse) ListTables(ctx context.Context) ([]string, error) {
	var body struct {
		Tables []string `json:"tables"`
	}
	if err := w.do(ctx, http.MethodGet, "/tables", nil, &body); err != nil {
		return nil, err
	}
	return body.Tables, nil
}

// DescribeTable fetches a table's schema.
func (w *HTTPWarehouse) DescribeTable(ctx context.Context, name string) (*TableSchema, error) {
	if name == "" {
		return nil, &ToolError{Kind: KindBadInput, Message: "table name is required"}
	}
	var schema TableSchema
	if err := w.do(ctx, http.MethodGet, "/tables/"+name, nil, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

// RunQuery executes SQL and returns the tabular result.
func (w *HTTPWarehouse) RunQuery(ctx context.Context, sql string) (*ResultSet, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, &ToolError{Kind: KindBadInput, Message: "query is required"}
	}
	var rs ResultSet
	if err := w.do(ctx, http.MethodPost, "/query", map[string]string{"sql": sql}, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

// do issues one request with bounded retries on transient failures.
// 4xx responses are caller mistakes and never retried.
func (w *HTTPWarehouse) do(ctx context.Context, method, path string, payload, out any) error {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return &ToolError{Kind: KindBadInput, Message: err.Error()}
		}
	}

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return &ToolError{Kind: KindUnavailable, Message: ctx.Err().Error()}
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := w.once(ctx, method, path, data, out)
		if err == nil {
			return nil
		}
		var te *ToolError
		if errors.As(err, &te) && te.Kind != KindUnavailable {
			// Caller mistakes don't heal on retry.
			return err
		}
		lastErr = err
		w.logger.Warn("warehouse call failed",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return AsToolError(lastErr)
}

func (w *HTTPWarehouse) once(ctx context.Context, method, path string, data []byte, out any) error {
	var body io.Reader
	if data != nil {
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, w.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("warehouse unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(raw, &apiErr); err != nil || apiErr.Error == "" {
			apiErr.Error = fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return classifyAPIError(resp.StatusCode, apiErr.Kind, apiErr.Error)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("warehouse response decode failed: %w", err)
	}
	return nil
}

// classifyAPIError maps a warehouse error onto the ToolError taxonomy.
// Serialization/cast failures become type-mismatch errors whose message
// tells the planner how to repair the query.
func classifyAPIError(status int, kind, message string) error {
	lower := strings.ToLower(message)
	switch {
	case kind == "type_mismatch" || strings.Contains(lower, "not json serializable") ||
		strings.Contains(lower, "cast") && strings.Contains(lower, "datetime"):
		return &ToolError{
			Kind: KindTypeMismatch,
			Message: message + " — cast datetime columns to STRING in the query " +
				"(e.g. SELECT CAST(created_at AS STRING) AS created_at)",
		}
	case kind == "too_large" || status == http.StatusRequestEntityTooLarge:
		return &ToolError{Kind: KindTooLarge, Message: message}
	case status >= 500:
		return &ToolError{Kind: KindUnavailable, Message: message}
	default:
		return &ToolError{Kind: KindBadInput, Message: message}
	}
}
