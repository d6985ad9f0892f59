// Package remote is the HTTP client the CLI uses to talk to a running
// cortex server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lazypower/cortex/internal/engine"
	"github.com/lazypower/cortex/internal/events"
	"github.com/lazypower/cortex/internal/graph"
	"github.com/lazypower/cortex/internal/schema"
)

const (
	defaultServerURL = "http://127.0.0.1:37778"
	httpTimeout      = 2 * time.Minute
)

// Client talks to the cortex server.
type Client struct {
	http      *http.Client
	serverURL string
}

// NewClient creates a client for serverURL. An empty serverURL falls back
// to CORTEX_URL, then http://127.0.0.1:37778.
func NewClient(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("CORTEX_URL")
	}
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: strings.TrimRight(serverURL, "/"),
	}
}

// Error is a non-2xx response.
type Error struct {
	Method string
	Path   string
	Status int
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Msg)
}

// do sends a request with an optional JSON body and decodes a JSON response
// into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", path, err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, rd)
	if err != nil {
		return fmt.Errorf("create request %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &Error{Method: method, Path: path, Status: resp.StatusCode, Msg: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, "GET", "/api/health", nil, nil) == nil
}

// AddNote ingests a note.
func (c *Client) AddNote(ctx context.Context, content, title string, tags []string) (*engine.IngestResult, error) {
	var out engine.IngestResult
	err := c.do(ctx, "POST", "/api/notes", map[string]any{
		"content": content,
		"title":   title,
		"tags":    tags,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Query runs a query.
func (c *Client) Query(ctx context.Context, req engine.QueryRequest) (*engine.QueryResult, error) {
	var out engine.QueryResult
	if err := c.do(ctx, "POST", "/api/query", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// State returns graph counts and query metrics.
func (c *Client) State(ctx context.Context) (*events.GraphState, error) {
	var out events.GraphState
	if err := c.do(ctx, "GET", "/api/state", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Adaptations returns the most recent structural changes.
func (c *Client) Adaptations(ctx context.Context, limit int) ([]events.AdaptationRecord, error) {
	var out struct {
		Adaptations []events.AdaptationRecord `json:"adaptations"`
	}
	if err := c.do(ctx, "GET", "/api/adaptations?limit="+strconv.Itoa(limit), nil, &out); err != nil {
		return nil, err
	}
	return out.Adaptations, nil
}

// Merge absorbs mergeIDs into keepID.
func (c *Client) Merge(ctx context.Context, keepID string, mergeIDs []string) (*graph.MergeResult, error) {
	var out graph.MergeResult
	err := c.do(ctx, "POST", "/api/merge", map[string]any{
		"keep_id":   keepID,
		"merge_ids": mergeIDs,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ConfirmEdge pins an edge.
func (c *Client) ConfirmEdge(ctx context.Context, edgeID string) (*graph.Edge, error) {
	var out graph.Edge
	if err := c.do(ctx, "POST", "/api/edges/"+url.PathEscape(edgeID)+"/confirm", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RejectEdge deletes an edge.
func (c *Client) RejectEdge(ctx context.Context, edgeID string) (*graph.Edge, error) {
	var out struct {
		Edge graph.Edge `json:"edge"`
	}
	if err := c.do(ctx, "POST", "/api/edges/"+url.PathEscape(edgeID)+"/reject", nil, &out); err != nil {
		return nil, err
	}
	return &out.Edge, nil
}

// Types lists the schema types.
func (c *Client) Types(ctx context.Context) ([]schema.Type, error) {
	var out struct {
		Types []schema.Type `json:"types"`
	}
	if err := c.do(ctx, "GET", "/api/schema", nil, &out); err != nil {
		return nil, err
	}
	return out.Types, nil
}

// Proposals lists schema proposals, optionally filtered by status.
func (c *Client) Proposals(ctx context.Context, status string) ([]schema.Proposal, error) {
	path := "/api/schema/proposals"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out struct {
		Proposals []schema.Proposal `json:"proposals"`
	}
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out.Proposals, nil
}

// Evolve runs one schema evolution pass on the server.
func (c *Client) Evolve(ctx context.Context) ([]schema.Proposal, error) {
	var out struct {
		Proposals []schema.Proposal `json:"proposals"`
	}
	if err := c.do(ctx, "POST", "/api/schema/evolve", nil, &out); err != nil {
		return nil, err
	}
	return out.Proposals, nil
}

// DecideProposal approves or rejects a proposal.
func (c *Client) DecideProposal(ctx context.Context, id string, approve bool) (*schema.Proposal, error) {
	action := "reject"
	if approve {
		action = "approve"
	}
	var out struct {
		Proposal schema.Proposal `json:"proposal"`
	}
	if err := c.do(ctx, "POST", "/api/schema/proposals/"+url.PathEscape(id)+"/"+action, nil, &out); err != nil {
		return nil, err
	}
	return &out.Proposal, nil
}

// Import starts an asynchronous vault import and returns the number of
// markdown files found.
func (c *Client) Import(ctx context.Context, path string, clear bool) (int, error) {
	var out struct {
		Total int `json:"total"`
	}
	if err := c.do(ctx, "POST", "/api/import/obsidian", map[string]any{"path": path, "clear": clear}, &out); err != nil {
		return 0, err
	}
	return out.Total, nil
}
