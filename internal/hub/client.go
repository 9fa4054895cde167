// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker/v2"

	"github.com/privateaim/pod-orchestrator/api/analysis"
)

// RunStatus is a run state the hub understands.
type RunStatus string

// MapStatus translates an orchestrator status to the hub's vocabulary. The
// hub has no notion of a stuck analysis, so stuck is reported as failed.
func MapStatus(s analysis.Status) RunStatus {
	if s == analysis.StatusStuck {
		return RunStatus(analysis.StatusFailed)
	}
	return RunStatus(s)
}

// Client talks to the hub core API with robot credentials. All calls go
// through a circuit breaker so a hub outage degrades reporting instead of
// stalling the reconciler.
type Client struct {
	baseURL string
	tokens  *robotTokenSource
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	log     logr.Logger
}

// NewClient builds a hub client. coreURL and authURL address the hub core
// API and its auth service.
func NewClient(coreURL, authURL, robotID, robotSecret string, httpClient *http.Client, log logr.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(coreURL, "/"),
		tokens:  newRobotTokenSource(authURL, robotID, robotSecret, httpClient),
		http:    httpClient,
		breaker: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:    "hub",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		log: log.WithName("hub"),
	}
}

type collection struct {
	Data []json.RawMessage `json:"data"`
}

type entity struct {
	ID string `json:"id"`
}

// ResolveNode returns the hub id of the node registered for our robot
// account.
func (c *Client) ResolveNode(ctx context.Context, robotID string) (string, error) {
	query := url.Values{}
	query.Set("filter[robot_id]", robotID)
	raw, err := c.call(ctx, http.MethodGet, "/nodes?"+query.Encode(), nil)
	if err != nil {
		return "", err
	}
	return firstID(raw, "node for robot "+robotID)
}

// ResolveAnalysisNode returns the hub id of the analysis-node pairing of an
// analysis with our node.
func (c *Client) ResolveAnalysisNode(ctx context.Context, analysisID, nodeID string) (string, error) {
	query := url.Values{}
	query.Set("filter[analysis_id]", analysisID)
	query.Set("filter[node_id]", nodeID)
	raw, err := c.call(ctx, http.MethodGet, "/analysis-nodes?"+query.Encode(), nil)
	if err != nil {
		return "", err
	}
	return firstID(raw, fmt.Sprintf("analysis-node for %s on %s", analysisID, nodeID))
}

// UpdateRunStatus reports the run status of an analysis-node pairing,
// optionally with execution progress (0-100).
func (c *Client) UpdateRunStatus(ctx context.Context, analysisNodeID string, status RunStatus, progress *int) error {
	body := map[string]any{"run_status": status}
	if progress != nil {
		body["execution_progress"] = *progress
	}
	_, err := c.call(ctx, http.MethodPost, "/analysis-nodes/"+analysisNodeID, body)
	return err
}

// LogEntry is one log record in the hub's wire format.
type LogEntry struct {
	Status    string
	Level     string
	Message   string
	Error     bool
	ErrorCode string
}

// PostLog uploads one log record for an analysis on our node.
func (c *Client) PostLog(ctx context.Context, analysisID, nodeID string, entry LogEntry) error {
	body := map[string]any{
		"analysis_id": analysisID,
		"node_id":     nodeID,
		"status":      entry.Status,
		"level":       entry.Level,
		"message":     entry.Message,
	}
	if entry.Error {
		body["error"] = true
		body["error_code"] = entry.ErrorCode
	}
	_, err := c.call(ctx, http.MethodPost, "/analysis-node-logs", body)
	return err
}

func firstID(raw []byte, what string) (string, error) {
	var coll collection
	if err := json.Unmarshal(raw, &coll); err != nil {
		return "", fmt.Errorf("failed to decode hub collection: %w", err)
	}
	if len(coll.Data) == 0 {
		return "", fmt.Errorf("hub knows no %s", what)
	}
	var e entity
	if err := json.Unmarshal(coll.Data[0], &e); err != nil {
		return "", fmt.Errorf("failed to decode hub entity: %w", err)
	}
	return e.ID, nil
}

// call performs one authenticated request through the breaker, retrying once
// with a fresh token on 401.
func (c *Client) call(ctx context.Context, method, path string, body any) ([]byte, error) {
	return c.breaker.Execute(func() ([]byte, error) {
		raw, status, err := c.do(ctx, method, path, body)
		if status == http.StatusUnauthorized {
			c.tokens.invalidate()
			raw, status, err = c.do(ctx, method, path, body)
		}
		if err != nil {
			return nil, err
		}
		if status >= 300 {
			return nil, fmt.Errorf("hub request %s %s returned %d: %s", method, path, status, string(raw))
		}
		return raw, nil
	})
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, 0, err
	}
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to encode hub request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build hub request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("hub request %s %s failed: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read hub response: %w", err)
	}
	return raw, resp.StatusCode, nil
}
