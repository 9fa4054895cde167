// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/privateaim/pod-orchestrator/api/analysis"
	"github.com/privateaim/pod-orchestrator/internal/util"
)

const (
	resolveAttempts = 3
	resolveBackOff  = 2 * time.Second
)

// Reporter resolves and caches the hub-side ids needed to report on an
// analysis. Resolution results are cached per analysis; a failed report drops
// the cache entry so the next attempt re-resolves from scratch.
type Reporter struct {
	client  *Client
	robotID string
	log     logr.Logger

	// resolve retry knobs, shrunk by tests
	attempts int
	backOff  time.Duration

	mu            sync.Mutex
	nodeID        string
	analysisNodes map[string]string
}

func NewReporter(client *Client, robotID string, log logr.Logger) *Reporter {
	return &Reporter{
		client:        client,
		robotID:       robotID,
		log:           log.WithName("hub-reporter"),
		attempts:      resolveAttempts,
		backOff:       resolveBackOff,
		analysisNodes: map[string]string{},
	}
}

// ReportStatus pushes the current run status of an analysis to the hub.
func (r *Reporter) ReportStatus(ctx context.Context, analysisID string, status analysis.Status, progress *int) error {
	id, err := r.analysisNodeID(ctx, analysisID)
	if err != nil {
		return err
	}
	if err := r.client.UpdateRunStatus(ctx, id, MapStatus(status), progress); err != nil {
		r.forget(analysisID)
		return err
	}
	return nil
}

// UploadLog pushes a captured log blob to the hub. Error uploads carry the
// startup_error code so the hub surfaces them to the analyst.
func (r *Reporter) UploadLog(ctx context.Context, analysisID, logText string, isError bool) error {
	nodeID, err := r.resolveNodeID(ctx)
	if err != nil {
		return err
	}
	entry := LogEntry{Status: string(analysis.StatusFinished), Level: "info", Message: logText}
	if isError {
		entry = LogEntry{
			Status:    string(analysis.StatusFailed),
			Level:     "error",
			Message:   logText,
			Error:     true,
			ErrorCode: "startup_error",
		}
	}
	return r.client.PostLog(ctx, analysisID, nodeID, entry)
}

// Forget drops the cached pairing of a finished analysis.
func (r *Reporter) Forget(analysisID string) {
	r.forget(analysisID)
}

func (r *Reporter) forget(analysisID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.analysisNodes, analysisID)
}

// resolveNodeID resolves and caches the hub id of our own node. A transient
// hub hiccup here would otherwise drop a report, hence the retry.
func (r *Reporter) resolveNodeID(ctx context.Context) (string, error) {
	r.mu.Lock()
	nodeID := r.nodeID
	r.mu.Unlock()
	if nodeID != "" {
		return nodeID, nil
	}
	result := util.Retry(ctx, "resolve hub node", func() (string, error) {
		return r.client.ResolveNode(ctx, r.robotID)
	}, r.attempts, r.backOff, util.AlwaysRetry)
	if result.Err != nil {
		return "", result.Err
	}
	r.mu.Lock()
	r.nodeID = result.Value
	r.mu.Unlock()
	return result.Value, nil
}

func (r *Reporter) analysisNodeID(ctx context.Context, analysisID string) (string, error) {
	r.mu.Lock()
	if id, ok := r.analysisNodes[analysisID]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	nodeID, err := r.resolveNodeID(ctx)
	if err != nil {
		return "", err
	}
	result := util.Retry(ctx, "resolve hub analysis node", func() (string, error) {
		return r.client.ResolveAnalysisNode(ctx, analysisID, nodeID)
	}, r.attempts, r.backOff, util.AlwaysRetry)
	if result.Err != nil {
		return "", result.Err
	}
	id := result.Value

	r.mu.Lock()
	r.analysisNodes[analysisID] = id
	r.mu.Unlock()
	return id, nil
}
