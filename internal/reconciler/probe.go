// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package reconciler drives every live analysis towards its target state on a
// fixed tick: it probes the analysis through its sidecar, compares the answer
// with the repository and applies the resulting action.
package reconciler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"github.com/privateaim/pod-orchestrator/api/analysis"
	"github.com/privateaim/pod-orchestrator/internal/cluster"
)

const (
	// probeDeadline bounds one internal status probe including retries.
	probeDeadline = 10 * time.Second
	// probeRetryDelay is the pause between probe attempts within the
	// deadline.
	probeRetryDelay = time.Second
)

// ProbeResult is the internal status of an analysis as reported by its own
// healthz endpoint. Reachable is false when the endpoint did not answer
// within the probe deadline.
type ProbeResult struct {
	Reachable      bool
	Status         analysis.Status
	Progress       *int
	TokenRemaining time.Duration
}

// AddrFn resolves the base URL of a generation's sidecar.
type AddrFn func(deploymentName string) string

// SidecarAddr is the in-cluster AddrFn.
func SidecarAddr(deploymentName string) string {
	return "http://" + cluster.NginxName(deploymentName)
}

// Prober asks analyses for their internal status.
type Prober struct {
	http       *http.Client
	addr       AddrFn
	log        logr.Logger
	deadline   time.Duration
	retryDelay time.Duration
}

func NewProber(httpClient *http.Client, addr AddrFn, log logr.Logger) *Prober {
	return &Prober{
		http:       httpClient,
		addr:       addr,
		log:        log.WithName("prober"),
		deadline:   probeDeadline,
		retryDelay: probeRetryDelay,
	}
}

// healthzResponse is the body of GET /analysis/healthz.
type healthzResponse struct {
	Status             string `json:"status"`
	TokenRemainingTime int    `json:"token_remaining_time"`
	ExecutionProgress  *int   `json:"execution_progress,omitempty"`
}

// Probe polls the analysis healthz endpoint until it answers or the deadline
// expires.
func (p *Prober) Probe(ctx context.Context, deploymentName string) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()
	for {
		result, err := p.probeOnce(ctx, deploymentName)
		if err == nil {
			return result
		}
		p.log.V(4).Info("probe attempt failed", "deployment", deploymentName, "error", err.Error())
		select {
		case <-ctx.Done():
			return ProbeResult{Reachable: false}
		case <-time.After(p.retryDelay):
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context, deploymentName string) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.addr(deploymentName)+"/analysis/healthz", nil)
	if err != nil {
		return ProbeResult{}, err
	}
	// Sidecar connections are not reused: the pod behind the service may be
	// replaced between ticks.
	req.Close = true
	resp, err := p.http.Do(req)
	if err != nil {
		return ProbeResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return ProbeResult{}, fmt.Errorf("healthz returned %d", resp.StatusCode)
	}
	var body healthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ProbeResult{}, fmt.Errorf("failed to decode healthz response: %w", err)
	}
	return ProbeResult{
		Reachable:      true,
		Status:         normalizeInternalStatus(body.Status),
		Progress:       body.ExecutionProgress,
		TokenRemaining: time.Duration(body.TokenRemainingTime) * time.Second,
	}, nil
}

// normalizeInternalStatus maps the analysis container's vocabulary onto ours.
func normalizeInternalStatus(s string) analysis.Status {
	switch s {
	case "ongoing", "running":
		return analysis.StatusRunning
	case "finished":
		return analysis.StatusFinished
	case "failed":
		return analysis.StatusFailed
	case "stuck":
		return analysis.StatusStuck
	default:
		// Unknown vocabulary means the analysis is off script; treat it as
		// failed rather than guessing it is healthy.
		return analysis.StatusFailed
	}
}

// PushToken hands a freshly minted token to the analysis before the current
// one expires.
func (p *Prober) PushToken(ctx context.Context, deploymentName, token string) error {
	payload, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return fmt.Errorf("failed to encode token refresh: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.addr(deploymentName)+"/analysis/token_refresh", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Close = true
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("token refresh for %s failed: %w", deploymentName, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("token refresh for %s returned %d", deploymentName, resp.StatusCode)
	}
	return nil
}
