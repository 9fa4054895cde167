// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

package reconciler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"

	"github.com/privateaim/pod-orchestrator/api/analysis"
)

func newTestProber(t *testing.T, handler http.HandlerFunc) *Prober {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	p := NewProber(server.Client(), func(string) string { return server.URL }, logr.Discard())
	p.deadline = 200 * time.Millisecond
	p.retryDelay = 20 * time.Millisecond
	return p
}

func TestProbeParsesHealthz(t *testing.T) {
	g := NewWithT(t)
	progress := 70
	p := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
		g.Expect(r.URL.Path).To(Equal("/analysis/healthz"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":               "ongoing",
			"token_remaining_time": 120,
			"execution_progress":   progress,
		})
	})

	result := p.Probe(context.Background(), "analysis-a1-1")
	g.Expect(result.Reachable).To(BeTrue())
	g.Expect(result.Status).To(Equal(analysis.StatusRunning))
	g.Expect(result.TokenRemaining).To(Equal(2 * time.Minute))
	g.Expect(result.Progress).To(HaveValue(Equal(70)))
}

func TestProbeNormalizesStatusVocabulary(t *testing.T) {
	g := NewWithT(t)
	g.Expect(normalizeInternalStatus("ongoing")).To(Equal(analysis.StatusRunning))
	g.Expect(normalizeInternalStatus("stuck")).To(Equal(analysis.StatusStuck))
	g.Expect(normalizeInternalStatus("failed")).To(Equal(analysis.StatusFailed))
	g.Expect(normalizeInternalStatus("something-new")).To(Equal(analysis.StatusFailed))
}

func TestProbeRetriesUntilAnswer(t *testing.T) {
	g := NewWithT(t)
	var attempts atomic.Int32
	p := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "finished"})
	})

	result := p.Probe(context.Background(), "analysis-a1-1")
	g.Expect(result.Reachable).To(BeTrue())
	g.Expect(result.Status).To(Equal(analysis.StatusFinished))
	g.Expect(attempts.Load()).To(BeNumerically(">=", 3))
}

func TestProbeGivesUpAtDeadline(t *testing.T) {
	g := NewWithT(t)
	p := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	start := time.Now()
	result := p.Probe(context.Background(), "analysis-a1-1")
	g.Expect(result.Reachable).To(BeFalse())
	g.Expect(time.Since(start)).To(BeNumerically("<", time.Second))
}

func TestPushToken(t *testing.T) {
	g := NewWithT(t)
	var got map[string]string
	p := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
		g.Expect(r.Method).To(Equal(http.MethodPost))
		g.Expect(r.URL.Path).To(Equal("/analysis/token_refresh"))
		_ = json.NewDecoder(r.Body).Decode(&got)
	})

	g.Expect(p.PushToken(context.Background(), "analysis-a1-1", "fresh")).To(Succeed())
	g.Expect(got).To(HaveKeyWithValue("token", "fresh"))
}
