// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

package reconciler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"

	"github.com/privateaim/pod-orchestrator/api/analysis"
	"github.com/privateaim/pod-orchestrator/internal/cluster"
	"github.com/privateaim/pod-orchestrator/internal/composer"
	"github.com/privateaim/pod-orchestrator/internal/store"
)

// analysisBehavior is what the fake sidecar answers.
type analysisBehavior struct {
	mu             sync.Mutex
	unreachable    bool
	status         string
	progress       *int
	tokenRemaining int
	pushedTokens   []string
}

func (b *analysisBehavior) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /analysis/healthz", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.unreachable {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		body := map[string]any{"status": b.status, "token_remaining_time": b.tokenRemaining}
		if b.progress != nil {
			body["execution_progress"] = *b.progress
		}
		_ = json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("POST /analysis/token_refresh", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		b.mu.Lock()
		b.pushedTokens = append(b.pushedTokens, payload["token"])
		b.mu.Unlock()
	})
	return mux
}

type fakeClusterState struct {
	conditions map[string]cluster.PodCondition
	logs       []string
}

func (f *fakeClusterState) PodStatus(context.Context, string) (map[string]cluster.PodCondition, error) {
	if len(f.conditions) == 0 {
		return nil, nil
	}
	return f.conditions, nil
}

func (f *fakeClusterState) Logs(_ context.Context, name string, _ []string) ([]string, error) {
	return f.logs, nil
}

// fakeLifecycle mirrors what the real composer does to the repository, so the
// reconciler's bookkeeping can be asserted end to end.
type fakeLifecycle struct {
	repo       *store.InMemory
	calls      []string
	launchErr  error
	lastLaunch *analysis.Generation
}

func (f *fakeLifecycle) Launch(ctx context.Context, spec composer.LaunchSpec) (*analysis.Generation, error) {
	f.calls = append(f.calls, "launch")
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	count, _ := f.repo.CountGenerations(ctx, spec.AnalysisID)
	gen := &analysis.Generation{
		DeploymentName: analysis.DeploymentName(spec.AnalysisID, count+1),
		AnalysisID:     spec.AnalysisID,
		ProjectID:      spec.ProjectID,
		ImageURL:       spec.ImageURL,
		Namespace:      "flame-node",
		Status:         analysis.StatusStarted,
		RestartCounter: spec.RestartCounter,
	}
	if err := f.repo.Insert(ctx, gen); err != nil {
		return nil, err
	}
	f.lastLaunch = gen
	return gen, nil
}

func (f *fakeLifecycle) Teardown(ctx context.Context, gen *analysis.Generation, final analysis.Status) error {
	f.calls = append(f.calls, "teardown "+string(final))
	return f.repo.Apply(ctx, gen.DeploymentName, store.Update{Status: &final})
}

func (f *fakeLifecycle) RecyclePods(context.Context, *analysis.Generation) error {
	f.calls = append(f.calls, "recycle")
	return nil
}

type fakeCreds struct {
	minted  int
	revoked []string
}

func (f *fakeCreds) MintToken(context.Context, string) (string, error) {
	f.minted++
	return "fresh-token", nil
}

func (f *fakeCreds) Revoke(_ context.Context, analysisID string) error {
	f.revoked = append(f.revoked, analysisID)
	return nil
}

type reportedStatus struct {
	status   analysis.Status
	progress *int
}

type fakeHubReporter struct {
	statuses  []reportedStatus
	logs      []string
	forgotten []string
}

func (f *fakeHubReporter) ReportStatus(_ context.Context, _ string, status analysis.Status, progress *int) error {
	f.statuses = append(f.statuses, reportedStatus{status: status, progress: progress})
	return nil
}

func (f *fakeHubReporter) UploadLog(_ context.Context, _, logText string, _ bool) error {
	f.logs = append(f.logs, logText)
	return nil
}

func (f *fakeHubReporter) Forget(analysisID string) {
	f.forgotten = append(f.forgotten, analysisID)
}

type harness struct {
	reconciler *Reconciler
	behavior   *analysisBehavior
	clusterSt  *fakeClusterState
	lifecycle  *fakeLifecycle
	creds      *fakeCreds
	reporter   *fakeHubReporter
	repo       *store.InMemory
}

func newHarness(t *testing.T) *harness {
	behavior := &analysisBehavior{status: "ongoing", tokenRemaining: 3600}
	server := httptest.NewServer(behavior.handler())
	t.Cleanup(server.Close)

	repo := store.NewInMemory()
	prober := NewProber(server.Client(), func(string) string { return server.URL }, logr.Discard())
	prober.deadline = 150 * time.Millisecond
	prober.retryDelay = 20 * time.Millisecond

	clusterSt := &fakeClusterState{logs: []string{"line one\nline two"}}
	lifecycle := &fakeLifecycle{repo: repo}
	creds := &fakeCreds{}
	reporter := &fakeHubReporter{}
	r := New(repo, clusterSt, lifecycle, prober, creds, reporter, nil, 10*time.Second, logr.Discard())
	return &harness{reconciler: r, behavior: behavior, clusterSt: clusterSt,
		lifecycle: lifecycle, creds: creds, reporter: reporter, repo: repo}
}

func (h *harness) seed(g *WithT, status analysis.Status, restartCounter int, podIDs ...string) *analysis.Generation {
	gen := &analysis.Generation{
		DeploymentName: "analysis-a1-1",
		AnalysisID:     "a1",
		ProjectID:      "p1",
		ImageURL:       "harbor.example/a1:latest",
		Namespace:      "flame-node",
		Status:         status,
		RestartCounter: restartCounter,
		PodIDs:         podIDs,
	}
	g.Expect(h.repo.Insert(context.Background(), gen)).To(Succeed())
	return gen
}

func TestReconcilePromotesStartedToRunning(t *testing.T) {
	g := NewWithT(t)
	h := newHarness(t)
	progress := 30
	h.behavior.progress = &progress
	gen := h.seed(g, analysis.StatusStarted, 0, "analysis-a1-1-x")

	g.Expect(h.reconciler.Reconcile(context.Background(), gen)).To(Succeed())

	stored, err := h.repo.Get(context.Background(), "analysis-a1-1")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(stored.Status).To(Equal(analysis.StatusRunning))
	g.Expect(stored.Progress).To(HaveValue(Equal(30)))
	g.Expect(h.reporter.statuses).To(HaveLen(1))
	g.Expect(h.reporter.statuses[0].status).To(Equal(analysis.StatusRunning))
	g.Expect(h.reporter.statuses[0].progress).To(HaveValue(Equal(30)))
}

func TestReconcileSkipsHubWhenNothingChanged(t *testing.T) {
	g := NewWithT(t)
	h := newHarness(t)
	progress := 30
	h.behavior.progress = &progress
	gen := h.seed(g, analysis.StatusRunning, 0, "analysis-a1-1-x")
	gen.Progress = &progress
	g.Expect(h.repo.Apply(context.Background(), gen.DeploymentName, store.Update{Progress: &progress})).To(Succeed())

	g.Expect(h.reconciler.Reconcile(context.Background(), gen)).To(Succeed())
	g.Expect(h.reporter.statuses).To(BeEmpty())
}

func TestReconcileFinalizesFinishedAnalysis(t *testing.T) {
	g := NewWithT(t)
	h := newHarness(t)
	h.behavior.status = "finished"
	gen := h.seed(g, analysis.StatusRunning, 0, "analysis-a1-1-x")

	g.Expect(h.reconciler.Reconcile(context.Background(), gen)).To(Succeed())

	g.Expect(h.lifecycle.calls).To(ContainElement("teardown finished"))
	stored, err := h.repo.Get(context.Background(), "analysis-a1-1")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(stored.Status).To(Equal(analysis.StatusFinished))
	g.Expect(stored.Log).ToNot(BeNil())
	g.Expect(stored.Log.Analysis).To(HaveKey("analysis-a1-1"))

	g.Expect(h.reporter.statuses).To(HaveLen(1))
	g.Expect(h.reporter.statuses[0].status).To(Equal(analysis.StatusFinished))
	g.Expect(h.reporter.statuses[0].progress).To(HaveValue(Equal(100)))
	g.Expect(h.reporter.logs).To(HaveLen(1))
	g.Expect(h.creds.revoked).To(ConsistOf("a1"))
	g.Expect(h.reporter.forgotten).To(ConsistOf("a1"))
}

func TestReconcileStopRequestWinsOverRunning(t *testing.T) {
	g := NewWithT(t)
	h := newHarness(t)
	gen := h.seed(g, analysis.StatusStopping, 0, "analysis-a1-1-x")

	g.Expect(h.reconciler.Reconcile(context.Background(), gen)).To(Succeed())
	g.Expect(h.lifecycle.calls).To(ContainElement("teardown stopped"))
	stored, err := h.repo.Get(context.Background(), "analysis-a1-1")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(stored.Status).To(Equal(analysis.StatusStopped))
}

func TestReconcileRecyclesReplacedPods(t *testing.T) {
	g := NewWithT(t)
	h := newHarness(t)
	h.behavior.unreachable = true
	h.clusterSt.conditions = map[string]cluster.PodCondition{"analysis-a1-1-new": {Ready: true}}
	gen := h.seed(g, analysis.StatusRunning, 0, "analysis-a1-1-old")

	g.Expect(h.reconciler.Reconcile(context.Background(), gen)).To(Succeed())

	g.Expect(h.lifecycle.calls).To(ConsistOf("recycle"))
	stored, err := h.repo.Get(context.Background(), "analysis-a1-1")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(stored.Status).To(Equal(analysis.StatusStarted))
	g.Expect(stored.PodIDs).To(ConsistOf("analysis-a1-1-new"))
	g.Expect(stored.RestartCounter).To(Equal(1))
}

func TestReconcileGivesHealthyPodsAGraceTick(t *testing.T) {
	g := NewWithT(t)
	h := newHarness(t)
	h.behavior.unreachable = true
	h.clusterSt.conditions = map[string]cluster.PodCondition{"analysis-a1-1-x": {Ready: true}}
	gen := h.seed(g, analysis.StatusRunning, 0, "analysis-a1-1-x")

	g.Expect(h.reconciler.Reconcile(context.Background(), gen)).To(Succeed())

	g.Expect(h.lifecycle.calls).To(BeEmpty(), "first stuck tick must not restart")
	stored, err := h.repo.Get(context.Background(), "analysis-a1-1")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(stored.Status).To(Equal(analysis.StatusStuck))

	// Still unreachable on the next tick: now it is replaced.
	g.Expect(h.reconciler.Reconcile(context.Background(), stored)).To(Succeed())
	g.Expect(h.lifecycle.calls).To(ContainElements("teardown failed", "launch"))
	g.Expect(h.lifecycle.lastLaunch.DeploymentName).To(Equal("analysis-a1-2"))
	g.Expect(h.lifecycle.lastLaunch.RestartCounter).To(Equal(1))
}

func TestReconcileRestartsOnKubernetesError(t *testing.T) {
	g := NewWithT(t)
	h := newHarness(t)
	h.behavior.unreachable = true
	h.clusterSt.conditions = map[string]cluster.PodCondition{
		"analysis-a1-1-x": {Ready: false, Reason: "ImagePullBackOff"},
	}
	gen := h.seed(g, analysis.StatusStarted, 0, "analysis-a1-1-x")

	g.Expect(h.reconciler.Reconcile(context.Background(), gen)).To(Succeed())

	g.Expect(h.lifecycle.calls).To(ContainElements("teardown failed", "launch"))

	// The replaced generation is pruned into the archive with the startup
	// error stamped into its log.
	archived := h.repo.Archived("a1")
	g.Expect(archived).To(HaveLen(1))
	g.Expect(archived[0].Log).ToNot(BeNil())
	g.Expect(archived[0].Log.Analysis["analysis-a1-1"]).To(ContainSubstring(startupErrorTag))
	g.Expect(archived[0].Log.Analysis["analysis-a1-1"]).To(ContainSubstring("KubernetesApiError: ImagePullBackOff."))

	// The same line goes to the hub so the analyst sees why the run bounced.
	g.Expect(h.reporter.logs).To(HaveLen(1))
	g.Expect(h.reporter.logs[0]).To(ContainSubstring("KubernetesApiError: ImagePullBackOff."))

	gens, err := h.repo.ListByAnalysis(context.Background(), "a1")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(gens).To(HaveLen(1))
	g.Expect(gens[0].DeploymentName).To(Equal("analysis-a1-2"))
}

func TestReconcileReplacesSelfReportedStuckAnalysis(t *testing.T) {
	g := NewWithT(t)
	h := newHarness(t)
	h.behavior.status = "stuck"
	h.clusterSt.conditions = map[string]cluster.PodCondition{"analysis-a1-1-x": {Ready: true}}
	gen := h.seed(g, analysis.StatusRunning, 0, "analysis-a1-1-x")

	g.Expect(h.reconciler.Reconcile(context.Background(), gen)).To(Succeed())

	// A reachable analysis declaring itself stuck gets no grace tick.
	g.Expect(h.lifecycle.calls).To(ContainElements("teardown failed", "launch"))
	g.Expect(h.reporter.logs).To(HaveLen(1))
	g.Expect(h.reporter.logs[0]).ToNot(ContainSubstring("KubernetesApiError"))
}

func TestReconcileStopsRestartingAtBudget(t *testing.T) {
	g := NewWithT(t)
	h := newHarness(t)
	h.behavior.unreachable = true
	h.clusterSt.conditions = map[string]cluster.PodCondition{
		"analysis-a1-1-x": {Ready: false, Reason: "CrashLoopBackOff"},
	}
	gen := h.seed(g, analysis.StatusStuck, analysis.MaxRestarts, "analysis-a1-1-x")

	g.Expect(h.reconciler.Reconcile(context.Background(), gen)).To(Succeed())

	g.Expect(h.lifecycle.calls).ToNot(ContainElement("launch"))
	g.Expect(h.lifecycle.calls).To(ContainElement("teardown failed"))
	g.Expect(h.reporter.statuses).To(HaveLen(1))
	g.Expect(h.reporter.statuses[0].status).To(Equal(analysis.StatusFailed))
	g.Expect(h.creds.revoked).To(ConsistOf("a1"))

	// Exhaustion leaves the same startup error trail a restart would, in the
	// stored log and at the hub.
	g.Expect(h.reporter.logs[0]).To(ContainSubstring(startupErrorTag))
	g.Expect(h.reporter.logs[0]).To(ContainSubstring("KubernetesApiError: CrashLoopBackOff."))
	stored, err := h.repo.Get(context.Background(), "analysis-a1-1")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(stored.Log.Analysis["analysis-a1-1"]).To(ContainSubstring(startupErrorTag))
}

func TestReconcileBudgetGatesPodDriftRecycle(t *testing.T) {
	g := NewWithT(t)
	h := newHarness(t)
	h.behavior.unreachable = true
	h.clusterSt.conditions = map[string]cluster.PodCondition{"analysis-a1-1-new": {Ready: true}}
	gen := h.seed(g, analysis.StatusRunning, analysis.MaxRestarts, "analysis-a1-1-old")

	g.Expect(h.reconciler.Reconcile(context.Background(), gen)).To(Succeed())

	// Recycling bumps the counter too, so at the cap even replaced pods must
	// not bring up another generation.
	g.Expect(h.lifecycle.calls).ToNot(ContainElement("recycle"))
	g.Expect(h.lifecycle.calls).ToNot(ContainElement("launch"))
	g.Expect(h.lifecycle.calls).To(ContainElement("teardown failed"))
	stored, err := h.repo.Get(context.Background(), "analysis-a1-1")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(stored.Status).To(Equal(analysis.StatusFailed))
	g.Expect(stored.RestartCounter).To(Equal(analysis.MaxRestarts))
}

func TestReconcileFailsOnUnknownInternalStatus(t *testing.T) {
	g := NewWithT(t)
	h := newHarness(t)
	h.behavior.status = "initializing"
	gen := h.seed(g, analysis.StatusRunning, 0, "analysis-a1-1-x")

	g.Expect(h.reconciler.Reconcile(context.Background(), gen)).To(Succeed())

	g.Expect(h.lifecycle.calls).To(ContainElement("teardown failed"))
	stored, err := h.repo.Get(context.Background(), "analysis-a1-1")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(stored.Status).To(Equal(analysis.StatusFailed))
}

func TestReconcileRefreshesExpiringToken(t *testing.T) {
	g := NewWithT(t)
	h := newHarness(t)
	h.behavior.tokenRemaining = 5
	gen := h.seed(g, analysis.StatusRunning, 0, "analysis-a1-1-x")

	g.Expect(h.reconciler.Reconcile(context.Background(), gen)).To(Succeed())
	g.Expect(h.creds.minted).To(Equal(1))
	g.Expect(h.behavior.pushedTokens).To(ConsistOf("fresh-token"))
}

func TestReconcileRefreshesExpiredToken(t *testing.T) {
	g := NewWithT(t)
	h := newHarness(t)
	h.behavior.tokenRemaining = 0
	gen := h.seed(g, analysis.StatusRunning, 0, "analysis-a1-1-x")

	g.Expect(h.reconciler.Reconcile(context.Background(), gen)).To(Succeed())
	g.Expect(h.creds.minted).To(Equal(1), "an already expired token must still be replaced")
	g.Expect(h.behavior.pushedTokens).To(ConsistOf("fresh-token"))
}

func TestReconcileLeavesFreshTokenAlone(t *testing.T) {
	g := NewWithT(t)
	h := newHarness(t)
	h.behavior.tokenRemaining = 3600
	gen := h.seed(g, analysis.StatusRunning, 0, "analysis-a1-1-x")

	g.Expect(h.reconciler.Reconcile(context.Background(), gen)).To(Succeed())
	g.Expect(h.creds.minted).To(BeZero())
}

func TestHealthyRequiresARecentTick(t *testing.T) {
	g := NewWithT(t)
	h := newHarness(t)
	g.Expect(h.reconciler.Healthy()).To(BeFalse())
	h.reconciler.tick(context.Background())
	g.Expect(h.reconciler.Healthy()).To(BeTrue())
}
