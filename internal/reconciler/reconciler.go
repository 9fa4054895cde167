// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

package reconciler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/privateaim/pod-orchestrator/api/analysis"
	"github.com/privateaim/pod-orchestrator/internal/cluster"
	"github.com/privateaim/pod-orchestrator/internal/composer"
	"github.com/privateaim/pod-orchestrator/internal/store"
	"github.com/privateaim/pod-orchestrator/internal/util"
)

// startupErrorTag prefixes log lines the orchestrator itself adds to a
// generation's log when the analysis never came up.
const startupErrorTag = "[flame -- POAPI: ANALYSISSTARTUPERROR]"

// Cluster is the slice of the cluster facade the reconciler reads from.
type Cluster interface {
	PodStatus(ctx context.Context, deploymentName string) (map[string]cluster.PodCondition, error)
	Logs(ctx context.Context, name string, podIDs []string) ([]string, error)
}

// Lifecycle is the slice of the composer the reconciler drives.
type Lifecycle interface {
	Launch(ctx context.Context, spec composer.LaunchSpec) (*analysis.Generation, error)
	Teardown(ctx context.Context, gen *analysis.Generation, final analysis.Status) error
	RecyclePods(ctx context.Context, gen *analysis.Generation) error
}

// Credentials mints replacement tokens and revokes finished identities.
type Credentials interface {
	MintToken(ctx context.Context, analysisID string) (string, error)
	Revoke(ctx context.Context, analysisID string) error
}

// Reporter pushes state and logs to the hub.
type Reporter interface {
	ReportStatus(ctx context.Context, analysisID string, status analysis.Status, progress *int) error
	UploadLog(ctx context.Context, analysisID, logText string, isError bool) error
	Forget(analysisID string)
}

// Archiver copies final logs to object storage. Optional.
type Archiver interface {
	Archive(ctx context.Context, gen *analysis.Generation) error
}

// Reconciler owns the status loop.
type Reconciler struct {
	repo      store.Repository
	cluster   Cluster
	lifecycle Lifecycle
	prober    *Prober
	creds     Credentials
	reporter  Reporter
	archiver  Archiver
	interval  time.Duration
	log       logr.Logger

	lastTick atomic.Int64
}

func New(repo store.Repository, c Cluster, lifecycle Lifecycle, prober *Prober,
	creds Credentials, reporter Reporter, archiver Archiver, interval time.Duration, log logr.Logger) *Reconciler {
	return &Reconciler{
		repo:      repo,
		cluster:   c,
		lifecycle: lifecycle,
		prober:    prober,
		creds:     creds,
		reporter:  reporter,
		archiver:  archiver,
		interval:  interval,
		log:       log.WithName("reconciler"),
	}
}

// Run ticks until the context is cancelled. The period is jittered so
// replicas restarted together do not align their probes.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info("starting status loop", "interval", r.interval)
	wait.JitterUntilWithContext(ctx, r.tick, r.interval, 0.1, true)
	r.log.Info("status loop stopped")
	return ctx.Err()
}

// Healthy reports whether the loop ticked recently. Backs the readiness
// endpoint.
func (r *Reconciler) Healthy() bool {
	last := r.lastTick.Load()
	return last != 0 && time.Since(time.Unix(0, last)) < 3*r.interval
}

func (r *Reconciler) tick(ctx context.Context) {
	r.lastTick.Store(time.Now().UnixNano())
	live, err := r.repo.ListLive(ctx)
	if err != nil {
		r.log.Error(err, "failed to list live generations")
		return
	}
	for i := range live {
		gen := live[i]
		if err := r.Reconcile(ctx, &gen); err != nil {
			r.log.Error(err, "reconciliation failed", "deployment", gen.DeploymentName)
		}
	}
}

// Reconcile drives one generation one step forward.
func (r *Reconciler) Reconcile(ctx context.Context, gen *analysis.Generation) error {
	probe := r.prober.Probe(ctx, gen.DeploymentName)
	if probe.Reachable {
		r.maybeRefreshToken(ctx, gen, probe)
	}
	decision := Decide(gen.Status, probe)
	switch decision.Action {
	case ActionPromote:
		return r.promote(ctx, gen, probe)
	case ActionUnstuck:
		return r.unstuck(ctx, gen, probe)
	case ActionFinalize:
		return r.finalize(ctx, gen, decision.Final)
	}
	return nil
}

// maybeRefreshToken replaces the analysis token when it would expire within
// the next two ticks, or already has.
func (r *Reconciler) maybeRefreshToken(ctx context.Context, gen *analysis.Generation, probe ProbeResult) {
	if probe.TokenRemaining >= 2*r.interval+time.Second {
		return
	}
	token, err := r.creds.MintToken(ctx, gen.AnalysisID)
	if err != nil {
		r.log.Error(err, "failed to mint replacement token", "analysis", gen.AnalysisID)
		return
	}
	if err := r.prober.PushToken(ctx, gen.DeploymentName, token); err != nil {
		r.log.Error(err, "failed to push replacement token", "deployment", gen.DeploymentName)
		return
	}
	r.log.Info("refreshed analysis token", "deployment", gen.DeploymentName, "remaining", probe.TokenRemaining)
}

// promote persists the probed running state. The hub only hears about it when
// something actually changed.
func (r *Reconciler) promote(ctx context.Context, gen *analysis.Generation, probe ProbeResult) error {
	changed := gen.Status != analysis.StatusRunning || progressChanged(gen.Progress, probe.Progress)
	running := analysis.StatusRunning
	update := store.Update{Status: &running, Progress: probe.Progress}
	if err := r.repo.Apply(ctx, gen.DeploymentName, update); err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := r.reporter.ReportStatus(ctx, gen.AnalysisID, running, probe.Progress); err != nil {
		r.log.Error(err, "failed to report running state", "analysis", gen.AnalysisID)
	}
	return nil
}

func progressChanged(old, new *int) bool {
	switch {
	case old == nil && new == nil:
		return false
	case old == nil || new == nil:
		return true
	default:
		return *old != *new
	}
}

// unstuck recovers an unreachable analysis. Three cases, checked in order:
//
//   - the pods were replaced underneath us (node drain, eviction): the
//     sidecar still allow-lists the dead pod IP, so it is rebuilt and the
//     generation keeps running;
//   - a pod reports a waiting reason (ImagePullBackOff and friends) or all
//     pods are gone: the generation is replaced outright;
//   - the pods look healthy but the analysis does not answer: it gets one
//     grace tick marked stuck before it is replaced too.
//
// All of them count against MaxRestarts; a generation at the cap is finalized
// as failed before any of the paths can bring up new pods.
func (r *Reconciler) unstuck(ctx context.Context, gen *analysis.Generation, probe ProbeResult) error {
	conditions, err := r.cluster.PodStatus(ctx, gen.DeploymentName)
	if err != nil {
		return err
	}

	kubeReason := ""
	for _, cond := range conditions {
		if !cond.Ready && cond.Reason != "" {
			kubeReason = cond.Reason
			break
		}
	}

	if conditions == nil && kubeReason == "" {
		kubeReason = "NoPodsScheduled"
	}

	// The budget gates every relaunch path, sidecar recycle included: the
	// counter never passes MaxRestarts, it fails for good instead.
	if gen.RestartCounter >= analysis.MaxRestarts {
		line := startupErrorLine(gen.RestartCounter, classifyStartupError(probe, kubeReason), kubeReason)
		if err := r.reporter.UploadLog(ctx, gen.AnalysisID, line, true); err != nil {
			r.log.Error(err, "failed to upload startup error", "analysis", gen.AnalysisID)
		}
		r.log.Info("restart budget exhausted", "deployment", gen.DeploymentName, "restarts", gen.RestartCounter)
		return r.finalize(ctx, gen, analysis.StatusFailed, line)
	}

	if conditions != nil {
		current := make([]string, 0, len(conditions))
		for name := range conditions {
			current = append(current, name)
		}
		sort.Strings(current)
		if !sameNames(current, gen.PodIDs) {
			return r.recycle(ctx, gen, current)
		}
	}

	if !probe.Reachable && kubeReason == "" && gen.Status != analysis.StatusStuck {
		// Pods are fine, the analysis is just not answering. Mark it and
		// give it one more tick before replacing it.
		stuck := analysis.StatusStuck
		if err := r.repo.Apply(ctx, gen.DeploymentName, store.Update{Status: &stuck}); err != nil {
			return err
		}
		if err := r.reporter.ReportStatus(ctx, gen.AnalysisID, stuck, gen.Progress); err != nil {
			r.log.Error(err, "failed to report stuck state", "analysis", gen.AnalysisID)
		}
		r.log.Info("analysis unreachable, marked stuck", "deployment", gen.DeploymentName)
		return nil
	}

	return r.restart(ctx, gen, classifyStartupError(probe, kubeReason), kubeReason)
}

// startupError classes drive the wording of the log line a restart leaves
// behind for the analyst.
type startupErrorClass string

const (
	startupStuck startupErrorClass = "stuck"
	startupSlow  startupErrorClass = "slow"
	startupK8s   startupErrorClass = "k8s"
)

func classifyStartupError(probe ProbeResult, kubeReason string) startupErrorClass {
	switch {
	case probe.Reachable && probe.Status == analysis.StatusStuck:
		return startupStuck
	case kubeReason != "":
		return startupK8s
	default:
		return startupSlow
	}
}

func startupErrorLine(attempt int, class startupErrorClass, kubeReason string) string {
	phrase := ""
	switch class {
	case startupStuck:
		phrase = "Analysis reported itself stuck and is being replaced."
	case startupK8s:
		phrase = "Kubernetes cannot bring the analysis pods up."
	default:
		phrase = "Analysis did not come up in time and is being replaced."
	}
	line := fmt.Sprintf("%s %s restart %d of %d: %s",
		time.Now().UTC().Format(time.RFC3339), startupErrorTag, attempt, analysis.MaxRestarts, phrase)
	if class == startupK8s {
		line += fmt.Sprintf(" KubernetesApiError: %s.", kubeReason)
	}
	return line
}

// recycle rebuilds the sidecar after the analysis pods were replaced by the
// cluster and records the new pod names.
func (r *Reconciler) recycle(ctx context.Context, gen *analysis.Generation, currentPods []string) error {
	if err := r.lifecycle.RecyclePods(ctx, gen); err != nil {
		return err
	}
	started := analysis.StatusStarted
	counter := gen.RestartCounter + 1
	update := store.Update{Status: &started, PodIDs: currentPods, RestartCounter: &counter}
	if err := r.repo.Apply(ctx, gen.DeploymentName, update); err != nil {
		return err
	}
	if err := r.reporter.ReportStatus(ctx, gen.AnalysisID, started, nil); err != nil {
		r.log.Error(err, "failed to report recycled state", "analysis", gen.AnalysisID)
	}
	r.log.Info("pods were replaced, sidecar rebuilt", "deployment", gen.DeploymentName, "pods", currentPods)
	return nil
}

// restart replaces the generation: capture logs, leave a startup error trail
// for the analyst (stored blob and hub), tear the old one down as failed,
// launch a successor and prune the history down to it.
func (r *Reconciler) restart(ctx context.Context, gen *analysis.Generation, class startupErrorClass, kubeReason string) error {
	blob := r.captureLogs(ctx, gen)
	line := startupErrorLine(gen.RestartCounter+1, class, kubeReason)
	appendStartupError(blob, gen.DeploymentName, line)
	if err := r.repo.Apply(ctx, gen.DeploymentName, store.Update{Log: blob}); err != nil {
		r.log.Error(err, "failed to persist logs before restart", "deployment", gen.DeploymentName)
	}
	if err := r.reporter.UploadLog(ctx, gen.AnalysisID, line, true); err != nil {
		r.log.Error(err, "failed to upload startup error", "analysis", gen.AnalysisID)
	}
	if err := r.lifecycle.Teardown(ctx, gen, analysis.StatusFailed); err != nil {
		return err
	}
	successor, err := r.lifecycle.Launch(ctx, composer.SpecFromGeneration(gen, gen.RestartCounter+1))
	if err != nil {
		return fmt.Errorf("failed to launch successor of %s: %w", gen.DeploymentName, err)
	}
	if err := r.repo.PruneOlderGenerations(ctx, gen.AnalysisID, successor.DeploymentName); err != nil {
		r.log.Error(err, "failed to prune replaced generations", "analysis", gen.AnalysisID)
	}
	r.log.Info("replaced generation", "old", gen.DeploymentName, "new", successor.DeploymentName, "reason", kubeReason)
	return nil
}

// finalize captures logs, tears the generation down and reports the terminal
// state everywhere: repository, hub, optional archive. The credential set is
// revoked, the analysis is done. startupLines are stamped into the captured
// blob so the stored log explains why the generation ended.
func (r *Reconciler) finalize(ctx context.Context, gen *analysis.Generation, final analysis.Status, startupLines ...string) error {
	blob := r.captureLogs(ctx, gen)
	for _, line := range startupLines {
		appendStartupError(blob, gen.DeploymentName, line)
	}
	if err := r.repo.Apply(ctx, gen.DeploymentName, store.Update{Log: blob}); err != nil {
		r.log.Error(err, "failed to persist final logs", "deployment", gen.DeploymentName)
	}
	if err := r.lifecycle.Teardown(ctx, gen, final); err != nil {
		return err
	}

	progress := gen.Progress
	if final == analysis.StatusFinished {
		full := 100
		progress = &full
	}
	if err := r.reporter.ReportStatus(ctx, gen.AnalysisID, final, progress); err != nil {
		r.log.Error(err, "failed to report final state", "analysis", gen.AnalysisID)
	}
	if err := r.reporter.UploadLog(ctx, gen.AnalysisID, renderBlob(blob), final == analysis.StatusFailed); err != nil {
		r.log.Error(err, "failed to upload final logs", "analysis", gen.AnalysisID)
	}
	if r.archiver != nil {
		archived := *gen
		archived.Status = final
		archived.Log = blob
		if err := r.archiver.Archive(ctx, &archived); err != nil {
			r.log.Error(err, "failed to archive final logs", "deployment", gen.DeploymentName)
		}
	}
	if err := r.creds.Revoke(ctx, gen.AnalysisID); err != nil {
		r.log.Error(err, "failed to revoke credentials", "analysis", gen.AnalysisID)
	}
	r.reporter.Forget(gen.AnalysisID)
	r.log.Info("finalized generation", "deployment", gen.DeploymentName, "final", final)
	return nil
}

// captureLogs reads both containers of the generation. Failures degrade to an
// empty blob: finalization must not stall on a dead pod.
func (r *Reconciler) captureLogs(ctx context.Context, gen *analysis.Generation) *analysis.LogBlob {
	blob := &analysis.LogBlob{Analysis: map[string]string{}, Nginx: map[string]string{}}
	if raw, err := r.cluster.Logs(ctx, gen.DeploymentName, gen.PodIDs); err == nil && len(raw) > 0 {
		blob.Analysis[gen.DeploymentName] = flattenLogs(gen.DeploymentName, raw)
	} else if err != nil {
		r.log.V(4).Info("failed to capture analysis logs", "deployment", gen.DeploymentName, "error", err.Error())
	}
	nginx := cluster.NginxName(gen.DeploymentName)
	if raw, err := r.cluster.Logs(ctx, nginx, nil); err == nil && len(raw) > 0 {
		blob.Nginx[nginx] = flattenLogs(nginx, raw)
	} else if err != nil {
		r.log.V(4).Info("failed to capture nginx logs", "deployment", gen.DeploymentName, "error", err.Error())
	}
	return blob
}

func appendStartupError(blob *analysis.LogBlob, deploymentName, line string) {
	if existing := blob.Analysis[deploymentName]; existing != "" && !strings.HasSuffix(existing, "\n") {
		blob.Analysis[deploymentName] = existing + "\n" + line
		return
	}
	blob.Analysis[deploymentName] += line
}

// flattenLogs merges the raw pod logs of one deployment into a single,
// suffix-stripped text.
func flattenLogs(deploymentName string, raw []string) string {
	split := util.SplitLogs(map[string][]string{deploymentName: raw})
	keys := make([]string, 0, len(split))
	for key := range split {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, key := range keys {
		if key != "" {
			b.WriteString(key + ":\n")
		}
		b.WriteString(split[key])
	}
	return b.String()
}

func renderBlob(blob *analysis.LogBlob) string {
	var b strings.Builder
	names := make([]string, 0, len(blob.Analysis))
	for name := range blob.Analysis {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "deployment: %s\n%s\n", name, blob.Analysis[name])
	}
	return b.String()
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sortedB := append([]string(nil), b...)
	sort.Strings(sortedB)
	for i := range a {
		if a[i] != sortedB[i] {
			return false
		}
	}
	return true
}
