package cluster

import (
	"context"
	"io"
	"slices"

	corev1 "k8s.io/api/core/v1"

	"github.com/privateaim/pod-orchestrator/internal/util"
)

// PodCondition is the distilled status of one pod of a generation.
type PodCondition struct {
	Ready   bool
	Reason  string
	Message string
}

// PodStatus returns the status of every pod labeled app=<deploymentName>, or
// nil when no pod exists.
func (f *Facade) PodStatus(ctx context.Context, deploymentName string) (map[string]PodCondition, error) {
	pods, err := f.client.CoreV1().Pods(f.namespace).List(ctx, appSelector(deploymentName))
	if err != nil {
		return nil, wrapError("list pods for status", err)
	}
	if len(pods.Items) == 0 {
		return nil, nil
	}
	status := make(map[string]PodCondition, len(pods.Items))
	for _, pod := range pods.Items {
		status[pod.Name] = distillPodCondition(&pod)
	}
	return status, nil
}

func distillPodCondition(pod *corev1.Pod) PodCondition {
	cond := PodCondition{}
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady {
			cond.Ready = c.Status == corev1.ConditionTrue
			cond.Reason = c.Reason
			cond.Message = c.Message
		}
	}
	// A waiting container carries the actionable reason (ImagePullBackOff,
	// CrashLoopBackOff, ...), which trumps the pod condition.
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Waiting != nil {
			cond.Ready = false
			cond.Reason = cs.State.Waiting.Reason
			cond.Message = cs.State.Waiting.Message
		}
	}
	return cond
}

// Logs returns the logs of all pods labeled app=<name>, filtered to podIDs if
// given, sanitized to printable characters.
func (f *Facade) Logs(ctx context.Context, name string, podIDs []string) ([]string, error) {
	pods, err := f.client.CoreV1().Pods(f.namespace).List(ctx, appSelector(name))
	if err != nil {
		return nil, wrapError("list pods for logs", err)
	}
	var logs []string
	for _, pod := range pods.Items {
		if podIDs != nil && !slices.Contains(podIDs, pod.Name) {
			continue
		}
		raw, err := f.readPodLog(ctx, pod.Name)
		if err != nil {
			f.log.V(4).Info("failed to read pod log", "pod", pod.Name, "error", err.Error())
			continue
		}
		logs = append(logs, util.SanitizePrintable(raw))
	}
	return logs, nil
}

func (f *Facade) readPodLog(ctx context.Context, podName string) (string, error) {
	stream, err := f.client.CoreV1().Pods(f.namespace).GetLogs(podName, &corev1.PodLogOptions{}).Stream(ctx)
	if err != nil {
		return "", wrapError("stream pod log", err)
	}
	defer func() { _ = stream.Close() }()
	raw, err := io.ReadAll(stream)
	if err != nil {
		return "", wrapError("read pod log", err)
	}
	return string(raw), nil
}
