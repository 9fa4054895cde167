package cluster

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/privateaim/pod-orchestrator/internal/util"
)

// EnvVar is one analysis environment entry. Order is preserved.
type EnvVar struct {
	Name  string
	Value string
}

// CreateAnalysisDeployment creates the single-replica analysis deployment and
// returns the names of the pods initially scheduled under its label. It blocks
// (polling at the facade interval) until at least one pod exists, because the
// sidecar configuration needs the pod's IP.
func (f *Facade) CreateAnalysisDeployment(ctx context.Context, name, image string, env []EnvVar) ([]string, error) {
	containerEnv := make([]corev1.EnvVar, 0, len(env))
	for _, e := range env {
		containerEnv = append(containerEnv, corev1.EnvVar{Name: e.Name, Value: e.Value})
	}

	container := corev1.Container{
		Name:            name,
		Image:           image,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Ports:           []corev1.ContainerPort{{ContainerPort: analysisPort}},
		Env:             containerEnv,
	}
	if f.probeEnabled {
		container.LivenessProbe = httpLivenessProbe("/healthz", analysisPort)
	}

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: f.namespace,
			Labels:    analysisLabels(name),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To[int32](1),
			Selector: &metav1.LabelSelector{MatchLabels: analysisLabels(name)},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: analysisLabels(name)},
				Spec: corev1.PodSpec{
					Containers:       []corev1.Container{container},
					ImagePullSecrets: []corev1.LocalObjectReference{{Name: PullSecretName}},
				},
			},
		},
	}
	if _, err := f.client.AppsV1().Deployments(f.namespace).Create(ctx, deployment, metav1.CreateOptions{}); err != nil {
		return nil, wrapError("create analysis deployment", err)
	}

	var pods []string
	scheduled := util.RetryUntilPredicate(ctx, fmt.Sprintf("wait for pods of %s", name), func() bool {
		names, err := f.podNamesFor(ctx, name)
		if err != nil || len(names) == 0 {
			return false
		}
		pods = names
		return true
	}, podScheduleTimeout, f.pollInterval)
	if !scheduled {
		return nil, &ClusterError{Reason: ReasonTransient, Op: "wait for analysis pods", Err: fmt.Errorf("no pod scheduled for %s", name)}
	}
	return pods, nil
}

// CreateAnalysisService exposes the analysis deployment inside the cluster,
// mapping the proxy port onto the analysis port.
func (f *Facade) CreateAnalysisService(ctx context.Context, name string) error {
	service := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: f.namespace,
			Labels:    analysisLabels(name),
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{LabelApp: name},
			Ports: []corev1.ServicePort{{
				Port:       nginxPort,
				TargetPort: intstr.FromInt32(analysisPort),
			}},
		},
	}
	if _, err := f.client.CoreV1().Services(f.namespace).Create(ctx, service, metav1.CreateOptions{}); err != nil {
		return wrapError("create analysis service", err)
	}
	return nil
}

func (f *Facade) podNamesFor(ctx context.Context, appLabel string) ([]string, error) {
	pods, err := f.client.CoreV1().Pods(f.namespace).List(ctx, appSelector(appLabel))
	if err != nil {
		return nil, wrapError("list pods", err)
	}
	names := make([]string, 0, len(pods.Items))
	for _, pod := range pods.Items {
		names = append(names, pod.Name)
	}
	return names, nil
}

// DeletePods deletes all pods carrying the given app label. The owning
// deployment schedules replacements; used to force a pod-level reset.
func (f *Facade) DeletePods(ctx context.Context, appLabel string) error {
	pods, err := f.client.CoreV1().Pods(f.namespace).List(ctx, appSelector(appLabel))
	if err != nil {
		return wrapError("list pods for deletion", err)
	}
	for _, pod := range pods.Items {
		if err := f.client.CoreV1().Pods(f.namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{}); err != nil {
			if e := ignoreNotFound(wrapError("delete pod", err)); e != nil {
				return e
			}
		}
	}
	return nil
}

func httpLivenessProbe(path string, port int32) *corev1.Probe {
	return &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{
				Path: path,
				Port: intstr.FromInt32(port),
			},
		},
		InitialDelaySeconds: 15,
		PeriodSeconds:       20,
		TimeoutSeconds:      5,
		FailureThreshold:    1,
	}
}
