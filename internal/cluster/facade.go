// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package cluster is the typed façade over the container platform. It owns the
// naming and labelling scheme of the five resources that make up one analysis
// generation and every operation the composer, reconciler and cleanup paths
// perform against the cluster API.
package cluster

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	// LabelApp carries the deployment name of the resource's owner.
	LabelApp = "app"
	// LabelComponent distinguishes analysis from sidecar resources.
	LabelComponent = "component"
	// ComponentAnalysis labels resources belonging to the analysis half of a
	// generation.
	ComponentAnalysis = "flame-analysis"
	// ComponentNginx labels resources belonging to the sidecar half.
	ComponentNginx = "flame-analysis-nginx"
)

// analysisPort is the port analysis containers listen on; their service maps
// nginxPort onto it.
const analysisPort = 8000
const nginxPort = 80

// podScheduleTimeout bounds the wait for pods and discovery targets. Discovery
// has no meaningful deadline of its own (the caller is a cancellable HTTP
// request), so this only guards against a wedged API server.
const podScheduleTimeout = 30 * time.Minute

// PullSecretName is the default name of the image pull credential.
const PullSecretName = "flame-harbor-credentials"

// NginxName returns the sidecar deployment (and service) name for a
// generation. The reconciler probes http://<NginxName>:80.
func NginxName(deploymentName string) string {
	return "nginx-" + deploymentName
}

// ConfigMapName returns the name of the sidecar's nginx configuration.
func ConfigMapName(deploymentName string) string {
	return NginxName(deploymentName) + "-config"
}

// NetworkPolicyName returns the name of the generation's network policy.
func NetworkPolicyName(deploymentName string) string {
	return "nginx-to-" + deploymentName + "-policy"
}

// Facade exposes typed operations over one namespace of the cluster.
type Facade struct {
	client       kubernetes.Interface
	namespace    string
	log          logr.Logger
	pollInterval time.Duration
	probeEnabled bool
}

// Option tunes facade construction.
type Option func(*Facade)

// WithPollInterval overrides the 1s discovery poll interval; tests shrink it.
func WithPollInterval(d time.Duration) Option {
	return func(f *Facade) { f.pollInterval = d }
}

// WithAnalysisLivenessProbe re-enables the HTTP liveness probe on analysis
// containers.
func WithAnalysisLivenessProbe() Option {
	return func(f *Facade) { f.probeEnabled = true }
}

// NewFacade creates a façade bound to a namespace.
func NewFacade(client kubernetes.Interface, namespace string, log logr.Logger, opts ...Option) *Facade {
	f := &Facade{
		client:       client,
		namespace:    namespace,
		log:          log.WithName("cluster"),
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Namespace returns the namespace this façade operates in.
func (f *Facade) Namespace() string {
	return f.namespace
}

const namespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// CurrentNamespace reads the namespace of the pod this process runs in,
// falling back to "default" outside a cluster.
func CurrentNamespace() string {
	raw, err := os.ReadFile(namespaceFile)
	if err != nil {
		return "default"
	}
	return strings.TrimSpace(string(raw))
}

func appSelector(name string) metav1.ListOptions {
	return metav1.ListOptions{LabelSelector: LabelApp + "=" + name}
}

func analysisLabels(name string) map[string]string {
	return map[string]string{LabelApp: name, LabelComponent: ComponentAnalysis}
}

func nginxLabels(deploymentName string) map[string]string {
	return map[string]string{LabelApp: NginxName(deploymentName), LabelComponent: ComponentNginx}
}

// ServiceNames lists the names of all services in the namespace.
func (f *Facade) ServiceNames(ctx context.Context) ([]string, error) {
	services, err := f.client.CoreV1().Services(f.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, wrapError("list services", err)
	}
	names := make([]string, 0, len(services.Items))
	for _, svc := range services.Items {
		names = append(names, svc.Name)
	}
	return names, nil
}

// PodNames lists the names of all pods in the namespace.
func (f *Facade) PodNames(ctx context.Context) ([]string, error) {
	pods, err := f.client.CoreV1().Pods(f.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, wrapError("list pods", err)
	}
	names := make([]string, 0, len(pods.Items))
	for _, pod := range pods.Items {
		names = append(names, pod.Name)
	}
	return names, nil
}
