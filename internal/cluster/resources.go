package cluster

import (
	"context"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ResourceKind names a sweepable resource kind.
type ResourceKind string

const (
	KindDeployment    ResourceKind = "deployment"
	KindPod           ResourceKind = "pod"
	KindService       ResourceKind = "service"
	KindNetworkPolicy ResourceKind = "networkpolicy"
	KindConfigMap     ResourceKind = "configmap"
)

// SweepableKinds are the kinds the zombie sweep inspects.
var SweepableKinds = []ResourceKind{KindDeployment, KindPod, KindService, KindNetworkPolicy, KindConfigMap}

// ComponentSelector selects every resource belonging to either half of an
// analysis generation.
const ComponentSelector = LabelComponent + " in (" + ComponentAnalysis + "," + ComponentNginx + ")"

// ListResources returns the names of resources of the given kind matching the
// label selector.
func (f *Facade) ListResources(ctx context.Context, kind ResourceKind, selector string) ([]string, error) {
	opts := metav1.ListOptions{LabelSelector: selector}
	var names []string
	switch kind {
	case KindDeployment:
		list, err := f.client.AppsV1().Deployments(f.namespace).List(ctx, opts)
		if err != nil {
			return nil, wrapError("list deployments", err)
		}
		for _, item := range list.Items {
			names = append(names, item.Name)
		}
	case KindPod:
		list, err := f.client.CoreV1().Pods(f.namespace).List(ctx, opts)
		if err != nil {
			return nil, wrapError("list pods", err)
		}
		for _, item := range list.Items {
			names = append(names, item.Name)
		}
	case KindService:
		list, err := f.client.CoreV1().Services(f.namespace).List(ctx, opts)
		if err != nil {
			return nil, wrapError("list services", err)
		}
		for _, item := range list.Items {
			names = append(names, item.Name)
		}
	case KindNetworkPolicy:
		list, err := f.client.NetworkingV1().NetworkPolicies(f.namespace).List(ctx, opts)
		if err != nil {
			return nil, wrapError("list network policies", err)
		}
		for _, item := range list.Items {
			names = append(names, item.Name)
		}
	case KindConfigMap:
		list, err := f.client.CoreV1().ConfigMaps(f.namespace).List(ctx, opts)
		if err != nil {
			return nil, wrapError("list config maps", err)
		}
		for _, item := range list.Items {
			names = append(names, item.Name)
		}
	}
	return names, nil
}

// DeleteResource deletes one resource by kind and name. Missing resources are
// not errors.
func (f *Facade) DeleteResource(ctx context.Context, kind ResourceKind, name string) error {
	opts := metav1.DeleteOptions{}
	var err error
	switch kind {
	case KindDeployment:
		err = f.client.AppsV1().Deployments(f.namespace).Delete(ctx, name, opts)
	case KindPod:
		err = f.client.CoreV1().Pods(f.namespace).Delete(ctx, name, opts)
	case KindService:
		err = f.client.CoreV1().Services(f.namespace).Delete(ctx, name, opts)
	case KindNetworkPolicy:
		err = f.client.NetworkingV1().NetworkPolicies(f.namespace).Delete(ctx, name, opts)
	case KindConfigMap:
		err = f.client.CoreV1().ConfigMaps(f.namespace).Delete(ctx, name, opts)
	}
	return ignoreNotFound(wrapError("delete "+string(kind), err))
}

// DeriveAnalysisID recovers the analysis id from a generation resource name by
// stripping the sidecar prefixes, the well-known suffixes and the trailing
// ordinal. Pod names additionally carry the replica-set hash and the pod
// suffix, so two more segments are dropped for them. Returns "" when the name
// does not follow the generation naming scheme.
func DeriveAnalysisID(kind ResourceKind, name string) string {
	name = strings.TrimPrefix(name, "nginx-to-")
	name = strings.TrimPrefix(name, "nginx-")
	name = strings.TrimSuffix(name, "-policy")
	name = strings.TrimSuffix(name, "-config")
	if !strings.HasPrefix(name, "analysis-") {
		return ""
	}
	name = strings.TrimPrefix(name, "analysis-")

	// analysis-<id>-<ordinal> for everything but pods, which append the
	// replica-set hash and the pod suffix on top.
	splits := 1
	if kind == KindPod {
		splits = 3
	}
	for i := 0; i < splits; i++ {
		idx := strings.LastIndex(name, "-")
		if idx <= 0 {
			return ""
		}
		name = name[:idx]
	}
	return name
}
