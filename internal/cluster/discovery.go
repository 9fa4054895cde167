package cluster

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/privateaim/pod-orchestrator/internal/util"
)

// Substrings identifying the platform services the sidecar proxies to. The
// shortest service name containing the substring wins; database siblings
// (-db-) are skipped.
const (
	messageBrokerSubstr = "message-broker"
	hubAdapterSubstr    = "hub-adapter-service"
	resultServiceSubstr = "result-service"
	kongProxySubstr     = "kong-proxy"
	poServiceSubstr     = "po-service"
)

// ProxyEndpoints is the fully-resolved input of the sidecar configuration.
type ProxyEndpoints struct {
	KongProxyService     string
	ResultService        string
	HubAdapterService    string
	MessageBrokerService string
	POService            string

	MessageBrokerPodIP string
	POPodIP            string
	AnalysisPodIP      string

	AnalysisService string
}

func (ep *ProxyEndpoints) complete() bool {
	return ep.KongProxyService != "" && ep.ResultService != "" &&
		ep.HubAdapterService != "" && ep.MessageBrokerService != "" &&
		ep.POService != "" && ep.MessageBrokerPodIP != "" &&
		ep.POPodIP != "" && ep.AnalysisPodIP != ""
}

// DiscoverProxyEndpoints resolves the service names and pod IPs the sidecar
// configuration depends on. Some of them (the analysis pod IP in particular)
// only exist once the analysis deployment has scheduled a pod, so each lookup
// is polled until it returns.
func (f *Facade) DiscoverProxyEndpoints(ctx context.Context, deploymentName string) (*ProxyEndpoints, error) {
	ep := &ProxyEndpoints{AnalysisService: deploymentName}
	resolved := util.RetryUntilPredicate(ctx, fmt.Sprintf("discover proxy endpoints for %s", deploymentName), func() bool {
		f.resolveOnce(ctx, deploymentName, ep)
		return ep.complete()
	}, podScheduleTimeout, f.pollInterval)
	if !resolved {
		return nil, &ClusterError{Reason: ReasonTransient, Op: "discover proxy endpoints",
			Err: fmt.Errorf("discovery for %s incomplete: %+v", deploymentName, ep)}
	}
	return ep, nil
}

func (f *Facade) resolveOnce(ctx context.Context, deploymentName string, ep *ProxyEndpoints) {
	serviceNames, err := f.ServiceNames(ctx)
	if err != nil {
		f.log.V(4).Info("service discovery attempt failed", "error", err.Error())
		return
	}
	ep.KongProxyService = util.SmallestMatch(serviceNames, kongProxySubstr)
	ep.ResultService = util.SmallestMatch(serviceNames, resultServiceSubstr)
	ep.HubAdapterService = util.SmallestMatch(serviceNames, hubAdapterSubstr)
	ep.MessageBrokerService = util.SmallestMatch(serviceNames, messageBrokerSubstr)
	ep.POService = util.SmallestMatch(serviceNames, poServiceSubstr)

	ep.MessageBrokerPodIP = f.podIPBySubstring(ctx, messageBrokerSubstr)
	ep.POPodIP = f.podIPBySubstring(ctx, poServiceSubstr)
	ep.AnalysisPodIP = f.podIPByLabel(ctx, deploymentName)
}

// podIPBySubstring returns the IP of the smallest-named pod containing the
// substring, or "" while no such pod is running.
func (f *Facade) podIPBySubstring(ctx context.Context, substring string) string {
	pods, err := f.client.CoreV1().Pods(f.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return ""
	}
	names := make([]string, 0, len(pods.Items))
	for _, pod := range pods.Items {
		names = append(names, pod.Name)
	}
	target := util.SmallestMatch(names, substring)
	if target == "" {
		return ""
	}
	for _, pod := range pods.Items {
		if pod.Name == target {
			return pod.Status.PodIP
		}
	}
	return ""
}

func (f *Facade) podIPByLabel(ctx context.Context, appLabel string) string {
	pods, err := f.client.CoreV1().Pods(f.namespace).List(ctx, appSelector(appLabel))
	if err != nil || len(pods.Items) == 0 {
		return ""
	}
	return pods.Items[0].Status.PodIP
}
