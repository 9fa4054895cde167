package cluster

import (
	"context"

	multierr "github.com/hashicorp/go-multierror"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"
)

// SidecarInput identifies the generation a sidecar belongs to.
type SidecarInput struct {
	DeploymentName string
	AnalysisID     string
	ProjectID      string
}

// CreateSidecar composes the sidecar half of a generation: the nginx
// deployment, its configuration, its service and the network policy fencing
// the analysis pods. Discovery of the proxied endpoints polls until the
// analysis pod has an IP.
func (f *Facade) CreateSidecar(ctx context.Context, in SidecarInput) error {
	endpoints, err := f.DiscoverProxyEndpoints(ctx, in.DeploymentName)
	if err != nil {
		return err
	}
	conf, err := renderNginxConf(endpoints, in.AnalysisID, in.ProjectID)
	if err != nil {
		return err
	}
	if err := f.createNginxConfigMap(ctx, in.DeploymentName, conf); err != nil {
		return err
	}
	if err := f.createNginxDeployment(ctx, in.DeploymentName); err != nil {
		return err
	}
	if err := f.createNginxService(ctx, in.DeploymentName); err != nil {
		return err
	}
	return f.createNetworkPolicy(ctx, in.DeploymentName)
}

// DeleteSidecar removes the sidecar half of a generation including its pods.
// Missing resources are not errors.
func (f *Facade) DeleteSidecar(ctx context.Context, deploymentName string) error {
	nginx := NginxName(deploymentName)
	var result *multierr.Error
	if err := f.client.AppsV1().Deployments(f.namespace).Delete(ctx, nginx, metav1.DeleteOptions{}); err != nil {
		result = multierr.Append(result, ignoreNotFound(wrapError("delete nginx deployment", err)))
	}
	if err := f.client.CoreV1().Services(f.namespace).Delete(ctx, nginx, metav1.DeleteOptions{}); err != nil {
		result = multierr.Append(result, ignoreNotFound(wrapError("delete nginx service", err)))
	}
	if err := f.client.CoreV1().ConfigMaps(f.namespace).Delete(ctx, ConfigMapName(deploymentName), metav1.DeleteOptions{}); err != nil {
		result = multierr.Append(result, ignoreNotFound(wrapError("delete nginx config map", err)))
	}
	if err := f.client.NetworkingV1().NetworkPolicies(f.namespace).Delete(ctx, NetworkPolicyName(deploymentName), metav1.DeleteOptions{}); err != nil {
		result = multierr.Append(result, ignoreNotFound(wrapError("delete network policy", err)))
	}
	if err := f.DeletePods(ctx, nginx); err != nil {
		result = multierr.Append(result, err)
	}
	return result.ErrorOrNil()
}

// RebuildSidecar recreates the sidecar half against the surviving analysis
// service. Used when analysis pods were recycled and the allow-listed pod IP
// went stale.
func (f *Facade) RebuildSidecar(ctx context.Context, deploymentName, analysisID, projectID string) error {
	if err := f.DeleteSidecar(ctx, deploymentName); err != nil {
		return err
	}
	return f.CreateSidecar(ctx, SidecarInput{
		DeploymentName: deploymentName,
		AnalysisID:     analysisID,
		ProjectID:      projectID,
	})
}

// DeleteGeneration tears down all five resources of a generation plus the
// analysis deployment's service. Missing resources are tolerated; remaining
// errors are aggregated so one failure does not leave the rest behind.
func (f *Facade) DeleteGeneration(ctx context.Context, deploymentName string) error {
	var result *multierr.Error
	if err := f.client.AppsV1().Deployments(f.namespace).Delete(ctx, deploymentName, metav1.DeleteOptions{}); err != nil {
		result = multierr.Append(result, ignoreNotFound(wrapError("delete analysis deployment", err)))
	}
	if err := f.client.CoreV1().Services(f.namespace).Delete(ctx, deploymentName, metav1.DeleteOptions{}); err != nil {
		result = multierr.Append(result, ignoreNotFound(wrapError("delete analysis service", err)))
	}
	if err := f.DeleteSidecar(ctx, deploymentName); err != nil {
		result = multierr.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (f *Facade) createNginxConfigMap(ctx context.Context, deploymentName, conf string) error {
	configMap := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ConfigMapName(deploymentName),
			Namespace: f.namespace,
			Labels:    nginxLabels(deploymentName),
		},
		Data: map[string]string{"nginx.conf": conf},
	}
	if _, err := f.client.CoreV1().ConfigMaps(f.namespace).Create(ctx, configMap, metav1.CreateOptions{}); err != nil {
		return wrapError("create nginx config map", err)
	}
	return nil
}

func (f *Facade) createNginxDeployment(ctx context.Context, deploymentName string) error {
	nginx := NginxName(deploymentName)
	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      nginx,
			Namespace: f.namespace,
			Labels:    nginxLabels(deploymentName),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To[int32](1),
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{LabelApp: nginx}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: nginxLabels(deploymentName)},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:            nginx,
						Image:           "nginx:latest",
						ImagePullPolicy: corev1.PullAlways,
						Ports:           []corev1.ContainerPort{{ContainerPort: nginxPort}},
						LivenessProbe:   httpLivenessProbe("/healthz", nginxPort),
						VolumeMounts: []corev1.VolumeMount{{
							Name:      "nginx-vol",
							MountPath: "/etc/nginx/nginx.conf",
							SubPath:   "nginx.conf",
						}},
					}},
					Volumes: []corev1.Volume{{
						Name: "nginx-vol",
						VolumeSource: corev1.VolumeSource{
							ConfigMap: &corev1.ConfigMapVolumeSource{
								LocalObjectReference: corev1.LocalObjectReference{Name: ConfigMapName(deploymentName)},
								Items:                []corev1.KeyToPath{{Key: "nginx.conf", Path: "nginx.conf"}},
							},
						},
					}},
				},
			},
		},
	}
	if _, err := f.client.AppsV1().Deployments(f.namespace).Create(ctx, deployment, metav1.CreateOptions{}); err != nil {
		return wrapError("create nginx deployment", err)
	}
	return nil
}

func (f *Facade) createNginxService(ctx context.Context, deploymentName string) error {
	nginx := NginxName(deploymentName)
	service := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      nginx,
			Namespace: f.namespace,
			Labels:    nginxLabels(deploymentName),
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{LabelApp: nginx},
			Ports: []corev1.ServicePort{{
				Port:       nginxPort,
				TargetPort: intstr.FromInt32(nginxPort),
			}},
		},
	}
	if _, err := f.client.CoreV1().Services(f.namespace).Create(ctx, service, metav1.CreateOptions{}); err != nil {
		return wrapError("create nginx service", err)
	}
	return nil
}

// createNetworkPolicy fences the analysis pods: ingress only from the paired
// nginx pods, egress only to those pods and cluster DNS.
func (f *Facade) createNetworkPolicy(ctx context.Context, deploymentName string) error {
	nginx := NginxName(deploymentName)
	nginxPeer := networkingv1.NetworkPolicyPeer{
		PodSelector: &metav1.LabelSelector{MatchLabels: map[string]string{LabelApp: nginx}},
	}
	dnsPeer := networkingv1.NetworkPolicyPeer{
		PodSelector:       &metav1.LabelSelector{MatchLabels: map[string]string{"k8s-app": "kube-dns"}},
		NamespaceSelector: &metav1.LabelSelector{MatchLabels: map[string]string{"kubernetes.io/metadata.name": "kube-system"}},
	}
	policy := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      NetworkPolicyName(deploymentName),
			Namespace: f.namespace,
			Labels:    nginxLabels(deploymentName),
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{MatchLabels: map[string]string{LabelApp: deploymentName}},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress, networkingv1.PolicyTypeEgress},
			Ingress: []networkingv1.NetworkPolicyIngressRule{{
				From: []networkingv1.NetworkPolicyPeer{nginxPeer},
			}},
			Egress: []networkingv1.NetworkPolicyEgressRule{{
				To: []networkingv1.NetworkPolicyPeer{nginxPeer, dnsPeer},
			}},
		},
	}
	if _, err := f.client.NetworkingV1().NetworkPolicies(f.namespace).Create(ctx, policy, metav1.CreateOptions{}); err != nil {
		return wrapError("create network policy", err)
	}
	return nil
}
