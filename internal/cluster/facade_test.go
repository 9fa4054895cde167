package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"
)

const testNamespace = "flame-node"

func newTestFacade() (*Facade, kubernetes.Interface) {
	client := fake.NewSimpleClientset()
	return NewFacade(client, testNamespace, logr.Discard(), WithPollInterval(time.Millisecond)), client
}

func createPod(g *WithT, client kubernetes.Interface, name, ip string, labels map[string]string) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: testNamespace, Labels: labels},
		Status:     corev1.PodStatus{PodIP: ip},
	}
	_, err := client.CoreV1().Pods(testNamespace).Create(context.Background(), pod, metav1.CreateOptions{})
	g.Expect(err).ToNot(HaveOccurred())
}

func createService(g *WithT, client kubernetes.Interface, name string) {
	svc := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: testNamespace}}
	_, err := client.CoreV1().Services(testNamespace).Create(context.Background(), svc, metav1.CreateOptions{})
	g.Expect(err).ToNot(HaveOccurred())
}

func seedPlatform(g *WithT, client kubernetes.Interface) {
	for _, name := range []string{"flame-message-broker", "hub-adapter-service", "flame-result-service", "flame-po-service", "kong-kong-proxy"} {
		createService(g, client, name)
	}
	createPod(g, client, "flame-message-broker-5f6d-abcde", "10.0.0.2", nil)
	createPod(g, client, "flame-po-service-99ff-xyzzy", "10.0.0.3", nil)
}

func TestEnsureImagePullSecretRecreatesOnConflict(t *testing.T) {
	g := NewWithT(t)
	f, client := newTestFacade()
	ctx := context.Background()

	g.Expect(f.EnsureImagePullSecret(ctx, "harbor.example", "robot$po", "pw", "")).To(Succeed())
	// Second call hits the existing secret and must recreate it.
	g.Expect(f.EnsureImagePullSecret(ctx, "harbor.example", "robot$po", "pw2", "")).To(Succeed())

	secret, err := client.CoreV1().Secrets(testNamespace).Get(ctx, PullSecretName, metav1.GetOptions{})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(secret.Type).To(Equal(corev1.SecretTypeDockerConfigJson))
	g.Expect(secret.StringData["docker-password"]).To(Equal("pw2"))
	g.Expect(secret.StringData["docker-username"]).To(Equal(`robot\$po`))
	g.Expect(secret.StringData[corev1.DockerConfigJsonKey]).To(ContainSubstring("harbor.example"))
}

func TestCreateAnalysisDeploymentReturnsScheduledPods(t *testing.T) {
	g := NewWithT(t)
	f, client := newTestFacade()
	ctx := context.Background()
	name := "analysis-a1-1"
	// The fake clientset runs no controllers; pre-create the pod the real
	// deployment controller would schedule.
	createPod(g, client, name+"-7d9f8-abcde", "10.0.0.10", analysisLabels(name))

	pods, err := f.CreateAnalysisDeployment(ctx, name, "harbor.example/a1:latest", []EnvVar{
		{Name: "ANALYSIS_ID", Value: "a1"},
		{Name: "KEYCLOAK_TOKEN", Value: "tok"},
	})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(pods).To(ConsistOf(name + "-7d9f8-abcde"))

	deployment, err := client.AppsV1().Deployments(testNamespace).Get(ctx, name, metav1.GetOptions{})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(deployment.Labels).To(HaveKeyWithValue(LabelComponent, ComponentAnalysis))
	g.Expect(*deployment.Spec.Replicas).To(Equal(int32(1)))
	container := deployment.Spec.Template.Spec.Containers[0]
	g.Expect(container.ImagePullPolicy).To(Equal(corev1.PullIfNotPresent))
	g.Expect(container.Ports[0].ContainerPort).To(Equal(int32(8000)))
	g.Expect(container.Env[0].Name).To(Equal("ANALYSIS_ID"))
	g.Expect(container.LivenessProbe).To(BeNil(), "analysis liveness probe is disabled by policy")
	g.Expect(deployment.Spec.Template.Spec.ImagePullSecrets[0].Name).To(Equal(PullSecretName))
}

func TestCreateSidecarComposesAllFourResources(t *testing.T) {
	g := NewWithT(t)
	f, client := newTestFacade()
	ctx := context.Background()
	name := "analysis-a1-1"
	seedPlatform(g, client)
	createPod(g, client, name+"-7d9f8-abcde", "10.0.0.10", analysisLabels(name))

	err := f.CreateSidecar(ctx, SidecarInput{DeploymentName: name, AnalysisID: "a1", ProjectID: "p1"})
	g.Expect(err).ToNot(HaveOccurred())

	cm, err := client.CoreV1().ConfigMaps(testNamespace).Get(ctx, ConfigMapName(name), metav1.GetOptions{})
	g.Expect(err).ToNot(HaveOccurred())
	conf := cm.Data["nginx.conf"]
	g.Expect(conf).To(ContainSubstring("proxy_pass  http://kong-kong-proxy"))
	g.Expect(conf).To(ContainSubstring("proxy_pass  http://flame-result-service:8080"))
	g.Expect(conf).To(ContainSubstring("location /hub-adapter/kong/datastore/p1"))
	g.Expect(conf).To(ContainSubstring("location /message-broker/analyses/a1/participants"))
	g.Expect(conf).To(ContainSubstring("allow       10.0.0.10"))
	g.Expect(conf).To(ContainSubstring("allow       10.0.0.2"))
	g.Expect(conf).To(ContainSubstring("allow       10.0.0.3"))
	g.Expect(conf).To(ContainSubstring("proxy_pass  http://" + name))

	nginx, err := client.AppsV1().Deployments(testNamespace).Get(ctx, NginxName(name), metav1.GetOptions{})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(nginx.Spec.Template.Spec.Containers[0].LivenessProbe).ToNot(BeNil())
	g.Expect(nginx.Spec.Template.Spec.Containers[0].LivenessProbe.InitialDelaySeconds).To(Equal(int32(15)))

	_, err = client.CoreV1().Services(testNamespace).Get(ctx, NginxName(name), metav1.GetOptions{})
	g.Expect(err).ToNot(HaveOccurred())

	policy, err := client.NetworkingV1().NetworkPolicies(testNamespace).Get(ctx, NetworkPolicyName(name), metav1.GetOptions{})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(policy.Spec.PodSelector.MatchLabels).To(HaveKeyWithValue(LabelApp, name))
	g.Expect(policy.Spec.Ingress[0].From).To(HaveLen(1))
	g.Expect(policy.Spec.Ingress[0].From[0].PodSelector.MatchLabels).To(HaveKeyWithValue(LabelApp, NginxName(name)))
	g.Expect(policy.Spec.Egress[0].To).To(HaveLen(2))
	g.Expect(policy.Spec.Egress[0].To[1].PodSelector.MatchLabels).To(HaveKeyWithValue("k8s-app", "kube-dns"))
}

func TestDeleteGenerationToleratesMissingResources(t *testing.T) {
	g := NewWithT(t)
	f, _ := newTestFacade()
	g.Expect(f.DeleteGeneration(context.Background(), "analysis-gone-1")).To(Succeed())
}

func TestDeleteGenerationRemovesEverything(t *testing.T) {
	g := NewWithT(t)
	f, client := newTestFacade()
	ctx := context.Background()
	name := "analysis-a1-1"
	seedPlatform(g, client)
	createPod(g, client, name+"-7d9f8-abcde", "10.0.0.10", analysisLabels(name))

	_, err := f.CreateAnalysisDeployment(ctx, name, "img", nil)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(f.CreateAnalysisService(ctx, name)).To(Succeed())
	g.Expect(f.CreateSidecar(ctx, SidecarInput{DeploymentName: name, AnalysisID: "a1", ProjectID: "p1"})).To(Succeed())

	g.Expect(f.DeleteGeneration(ctx, name)).To(Succeed())

	for _, kind := range []ResourceKind{KindDeployment, KindService, KindNetworkPolicy, KindConfigMap} {
		names, err := f.ListResources(ctx, kind, ComponentSelector)
		g.Expect(err).ToNot(HaveOccurred())
		g.Expect(names).To(BeEmpty(), "expected no %s left", kind)
	}
}

func TestPodStatusDistillsWaitingReason(t *testing.T) {
	g := NewWithT(t)
	f, client := newTestFacade()
	ctx := context.Background()
	name := "analysis-a1-1"
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name + "-x", Namespace: testNamespace, Labels: analysisLabels(name)},
		Status: corev1.PodStatus{
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionFalse}},
			ContainerStatuses: []corev1.ContainerStatus{{
				State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "ImagePullBackOff", Message: "no such image"}},
			}},
		},
	}
	_, err := client.CoreV1().Pods(testNamespace).Create(ctx, pod, metav1.CreateOptions{})
	g.Expect(err).ToNot(HaveOccurred())

	status, err := f.PodStatus(ctx, name)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(status).To(HaveLen(1))
	g.Expect(status[name+"-x"].Ready).To(BeFalse())
	g.Expect(status[name+"-x"].Reason).To(Equal("ImagePullBackOff"))
}

func TestPodStatusReturnsNilWithoutPods(t *testing.T) {
	g := NewWithT(t)
	f, _ := newTestFacade()
	status, err := f.PodStatus(context.Background(), "analysis-a1-1")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(status).To(BeNil())
}

func TestDeriveAnalysisID(t *testing.T) {
	g := NewWithT(t)
	cases := []struct {
		kind ResourceKind
		name string
		want string
	}{
		{KindDeployment, "analysis-a1-1", "a1"},
		{KindDeployment, "nginx-analysis-a1-2", "a1"},
		{KindService, "analysis-550e8400-e29b-41d4-a716-446655440000-3", "550e8400-e29b-41d4-a716-446655440000"},
		{KindConfigMap, "nginx-analysis-a1-1-config", "a1"},
		{KindNetworkPolicy, "nginx-to-analysis-a1-1-policy", "a1"},
		{KindPod, "analysis-a1-1-7d9f8b6c4-x2x9p", "a1"},
		{KindPod, "nginx-analysis-a1-1-66b97f-abcde", "a1"},
		{KindDeployment, "unrelated-name", ""},
		{KindDeployment, "analysis-", ""},
	}
	for _, tc := range cases {
		g.Expect(DeriveAnalysisID(tc.kind, tc.name)).To(Equal(tc.want), "kind=%s name=%s", tc.kind, tc.name)
	}
}
