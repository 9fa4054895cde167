package cluster

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// EnsureImagePullSecret creates the dockerconfigjson secret used to pull
// analysis images from the private registry. A conflicting secret is deleted
// and recreated once; a second conflict is returned as ReasonConflict.
func (f *Facade) EnsureImagePullSecret(ctx context.Context, registry, user, password, name string) error {
	if name == "" {
		name = PullSecretName
	}
	secret, err := buildPullSecret(registry, user, password, name, f.namespace)
	if err != nil {
		return err
	}
	_, err = f.client.CoreV1().Secrets(f.namespace).Create(ctx, secret, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) && !apierrors.IsConflict(err) {
		return wrapError("create image pull secret", err)
	}
	f.log.V(4).Info("image pull secret exists, recreating", "name", name)
	if err := f.client.CoreV1().Secrets(f.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return wrapError("delete conflicting image pull secret", err)
	}
	if _, err := f.client.CoreV1().Secrets(f.namespace).Create(ctx, secret, metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) || apierrors.IsConflict(err) {
			return &ClusterError{Reason: ReasonConflict, Op: "recreate image pull secret", Err: err}
		}
		return wrapError("recreate image pull secret", err)
	}
	return nil
}

func buildPullSecret(registry, user, password, name, namespace string) (*corev1.Secret, error) {
	auth := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
	dockerConfig := map[string]any{
		"auths": map[string]any{
			registry: map[string]string{
				"username": user,
				"password": password,
				"auth":     auth,
			},
		},
	}
	raw, err := json.Marshal(dockerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal docker config for %s: %w", registry, err)
	}
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Type:       corev1.SecretTypeDockerConfigJson,
		StringData: map[string]string{
			"docker-server": registry,
			// Harbor robot accounts contain '$' which must not be expanded
			// by anything templating the secret downstream.
			"docker-username":          strings.ReplaceAll(user, "$", `\$`),
			"docker-password":          password,
			corev1.DockerConfigJsonKey: string(raw),
		},
	}, nil
}
