// Package entrypoint resolves a container image's real entrypoint by
// running a short-lived probe pod from the same image.
package entrypoint

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/aybabtme/kubeprocess/internal/kube"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// EnvVar is the environment variable the probe pod echoes.
	EnvVar = "AIRBYTE_ENTRYPOINT"

	probeContainer = "probe"
	probeTimeout   = 2 * time.Minute
)

// ValidateImage rejects a malformed image reference before any workload
// touches the cluster; a bad reference is a preflight error, not a
// scheduling failure discovered minutes later.
func ValidateImage(image string) error {
	if _, err := name.ParseReference(image, name.WeakValidation); err != nil {
		return fmt.Errorf("invalid image reference %q: %v", image, err)
	}
	return nil
}

// Resolve submits a probe pod that prints "AIRBYTE_ENTRYPOINT=$AIRBYTE_ENTRYPOINT",
// waits for it to succeed, and parses the value out of its log.
func Resolve(ctx context.Context, cl kube.Client, image, probePodName string, labels map[string]string) (string, error) {
	if err := ValidateImage(image); err != nil {
		return "", err
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      probePodName,
			Namespace: cl.Namespace(),
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:    probeContainer,
					Image:   image,
					Command: []string{"sh", "-c", fmt.Sprintf("echo %s=$%s", EnvVar, EnvVar)},
				},
			},
		},
	}

	if _, err := cl.SubmitPod(ctx, pod); err != nil {
		return "", fmt.Errorf("submitting entrypoint probe for %s: %v", image, err)
	}
	defer func() { _ = cl.Delete(context.Background(), probePodName, false) }()

	observed, err := cl.WaitForPodState(ctx, probePodName, probeTimeout, func(p *corev1.Pod) bool {
		return p.Status.Phase == corev1.PodSucceeded || p.Status.Phase == corev1.PodFailed || kube.IsPodTerminal(p)
	})
	if err != nil {
		return "", fmt.Errorf("waiting for entrypoint probe of %s: %v", image, err)
	}
	if observed == nil {
		return "", fmt.Errorf("entrypoint probe for %s vanished before finishing", image)
	}
	if observed.Status.Phase == corev1.PodFailed {
		return "", fmt.Errorf("entrypoint probe for %s failed, wrong image or crashed entrypoint", image)
	}

	logs, err := cl.Logs(ctx, probePodName, probeContainer)
	if err != nil {
		return "", fmt.Errorf("reading entrypoint probe log for %s: %v", image, err)
	}

	return parse(logs)
}

func parse(logs string) (string, error) {
	prefix := EnvVar + "="
	for _, line := range strings.Split(logs, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		value := strings.TrimPrefix(line, prefix)
		if value == "" {
			return "", fmt.Errorf("image did not set %s", EnvVar)
		}
		return value, nil
	}
	return "", fmt.Errorf("probe log lacks %s marker, wrong image", EnvVar)
}
