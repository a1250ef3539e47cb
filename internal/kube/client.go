package kube

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// Uploader streams a file into a running container. Split out of client so
// tests can swap in a recorder without standing up something that can exec.
type Uploader interface {
	Upload(ctx context.Context, namespace, pod, container, destPath string, content []byte) error
}

type client struct {
	cs        kubernetes.Interface
	namespace string
	uploader  Uploader
	pollEvery time.Duration
}

// New returns a Client backed by a real clientset and rest config, able to
// both watch pod status and exec into containers to upload files.
func New(namespace string, cs kubernetes.Interface, cfg *rest.Config) (Client, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace must not be empty")
	}
	return &client{
		cs:        cs,
		namespace: namespace,
		uploader:  newExecUploader(cs, cfg),
		pollEvery: 2 * time.Second,
	}, nil
}

// NewWithUploader is the same as New but lets the caller supply the
// uploader, which lets this package run against
// k8s.io/client-go/kubernetes/fake (whose exec endpoint cannot be driven by
// the real SPDY executor).
func NewWithUploader(namespace string, cs kubernetes.Interface, uploader Uploader) Client {
	return &client{
		cs:        cs,
		namespace: namespace,
		uploader:  uploader,
		pollEvery: 10 * time.Millisecond,
	}
}

func (c *client) Namespace() string { return c.namespace }

func (c *client) SubmitPod(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	pods := c.cs.CoreV1().Pods(c.namespace)
	created, err := pods.Create(ctx, pod, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		if derr := c.Delete(ctx, pod.Name, true); derr != nil {
			return nil, fmt.Errorf("replacing existing pod %s: %v", pod.Name, derr)
		}
		created, err = pods.Create(ctx, pod, metav1.CreateOptions{})
	}
	if err != nil {
		return nil, fmt.Errorf("submitting pod %s: %v", pod.Name, err)
	}
	return created, nil
}

func (c *client) GetPod(ctx context.Context, name string) (*corev1.Pod, error) {
	pod, err := c.cs.CoreV1().Pods(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting pod %s: %v", name, err)
	}
	return pod, nil
}

func (c *client) ListPods(ctx context.Context, labels map[string]string) ([]corev1.Pod, error) {
	list, err := c.cs.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: metav1.FormatLabelSelector(&metav1.LabelSelector{MatchLabels: labels}),
	})
	if err != nil {
		return nil, fmt.Errorf("listing pods: %v", err)
	}
	return list.Items, nil
}

func (c *client) WaitForPodState(ctx context.Context, name string, timeout time.Duration, cond func(*corev1.Pod) bool) (*corev1.Pod, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()
	for {
		pod, err := c.GetPod(ctx, name)
		if err != nil {
			return nil, err
		}
		if pod == nil || cond(pod) {
			return pod, nil
		}
		if time.Now().After(deadline) {
			return pod, fmt.Errorf("timed out after %s waiting for pod %s", timeout, name)
		}
		select {
		case <-ctx.Done():
			return pod, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *client) Logs(ctx context.Context, podName, containerName string) (string, error) {
	req := c.cs.CoreV1().Pods(c.namespace).GetLogs(podName, &corev1.PodLogOptions{Container: containerName})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("opening log stream for %s/%s: %v", podName, containerName, err)
	}
	defer stream.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, stream); err != nil {
		return "", fmt.Errorf("reading logs for %s/%s: %v", podName, containerName, err)
	}
	return buf.String(), nil
}

func (c *client) UploadFile(ctx context.Context, podName, containerName, destPath string, content []byte) error {
	return c.uploader.Upload(ctx, c.namespace, podName, containerName, destPath, content)
}

func (c *client) Delete(ctx context.Context, name string, foreground bool) error {
	policy := metav1.DeletePropagationBackground
	if foreground {
		policy = metav1.DeletePropagationForeground
	}
	err := c.cs.CoreV1().Pods(c.namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting pod %s: %v", name, err)
	}
	return nil
}
