// Package kubefake is an in-memory kube.Client double for tests that need a
// scriptable cluster without standing up a real one or fighting the fake
// clientset's lack of an exec endpoint.
package kubefake

import (
	"context"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// Upload records one call to UploadFile.
type Upload struct {
	Pod, Container, Dest string
	Content              []byte
}

// Client is a scriptable, in-memory kube.Client.
type Client struct {
	mu       sync.Mutex
	ns       string
	pods     map[string]*corev1.Pod
	logs     map[string]map[string]string
	uploads  []Upload
	deleted  []string
	onSubmit func(*Client, *corev1.Pod)
}

// New returns an empty fake client in the given namespace. onSubmit, if
// non-nil, is called synchronously right after a pod is stored, letting
// tests script a pod's lifecycle (e.g. flip to init-running, then ready).
func New(ns string, onSubmit func(*Client, *corev1.Pod)) *Client {
	return &Client{
		ns:       ns,
		pods:     make(map[string]*corev1.Pod),
		logs:     make(map[string]map[string]string),
		onSubmit: onSubmit,
	}
}

func (c *Client) Namespace() string { return c.ns }

func (c *Client) SubmitPod(_ context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	c.mu.Lock()
	stored := pod.DeepCopy()
	c.pods[pod.Name] = stored
	hook := c.onSubmit
	c.mu.Unlock()
	if hook != nil {
		hook(c, stored)
	}
	return stored, nil
}

func (c *Client) GetPod(_ context.Context, name string) (*corev1.Pod, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pod, ok := c.pods[name]
	if !ok {
		return nil, nil
	}
	return pod.DeepCopy(), nil
}

func (c *Client) ListPods(_ context.Context, labels map[string]string) ([]corev1.Pod, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []corev1.Pod
	for _, pod := range c.pods {
		if matches(pod.Labels, labels) {
			out = append(out, *pod.DeepCopy())
		}
	}
	return out, nil
}

func matches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func (c *Client) WaitForPodState(ctx context.Context, name string, timeout time.Duration, cond func(*corev1.Pod) bool) (*corev1.Pod, error) {
	deadline := time.Now().Add(timeout)
	for {
		pod, _ := c.GetPod(ctx, name)
		if pod == nil || cond(pod) {
			return pod, nil
		}
		if time.Now().After(deadline) {
			return pod, fmt.Errorf("timed out after %s waiting for pod %s", timeout, name)
		}
		select {
		case <-ctx.Done():
			return pod, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (c *Client) Logs(_ context.Context, podName, containerName string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logs[podName][containerName], nil
}

// SetLog lets a test script a container's log output.
func (c *Client) SetLog(podName, containerName, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logs[podName] == nil {
		c.logs[podName] = make(map[string]string)
	}
	c.logs[podName][containerName] = content
}

// MutatePod lets a test reach in and change a pod's observed status.
func (c *Client) MutatePod(name string, mutate func(*corev1.Pod)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pod, ok := c.pods[name]
	if !ok {
		return
	}
	mutate(pod)
}

func (c *Client) UploadFile(_ context.Context, podName, containerName, destPath string, content []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(content))
	copy(cp, content)
	c.uploads = append(c.uploads, Upload{Pod: podName, Container: containerName, Dest: destPath, Content: cp})
	return nil
}

// Uploads returns every upload recorded so far, in order.
func (c *Client) Uploads() []Upload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Upload, len(c.uploads))
	copy(out, c.uploads)
	return out
}

func (c *Client) Delete(_ context.Context, name string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pods, name)
	c.deleted = append(c.deleted, name)
	return nil
}

// Deleted returns the names of every pod deleted so far, in order.
func (c *Client) Deleted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.deleted))
	copy(out, c.deleted)
	return out
}
