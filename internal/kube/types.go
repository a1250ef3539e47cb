// Package kube wraps the pieces of a Kubernetes-shaped cluster client that
// the remote-process adapter needs: submitting pods, watching their status,
// fetching logs, and streaming small files into a running container.
//
// The cluster client library itself is treated as an external collaborator
// (spec §1) — this package is the thin, typed surface the rest of the module
// programs against, the way the teacher wraps a docker client behind
// container.Client.
package kube

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// ManagedByLabel and ChildIDLabel identify every pod this module ever
// creates, whether a probe pod or a full workload.
const (
	ManagedByLabel = "deployotron.io/managed-by"
	ManagedByValue = "remoteprocess"
	ChildIDLabel   = "deployotron.io/child-id"
)

// Client is everything the adapter, the factory, the injector, and the
// image introspector need from a cluster.
type Client interface {
	// Namespace the client operates in.
	Namespace() string

	// SubmitPod creates the pod, replacing any existing pod of the same name.
	SubmitPod(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error)

	// GetPod fetches a pod by name. Returns (nil, nil) if absent.
	GetPod(ctx context.Context, name string) (*corev1.Pod, error)

	// ListPods lists pods matching every given label exactly.
	ListPods(ctx context.Context, labels map[string]string) ([]corev1.Pod, error)

	// WaitForPodState polls until cond(pod) is true, the pod vanishes, or
	// timeout elapses. Returns the last observed pod (nil if it vanished).
	WaitForPodState(ctx context.Context, name string, timeout time.Duration, cond func(*corev1.Pod) bool) (*corev1.Pod, error)

	// Logs returns the full log output of a single container.
	Logs(ctx context.Context, podName, containerName string) (string, error)

	// UploadFile streams content into destPath inside a running container.
	UploadFile(ctx context.Context, podName, containerName, destPath string, content []byte) error

	// Delete removes a pod. If foreground, deletion blocks (from the
	// cluster's perspective) until dependents are gone.
	Delete(ctx context.Context, name string, foreground bool) error
}

// IsPodReady mirrors the cluster's standard readiness definition: every
// container reports ready.
func IsPodReady(pod *corev1.Pod) bool {
	if pod == nil || len(pod.Status.ContainerStatuses) == 0 {
		return false
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if !cs.Ready {
			return false
		}
	}
	return true
}

// IsPodTerminal is true once at least one container has a non-null
// terminated state.
func IsPodTerminal(pod *corev1.Pod) bool {
	if pod == nil {
		return false
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Terminated != nil {
			return true
		}
	}
	return false
}

// IsPodReadyOrTerminal is the predicate the adapter waits on after
// submitting a workload: proceed as soon as streaming is possible, or the
// pod is beyond hope.
func IsPodReadyOrTerminal(pod *corev1.Pod) bool {
	return IsPodReady(pod) || IsPodTerminal(pod)
}

// IsInitContainerRunning is true once at least one init container status
// reports a non-null running state.
func IsInitContainerRunning(pod *corev1.Pod) bool {
	if pod == nil {
		return false
	}
	for _, cs := range pod.Status.InitContainerStatuses {
		if cs.State.Running != nil {
			return true
		}
	}
	return false
}

// SumExitCodes adds up the exit codes of every terminated container. This is
// the adapter's exit-code convention: an all-zero sum is the only success
// case, any non-zero sidecar taints the result.
func SumExitCodes(pod *corev1.Pod) int {
	sum := 0
	for _, cs := range pod.Status.ContainerStatuses {
		if t := cs.State.Terminated; t != nil {
			sum += int(t.ExitCode)
		}
	}
	return sum
}
