package kube

import (
	"context"
	"time"

	"github.com/aybabtme/log"
	corev1 "k8s.io/api/core/v1"
)

type logClient struct {
	wrap Client
	l    *log.Log
}

// Log wraps a Client so every call that changes or waits on cluster state
// (SubmitPod, WaitForPodState, UploadFile, Delete) is logged before and
// after, the way the teacher logs every container.Client call. Read-only
// calls (GetPod, ListPods, Logs) are logged only when they fail.
func Log(client Client, l *log.Log) Client {
	return &logClient{wrap: client, l: l}
}

func (lc *logClient) Namespace() string { return lc.wrap.Namespace() }

func (lc *logClient) SubmitPod(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	ll := lc.l.KV("pod.name", pod.Name)
	ll.Info("submitting pod")
	out, err := lc.wrap.SubmitPod(ctx, pod)
	if err != nil {
		ll.Err(err).Error("failed submitting pod")
		return nil, err
	}
	ll.Info("done submitting pod")
	return out, nil
}

func (lc *logClient) GetPod(ctx context.Context, name string) (*corev1.Pod, error) {
	pod, err := lc.wrap.GetPod(ctx, name)
	if err != nil {
		lc.l.KV("pod.name", name).Err(err).Error("failed getting pod")
	}
	return pod, err
}

func (lc *logClient) ListPods(ctx context.Context, labels map[string]string) ([]corev1.Pod, error) {
	pods, err := lc.wrap.ListPods(ctx, labels)
	if err != nil {
		lc.l.KV("labels", labels).Err(err).Error("failed listing pods")
	}
	return pods, err
}

func (lc *logClient) WaitForPodState(ctx context.Context, name string, timeout time.Duration, cond func(*corev1.Pod) bool) (*corev1.Pod, error) {
	ll := lc.l.KV("pod.name", name).KV("timeout", timeout)
	ll.Info("waiting for pod state")
	pod, err := lc.wrap.WaitForPodState(ctx, name, timeout, cond)
	if err != nil {
		ll.Err(err).Error("failed waiting for pod state")
		return pod, err
	}
	ll.Info("done waiting for pod state")
	return pod, nil
}

func (lc *logClient) Logs(ctx context.Context, podName, containerName string) (string, error) {
	out, err := lc.wrap.Logs(ctx, podName, containerName)
	if err != nil {
		lc.l.KV("pod.name", podName).KV("container", containerName).Err(err).Error("failed fetching logs")
	}
	return out, err
}

func (lc *logClient) UploadFile(ctx context.Context, podName, containerName, destPath string, content []byte) error {
	ll := lc.l.KV("pod.name", podName).KV("container", containerName).KV("dest", destPath)
	ll.Info("uploading file")
	if err := lc.wrap.UploadFile(ctx, podName, containerName, destPath, content); err != nil {
		ll.Err(err).Error("failed uploading file")
		return err
	}
	ll.Info("done uploading file")
	return nil
}

func (lc *logClient) Delete(ctx context.Context, name string, foreground bool) error {
	ll := lc.l.KV("pod.name", name).KV("foreground", foreground)
	ll.Info("deleting pod")
	if err := lc.wrap.Delete(ctx, name, foreground); err != nil {
		ll.Err(err).Error("failed deleting pod")
		return err
	}
	ll.Info("done deleting pod")
	return nil
}
