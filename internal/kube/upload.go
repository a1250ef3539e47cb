package kube

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"path"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

// execUploader writes a file into a container the same way `kubectl cp`
// does: exec a `tar -xf -` in the target directory and stream a one-entry
// tar archive over its stdin.
type execUploader struct {
	cs  kubernetes.Interface
	cfg *rest.Config
}

func newExecUploader(cs kubernetes.Interface, cfg *rest.Config) Uploader {
	return &execUploader{cs: cs, cfg: cfg}
}

func (u *execUploader) Upload(ctx context.Context, namespace, pod, container, destPath string, content []byte) error {
	dir := path.Dir(destPath)
	name := path.Base(destPath)

	archive, err := tarOf(name, content)
	if err != nil {
		return fmt.Errorf("building tar for %s: %v", destPath, err)
	}

	req := u.cs.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(namespace).
		SubResource("exec")
	req.VersionedParams(&corev1.PodExecOptions{
		Container: container,
		Command:   []string{"tar", "-xf", "-", "-C", dir},
		Stdin:     true,
		Stdout:    true,
		Stderr:    true,
	}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(u.cfg, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("building executor for %s: %v", destPath, err)
	}

	var stdout, stderr bytes.Buffer
	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  bytes.NewReader(archive),
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		return fmt.Errorf("streaming %s into %s/%s: %v (stderr: %s)", destPath, pod, container, err, stderr.String())
	}
	return nil
}

func tarOf(name string, content []byte) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(content); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
