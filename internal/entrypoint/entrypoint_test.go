package entrypoint

import (
	"context"
	"testing"

	"github.com/aybabtme/kubeprocess/internal/kube/kubefake"
	corev1 "k8s.io/api/core/v1"
)

func succeedOnSubmit(log string) func(*kubefake.Client, *corev1.Pod) {
	return func(c *kubefake.Client, pod *corev1.Pod) {
		c.SetLog(pod.Name, "probe", log)
		c.MutatePod(pod.Name, func(p *corev1.Pod) {
			p.Status.Phase = corev1.PodSucceeded
		})
	}
}

func TestResolve_Success(t *testing.T) {
	cl := kubefake.New("ns", succeedOnSubmit("AIRBYTE_ENTRYPOINT=/usr/local/bin/run.sh\n"))

	got, err := Resolve(context.Background(), cl, "example.com/img:tag", "probe-1", map[string]string{"x": "y"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "/usr/local/bin/run.sh" {
		t.Errorf("Resolve = %q, want /usr/local/bin/run.sh", got)
	}
	if len(cl.Deleted()) != 1 || cl.Deleted()[0] != "probe-1" {
		t.Errorf("probe pod should be deleted after resolving, deleted=%v", cl.Deleted())
	}
}

func TestResolve_MissingMarker(t *testing.T) {
	cl := kubefake.New("ns", succeedOnSubmit("some unrelated log line\n"))
	if _, err := Resolve(context.Background(), cl, "example.com/img:tag", "probe-2", nil); err == nil {
		t.Fatal("Resolve should fail when the log lacks the marker")
	}
}

func TestResolve_EmptyValue(t *testing.T) {
	cl := kubefake.New("ns", succeedOnSubmit("AIRBYTE_ENTRYPOINT=\n"))
	if _, err := Resolve(context.Background(), cl, "example.com/img:tag", "probe-3", nil); err == nil {
		t.Fatal("Resolve should fail when the image never set the env var")
	}
}

func TestResolve_ProbeFailed(t *testing.T) {
	cl := kubefake.New("ns", func(c *kubefake.Client, pod *corev1.Pod) {
		c.MutatePod(pod.Name, func(p *corev1.Pod) { p.Status.Phase = corev1.PodFailed })
	})
	if _, err := Resolve(context.Background(), cl, "example.com/img:tag", "probe-4", nil); err == nil {
		t.Fatal("Resolve should fail when the probe pod fails")
	}
}

func TestValidateImage(t *testing.T) {
	if err := ValidateImage("docker.io/library/busybox:latest"); err != nil {
		t.Errorf("ValidateImage(valid) = %v, want nil", err)
	}
	if err := ValidateImage(""); err == nil {
		t.Error("ValidateImage(empty) should fail")
	}
}
