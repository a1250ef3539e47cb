package inject

import (
	"context"
	"testing"

	"github.com/aybabtme/kubeprocess/internal/kube/kubefake"
	"github.com/aybabtme/kubeprocess/internal/shellfrag"
	"github.com/aybabtme/kubeprocess/internal/workloadspec"
	corev1 "k8s.io/api/core/v1"
)

func runningOnSubmit(c *kubefake.Client, pod *corev1.Pod) {
	c.MutatePod(pod.Name, func(p *corev1.Pod) {
		p.Status.InitContainerStatuses = []corev1.ContainerStatus{
			{Name: workloadspec.InitContainerName, State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}}},
		}
	})
}

func TestWaitForInitRunning(t *testing.T) {
	cl := kubefake.New("ns", runningOnSubmit)
	pod := &corev1.Pod{}
	pod.Name = "child-1"
	if _, err := cl.SubmitPod(context.Background(), pod); err != nil {
		t.Fatalf("SubmitPod: %v", err)
	}

	if err := WaitForInitRunning(context.Background(), cl, "child-1"); err != nil {
		t.Fatalf("WaitForInitRunning: %v", err)
	}
}

func TestWaitForInitRunning_PodVanishes(t *testing.T) {
	cl := kubefake.New("ns", nil)
	if err := WaitForInitRunning(context.Background(), cl, "never-existed"); err == nil {
		t.Fatal("expected an error for a pod that never existed")
	}
}

func TestUploadFiles_OrderAndSentinelLast(t *testing.T) {
	cl := kubefake.New("ns", nil)
	files := []ConfigFile{
		{Name: "a.json", Content: `{"a":1}`},
		{Name: "b.txt", Content: "hello"},
		{Name: "c.yaml", Content: "key: value\n"},
	}

	if err := UploadFiles(context.Background(), cl, "child-1", files); err != nil {
		t.Fatalf("UploadFiles: %v", err)
	}

	uploads := cl.Uploads()
	if len(uploads) != 4 {
		t.Fatalf("len(uploads) = %d, want 4", len(uploads))
	}
	wantOrder := []string{"/config/a.json", "/config/b.txt", "/config/c.yaml", "/config/" + shellfrag.Sentinel}
	for i, want := range wantOrder {
		if uploads[i].Dest != want {
			t.Errorf("uploads[%d].Dest = %q, want %q", i, uploads[i].Dest, want)
		}
	}
	if len(uploads[3].Content) != 0 {
		t.Errorf("sentinel upload should be empty, got %q", uploads[3].Content)
	}
}

func TestUploadFiles_RejectsInvalidYAML(t *testing.T) {
	cl := kubefake.New("ns", nil)
	files := []ConfigFile{
		{Name: "bad.yaml", Content: "key: [unterminated"},
	}
	if err := UploadFiles(context.Background(), cl, "child-1", files); err == nil {
		t.Fatal("expected an error for malformed YAML")
	}
	if len(cl.Uploads()) != 0 {
		t.Errorf("no upload should have happened, got %d", len(cl.Uploads()))
	}
}
