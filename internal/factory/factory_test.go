package factory

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aybabtme/log"

	"github.com/aybabtme/kubeprocess/internal/kube/kubefake"
	"github.com/aybabtme/kubeprocess/internal/portpool"
	"github.com/aybabtme/kubeprocess/internal/workloadspec"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func discardLog() *log.Log { return log.KV("test", true) }

func readyOnAnySubmit(outputPort, errorPort int, conns *[]net.Conn, mu *sync.Mutex) func(*kubefake.Client, *corev1.Pod) {
	return func(c *kubefake.Client, pod *corev1.Pod) {
		isProbe := len(pod.Name) > len("remoteprocess-probe-") && pod.Name[:len("remoteprocess-probe-")] == "remoteprocess-probe-"
		if isProbe {
			c.SetLog(pod.Name, "probe", "AIRBYTE_ENTRYPOINT=/bin/echo\n")
			c.MutatePod(pod.Name, func(p *corev1.Pod) { p.Status.Phase = corev1.PodSucceeded })
			return
		}
		c.MutatePod(pod.Name, func(p *corev1.Pod) {
			p.Status.InitContainerStatuses = []corev1.ContainerStatus{
				{Name: workloadspec.InitContainerName, State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}}},
			}
		})
		go func() {
			out, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", outputPort))
			if err != nil {
				return
			}
			errc, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", errorPort))
			if err != nil {
				return
			}
			mu.Lock()
			*conns = append(*conns, out, errc)
			mu.Unlock()
			c.MutatePod(pod.Name, func(p *corev1.Pod) {
				p.Status.PodIP = "127.0.0.1"
				p.Status.ContainerStatuses = []corev1.ContainerStatus{
					{Name: workloadspec.MainContainerName, Ready: true},
					{Name: workloadspec.OutputRelayContainerName, Ready: true},
					{Name: workloadspec.ErrorRelayContainerName, Ready: true},
					{Name: workloadspec.HeartbeatContainerName, Ready: true},
				}
			})
		}()
	}
}

func TestCreate_DrawsTwoPortsAndConstructsAChild(t *testing.T) {
	outputPort, errorPort := freePort(t), freePort(t)
	var conns []net.Conn
	var mu sync.Mutex
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	}()

	cl := kubefake.New("ns", readyOnAnySubmit(outputPort, errorPort, &conns, &mu))
	pool := portpool.New([]int{outputPort, errorPort})
	f := New("ns", cl, pool, "127.0.0.1", "http://127.0.0.1/health", discardLog())

	rp, err := f.Create(context.Background(), Spawn{Image: "busybox:latest"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if pool.Len() != 0 {
		t.Fatalf("pool.Len() = %d, want 0 while the child holds both ports", pool.Len())
	}

	if err := rp.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if pool.Len() != 2 {
		t.Fatalf("pool.Len() = %d, want 2 after the child released its ports", pool.Len())
	}
}

func TestCreate_PropagatesPortAcquireFailure(t *testing.T) {
	cl := kubefake.New("ns", nil)
	pool := portpool.New(nil) // empty pool, every Acquire blocks forever

	f := New("ns", cl, pool, "127.0.0.1", "http://127.0.0.1/health", discardLog())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Create(ctx, Spawn{Image: "busybox:latest"}); err == nil {
		t.Fatal("expected Create to fail when the port pool is empty and the context expires")
	}
}

func TestSweep_DeletesStaleTerminalWorkloadsOnly(t *testing.T) {
	cl := kubefake.New("ns", nil)

	fresh := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "fresh", Labels: map[string]string{"deployotron.io/managed-by": "remoteprocess"}},
	}
	fresh.Status.ContainerStatuses = []corev1.ContainerStatus{
		{Name: "main", State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: 0, FinishedAt: metav1.Now()}}},
	}

	stale := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "stale", Labels: map[string]string{"deployotron.io/managed-by": "remoteprocess"}},
	}
	stale.Status.ContainerStatuses = []corev1.ContainerStatus{
		{Name: "main", State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: 0, FinishedAt: metav1.NewTime(time.Now().Add(-48 * time.Hour))}}},
	}

	running := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "running", Labels: map[string]string{"deployotron.io/managed-by": "remoteprocess"}},
	}
	running.Status.ContainerStatuses = []corev1.ContainerStatus{
		{Name: "main", State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}}},
	}

	for _, p := range []*corev1.Pod{fresh, stale, running} {
		if _, err := cl.SubmitPod(context.Background(), p); err != nil {
			t.Fatalf("SubmitPod: %v", err)
		}
	}

	f := New("ns", cl, portpool.New(nil), "127.0.0.1", "http://127.0.0.1/health", discardLog())
	swept, err := f.Sweep(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}
	deleted := cl.Deleted()
	if len(deleted) != 1 || deleted[0] != "stale" {
		t.Fatalf("deleted = %v, want [stale]", deleted)
	}
}
