// Package factory is the single entry point remoteprocd uses to spawn
// children: it draws two ports per child from a shared pool, hands them to
// a fresh adapter, and gives the ports back the moment construction fails or
// the adapter closes.
package factory

import (
	"context"
	"fmt"
	"time"

	"github.com/aybabtme/log"
	"github.com/pborman/uuid"

	"github.com/aybabtme/kubeprocess/internal/inject"
	"github.com/aybabtme/kubeprocess/internal/kube"
	"github.com/aybabtme/kubeprocess/internal/portpool"
	"github.com/aybabtme/kubeprocess/internal/remoteprocess"
	corev1 "k8s.io/api/core/v1"
)

// Spawn describes one child a caller wants started.
type Spawn struct {
	Image      string
	Entrypoint string // empty means resolve it from the image
	Args       []string
	Files      []inject.ConfigFile
	UseStdin   bool
}

// Factory holds the state shared by every child spawned in one process:
// the cluster client, the namespace children are created in, and the pool
// of local ports children's relay sidecars dial back to.
type Factory struct {
	namespace    string
	client       kube.Client
	ports        *portpool.Pool
	callerHost   string
	heartbeatURL string
	l            *log.Log
}

// New builds a Factory. callerHost and heartbeatURL must be reachable from
// inside the cluster the client points at.
func New(namespace string, client kube.Client, ports *portpool.Pool, callerHost, heartbeatURL string, l *log.Log) *Factory {
	return &Factory{
		namespace:    namespace,
		client:       client,
		ports:        ports,
		callerHost:   callerHost,
		heartbeatURL: heartbeatURL,
		l:            l,
	}
}

// Create draws two ports, builds a child ID, and constructs a
// remoteprocess.RemoteProcess for it. Any failure to acquire ports or
// construct the adapter releases whatever was already drawn.
func (f *Factory) Create(ctx context.Context, spawn Spawn) (*remoteprocess.RemoteProcess, error) {
	outputPort, err := f.ports.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring output port: %v", err)
	}
	errorPort, err := f.ports.Acquire(ctx)
	if err != nil {
		f.ports.Release(outputPort)
		return nil, fmt.Errorf("acquiring error port: %v", err)
	}

	childID := uuid.New()
	ll := f.l.KV("child.id", childID).KV("image", spawn.Image)
	ll.Info("creating child")

	cfg := remoteprocess.Config{
		Namespace:    f.namespace,
		ChildID:      childID,
		Image:        spawn.Image,
		Entrypoint:   spawn.Entrypoint,
		Args:         spawn.Args,
		Files:        spawn.Files,
		UseStdin:     spawn.UseStdin,
		CallerHost:   f.callerHost,
		HeartbeatURL: f.heartbeatURL,
		OutputPort:   outputPort,
		ErrorPort:    errorPort,
		ReleasePort:  f.ports.Release,
	}

	// remoteprocess.New releases both ports itself on every failure path,
	// so there is nothing left to clean up here on error.
	rp, err := remoteprocess.New(ctx, f.client, cfg)
	if err != nil {
		ll.Err(err).Error("failed creating child")
		return nil, fmt.Errorf("creating remote process: %v", err)
	}
	ll.Info("child created")
	return rp, nil
}

// Sweep deletes every workload this factory's namespace owns that has been
// terminal for longer than ttl. It is meant to be called on a timer by
// remoteprocd, not by the adapter itself (spec §9): the adapter deletes its
// workload only through Destroy, so this catches workloads whose adapter
// returned from Wait or WaitTimeout, and whatever a crashed or restarted
// caller left behind.
func (f *Factory) Sweep(ctx context.Context, ttl time.Duration) (int, error) {
	pods, err := f.client.ListPods(ctx, map[string]string{kube.ManagedByLabel: kube.ManagedByValue})
	if err != nil {
		return 0, fmt.Errorf("listing managed pods: %v", err)
	}

	swept := 0
	now := time.Now()
	for _, pod := range pods {
		if !kube.IsPodTerminal(&pod) {
			continue
		}
		finishedAt := podLatestFinish(&pod)
		if finishedAt.IsZero() || now.Sub(finishedAt) < ttl {
			continue
		}
		if err := f.client.Delete(ctx, pod.Name, false); err != nil {
			f.l.KV("pod.name", pod.Name).Err(err).Error("failed sweeping stale workload")
			continue
		}
		swept++
	}
	return swept, nil
}

// podLatestFinish returns the latest FinishedAt among the pod's terminated
// containers, or the zero time if none have one yet.
func podLatestFinish(pod *corev1.Pod) time.Time {
	var latest time.Time
	for _, cs := range pod.Status.ContainerStatuses {
		if t := cs.State.Terminated; t != nil && t.FinishedAt.Time.After(latest) {
			latest = t.FinishedAt.Time
		}
	}
	return latest
}
