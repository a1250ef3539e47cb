// Package remoteprocess implements the adapter: the object that makes a
// container running in a remote cluster look, to an in-process caller, like
// a local child process with honest stdin/stdout/stderr and an exit code.
package remoteprocess

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aybabtme/log"

	"github.com/aybabtme/kubeprocess/internal/entrypoint"
	"github.com/aybabtme/kubeprocess/internal/inject"
	"github.com/aybabtme/kubeprocess/internal/kube"
	"github.com/aybabtme/kubeprocess/internal/shellfrag"
	"github.com/aybabtme/kubeprocess/internal/workloadspec"
	corev1 "k8s.io/api/core/v1"
)

const (
	// killedExitCode is the conventional exit value reported when the pod
	// vanished after a kill was issued (the common termination-signal
	// value, spec §4.5).
	killedExitCode = 143

	// readinessCeiling bounds how long construction will wait for the pod
	// to become ready or terminal. This is a supervisor-backed process by
	// design, so the ceiling is generous (spec §5).
	readinessCeiling = 10 * 24 * time.Hour

	acceptTimeout = 30 * time.Second
	dialTimeout   = 30 * time.Second
)

// Config describes the child to start. The factory is the only intended
// caller of New (spec §4.6); it fills in OutputPort/ErrorPort/ReleasePort
// after drawing them from the port pool.
type Config struct {
	Namespace  string
	ChildID    string // unique per child; used to derive pod/probe names and labels
	Image      string
	Entrypoint string // caller override; empty means resolve it via the probe pod
	Args       []string
	Files      []inject.ConfigFile
	UseStdin   bool

	CallerHost   string // host the relay sidecars dial back to
	HeartbeatURL string

	OutputPort  int
	ErrorPort   int
	ReleasePort func(port int) // called once per port on close
}

// RemoteProcess is the adapter. No instance is reusable: it lives from
// construction until either Wait or Destroy closes it.
type RemoteProcess struct {
	client   kube.Client
	podName  string
	cfg      Config
	l        *log.Log

	outputLn net.Listener
	errorLn  net.Listener

	inputW  io.WriteCloser
	outputR io.ReadCloser
	errorR  io.ReadCloser

	acceptWG sync.WaitGroup

	killed    atomic.Bool
	closeOnce sync.Once
}

// New runs the full startup sequence described in spec §4.5 and returns a
// constructed adapter, or an error if any step failed — in which case every
// listener is closed and every port released before the error propagates
// (invariant 1).
func New(ctx context.Context, cl kube.Client, cfg Config) (*RemoteProcess, error) {
	l := log.KV("child.id", cfg.ChildID).KV("image", cfg.Image)
	l.Info("constructing remote process")

	rp := &RemoteProcess{client: cl, cfg: cfg, l: l}

	// Step 1: bind local listeners and arm the acceptors before anything
	// is submitted, so no byte of child output can be lost to a race.
	outputLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.OutputPort))
	if err != nil {
		rp.releasePorts()
		return nil, fmt.Errorf("binding output listener on port %d: %v", cfg.OutputPort, err)
	}
	rp.outputLn = outputLn

	errorLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ErrorPort))
	if err != nil {
		_ = outputLn.Close()
		rp.releasePorts()
		return nil, fmt.Errorf("binding error listener on port %d: %v", cfg.ErrorPort, err)
	}
	rp.errorLn = errorLn

	outputDone, errorDone := rp.startAcceptors()

	// Every failure from here on must close what step 1 opened before
	// propagating (invariant 1).
	fail := func(err error) (*RemoteProcess, error) {
		rp.closeListeners()
		rp.releasePorts()
		return nil, err
	}

	// Step 2: resolve the entrypoint.
	entry := cfg.Entrypoint
	if entry == "" {
		resolved, err := entrypoint.Resolve(ctx, cl, cfg.Image, workloadspec.ProbePodName(cfg.ChildID), probeLabels(cfg.ChildID))
		if err != nil {
			return fail(fmt.Errorf("resolving entrypoint: %v", err))
		}
		entry = resolved
	} else if err := entrypoint.ValidateImage(cfg.Image); err != nil {
		return fail(err)
	}

	// Step 3: build and submit the workload.
	podName := workloadspec.WorkloadName(cfg.ChildID)
	rp.podName = podName
	spec := workloadspec.Spec{
		Namespace:    cfg.Namespace,
		Name:         podName,
		ChildID:      cfg.ChildID,
		Image:        cfg.Image,
		Entrypoint:   entry,
		Args:         cfg.Args,
		UseStdin:     cfg.UseStdin,
		CallerHost:   cfg.CallerHost,
		OutputPort:   cfg.OutputPort,
		ErrorPort:    cfg.ErrorPort,
		HeartbeatURL: cfg.HeartbeatURL,
	}
	if _, err := cl.SubmitPod(ctx, workloadspec.Build(spec)); err != nil {
		return fail(fmt.Errorf("submitting workload: %v", err))
	}

	// From here, a failure means the workload exists remotely: attempt a
	// best-effort delete before giving up (spec §7, scheduling errors).
	failScheduling := func(err error) (*RemoteProcess, error) {
		l.Err(err).Error("construction failed after submit, attempting best-effort delete")
		_ = cl.Delete(context.Background(), podName, false)
		rp.closeListeners()
		rp.releasePorts()
		return nil, err
	}

	// Step 4: locate the pod by label.
	pods, err := cl.ListPods(ctx, spec.Labels())
	if err != nil {
		return failScheduling(fmt.Errorf("locating submitted pod: %v", err))
	}
	if len(pods) != 1 {
		return failScheduling(fmt.Errorf("expected exactly one pod labeled %v, found %d", spec.Labels(), len(pods)))
	}

	// Step 5: wait for the init container, then step 6: inject files.
	if err := inject.WaitForInitRunning(ctx, cl, podName); err != nil {
		return failScheduling(err)
	}
	if err := inject.UploadFiles(ctx, cl, podName, cfg.Files); err != nil {
		return failScheduling(err)
	}

	// Step 7: wait for ready or terminal.
	observed, err := cl.WaitForPodState(ctx, podName, readinessCeiling, kube.IsPodReadyOrTerminal)
	if err != nil {
		return failScheduling(fmt.Errorf("waiting for pod to become ready or terminal: %v", err))
	}
	if observed == nil {
		return failScheduling(fmt.Errorf("pod %s vanished before becoming ready or terminal", podName))
	}

	// Step 8: attach the input stream, or a null sink.
	if cfg.UseStdin {
		conn, err := dialInput(ctx, observed)
		if err != nil {
			// Transport error: surfaced, and the workload is left for the
			// caller to clean up since no adapter is being returned to
			// call Destroy on (spec §7).
			rp.closeListeners()
			rp.releasePorts()
			return nil, fmt.Errorf("dialing child's input socket: %v", err)
		}
		rp.inputW = conn
	} else {
		rp.inputW = nullSink{}
	}

	// Make sure both relay sidecars have actually connected before handing
	// the adapter back — reads are only safe once construction completes.
	if err := waitAccepted(outputDone, errorDone, acceptTimeout); err != nil {
		rp.closeListeners()
		rp.releasePorts()
		return nil, fmt.Errorf("waiting for relay sidecars to connect: %v", err)
	}

	l.Info("remote process constructed")
	return rp, nil
}

func probeLabels(childID string) map[string]string {
	return map[string]string{
		kube.ManagedByLabel: kube.ManagedByValue,
		kube.ChildIDLabel:   childID,
	}
}

// dialInput connects to the input relay sidecar's socat listener on the
// pod's own IP. It only makes sense once the pod has an address, i.e. after
// it has reached ready or terminal.
func dialInput(ctx context.Context, pod *corev1.Pod) (net.Conn, error) {
	if pod.Status.PodIP == "" {
		return nil, fmt.Errorf("pod %s has no IP assigned yet", pod.Name)
	}
	addr := fmt.Sprintf("%s:%d", pod.Status.PodIP, shellfrag.InputPort)
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %v", addr, err)
	}
	return conn, nil
}

func (rp *RemoteProcess) startAcceptors() (outputDone, errorDone chan error) {
	outputDone = make(chan error, 1)
	errorDone = make(chan error, 1)
	rp.acceptWG.Add(2)
	go func() {
		defer rp.acceptWG.Done()
		conn, err := rp.outputLn.Accept()
		if err != nil {
			outputDone <- err
			return
		}
		rp.outputR = conn
		outputDone <- nil
	}()
	go func() {
		defer rp.acceptWG.Done()
		conn, err := rp.errorLn.Accept()
		if err != nil {
			errorDone <- err
			return
		}
		rp.errorR = conn
		errorDone <- nil
	}()
	return
}

func waitAccepted(outputDone, errorDone chan error, timeout time.Duration) error {
	deadline := time.After(timeout)
	var outOK, errOK bool
	for !outOK || !errOK {
		select {
		case err := <-outputDone:
			if err != nil {
				return fmt.Errorf("output relay never connected: %v", err)
			}
			outOK = true
		case err := <-errorDone:
			if err != nil {
				return fmt.Errorf("error relay never connected: %v", err)
			}
			errOK = true
		case <-deadline:
			return fmt.Errorf("timed out after %s waiting for relay sidecars", timeout)
		}
	}
	return nil
}

// InputStream returns the writable stream bound to the child's standard
// input. When input is unused this is a sink that silently discards writes.
func (rp *RemoteProcess) InputStream() io.WriteCloser { return rp.inputW }

// OutputStream returns the child's standard output. Safe to read once New
// has returned.
func (rp *RemoteProcess) OutputStream() io.ReadCloser { return rp.outputR }

// ErrorStream returns the child's standard error. Safe to read once New has
// returned.
func (rp *RemoteProcess) ErrorStream() io.ReadCloser { return rp.errorR }

// Wait blocks until the pod is terminal, sets the killed flag, and returns
// the aggregated exit code. Setting the flag here (not just in Destroy)
// means a pod that vanishes between polls is still reported as killed
// rather than failed loudly. It always closes the adapter's resources
// before returning.
func (rp *RemoteProcess) Wait(ctx context.Context) (int, error) {
	defer rp.close()
	pod, err := rp.client.WaitForPodState(ctx, rp.podName, readinessCeiling, kube.IsPodTerminal)
	if err != nil {
		return 0, fmt.Errorf("waiting for %s to terminate: %v", rp.podName, err)
	}
	rp.killed.Store(true)
	return rp.exitCode(pod)
}

// WaitTimeout blocks until the pod is terminal or timeout elapses,
// reporting whether it terminated in time. It always closes the adapter's
// resources before returning.
func (rp *RemoteProcess) WaitTimeout(ctx context.Context, timeout time.Duration) (bool, error) {
	defer rp.close()
	pod, err := rp.client.WaitForPodState(ctx, rp.podName, timeout, kube.IsPodTerminal)
	terminated := kube.IsPodTerminal(pod)
	if err != nil && !terminated {
		return false, err
	}
	return terminated, nil
}

// ExitValue returns the exit code if the child is currently terminal, and
// fails otherwise.
func (rp *RemoteProcess) ExitValue(ctx context.Context) (int, error) {
	pod, err := rp.client.GetPod(ctx, rp.podName)
	if err != nil {
		return 0, fmt.Errorf("getting pod %s: %v", rp.podName, err)
	}
	if !kube.IsPodTerminal(pod) {
		return 0, fmt.Errorf("pod %s is not terminal", rp.podName)
	}
	return rp.exitCode(pod)
}

// Destroy issues a foreground deletion of the workload, marks the adapter
// killed, and closes its resources. Safe to call at any point after
// construction completes, and safe to race with Wait/WaitTimeout — they
// cooperate through the killed flag.
func (rp *RemoteProcess) Destroy(ctx context.Context) error {
	rp.killed.CompareAndSwap(false, true)
	err := rp.client.Delete(ctx, rp.podName, true)
	rp.close()
	if err != nil {
		return fmt.Errorf("deleting workload %s: %v", rp.podName, err)
	}
	return nil
}

// exitCode derives the adapter's exit value from the last observed pod, per
// the convention in spec §4.5: a vanished pod after a kill reports the
// conventional killed code, a vanished pod otherwise is an error, and a
// terminal pod reports the sum of its containers' exit codes.
func (rp *RemoteProcess) exitCode(pod *corev1.Pod) (int, error) {
	if pod == nil {
		if rp.killed.Load() {
			return killedExitCode, nil
		}
		return 0, fmt.Errorf("pod %s vanished without being killed", rp.podName)
	}
	return kube.SumExitCodes(pod), nil
}

func (rp *RemoteProcess) closeListeners() {
	if rp.outputLn != nil {
		_ = rp.outputLn.Close()
	}
	if rp.errorLn != nil {
		_ = rp.errorLn.Close()
	}
	rp.acceptWG.Wait()
}

func (rp *RemoteProcess) releasePorts() {
	if rp.cfg.ReleasePort == nil {
		return
	}
	rp.cfg.ReleasePort(rp.cfg.OutputPort)
	rp.cfg.ReleasePort(rp.cfg.ErrorPort)
}

// close is idempotent and swallows every error while releasing every
// resource — teardown must never mask the primary outcome (spec §7).
func (rp *RemoteProcess) close() {
	rp.closeOnce.Do(func() {
		if rp.inputW != nil {
			_ = rp.inputW.Close()
		}
		if rp.outputR != nil {
			_ = rp.outputR.Close()
		}
		if rp.errorR != nil {
			_ = rp.errorR.Close()
		}
		rp.closeListeners()
		rp.releasePorts()
	})
}

type nullSink struct{}

func (nullSink) Write(p []byte) (int, error) { return len(p), nil }
func (nullSink) Close() error                { return nil }
