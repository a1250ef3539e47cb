// Package shellfrag builds the single-line shell scripts fed to `sh -c`
// inside the init, main, and sidecar containers of a workload. Every
// fragment is pure string assembly — no cluster calls, no filesystem
// access — so it is exercised with plain table tests.
package shellfrag

import (
	"fmt"
	"strings"
)

const (
	pipesDir       = "/pipes"
	configDir      = "/config"
	terminationDir = "/termination"

	// Sentinel is the zero-byte file the file injector drops last; its
	// presence releases the init container.
	Sentinel = "FINISHED_UPLOADING"

	// MainDeathCertificate is the file the primary's exit trap touches.
	MainDeathCertificate = terminationDir + "/main"

	initPollInterval     = 5 // seconds
	watchdogPollInterval = 1 // seconds

	// InputPort is the fixed TCP port the input-relay sidecar listens on
	// inside the pod.
	InputPort = 9001
)

// Init returns the init container's command: make the FIFOs, then spin
// until the sentinel file appears in /config.
func Init(useStdin bool) string {
	var mkfifos strings.Builder
	fmt.Fprintf(&mkfifos, "mkfifo %s/stdout %s/stderr", pipesDir, pipesDir)
	if useStdin {
		fmt.Fprintf(&mkfifos, " %s/stdin", pipesDir)
	}
	return fmt.Sprintf(
		`%s; while [ ! -f %s/%s ]; do sleep %d; done`,
		mkfifos.String(), configDir, Sentinel, initPollInterval,
	)
}

// Main returns the primary container's command: trap-on-exit touches the
// death certificate, then runs the resolved entrypoint with its standard
// streams wired to the FIFOs.
func Main(entrypoint string, args []string, useStdin bool) string {
	cmdline := entrypoint
	if len(args) > 0 {
		cmdline = entrypoint + " " + strings.Join(args, " ")
	}

	var run strings.Builder
	if useStdin {
		fmt.Fprintf(&run, "cat %s/stdin | ", pipesDir)
	}
	fmt.Fprintf(&run, "%s 1>%s/stdout 2>%s/stderr", cmdline, pipesDir, pipesDir)

	return fmt.Sprintf(
		`trap "touch %s" EXIT; %s`,
		MainDeathCertificate, run.String(),
	)
}

// HappyCloser wraps a sidecar command so it follows the primary: starts cmd
// in the background, watches for the death certificate, and kills cmd when
// it appears. Exits zero if the death certificate exists by the time cmd
// ends, so the primary finishing first never fails the workload; if cmd
// dies on its own before the primary does, the death certificate is absent
// and the wrapper exits nonzero so the pod's summed exit code is tainted.
func HappyCloser(cmd string) string {
	return fmt.Sprintf(
		`(%s) & pid=$!; `+
			`(while [ ! -f %s ]; do sleep %d; done; kill $pid 2>/dev/null) & `+
			`wait $pid 2>/dev/null; `+
			`if [ -f %s ]; then exit 0; else exit 1; fi`,
		cmd, MainDeathCertificate, watchdogPollInterval, MainDeathCertificate,
	)
}

// SadCloser wraps the heartbeat caller: it must never exit before the
// primary does. If the death certificate appears, it exits zero without
// touching the inner command. If the inner command exits on its own first,
// the wrapper exits one.
func SadCloser(cmd string) string {
	return fmt.Sprintf(
		`(%s) & pid=$!; `+
			`(while [ ! -f %s ]; do `+
			`if ! kill -0 $pid 2>/dev/null; then exit 1; fi; `+
			`sleep %d; done; exit 0) & watcher=$!; `+
			`wait $watcher`,
		cmd, MainDeathCertificate, watchdogPollInterval,
	)
}

// OutputRelay returns the command for a sidecar that pipes a FIFO into a
// TCP connection to the caller.
func OutputRelay(fifoPath, host string, port int) string {
	return fmt.Sprintf("socat -u OPEN:%s,rdonly TCP:%s:%d", fifoPath, host, port)
}

// InputRelay returns the command for the sidecar that listens on the fixed
// input port and writes received bytes into the stdin FIFO.
func InputRelay(fifoPath string) string {
	return fmt.Sprintf("socat TCP-LISTEN:%d,reuseaddr OPEN:%s,wronly", InputPort, fifoPath)
}

// HeartbeatLoop returns the command that GETs the heartbeat URL once a
// second, forever.
func HeartbeatLoop(url string) string {
	return fmt.Sprintf(`while true; do curl -sf "%s" > /dev/null; sleep 1; done`, url)
}
