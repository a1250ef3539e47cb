// Package inject streams the caller's configuration files into the init
// container's shared volume, then releases it with the FINISHED_UPLOADING
// sentinel.
package inject

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aybabtme/kubeprocess/internal/kube"
	"github.com/aybabtme/kubeprocess/internal/shellfrag"
	"github.com/aybabtme/kubeprocess/internal/workloadspec"
)

// RunningTimeout bounds how long we wait for the init container to reach
// running before giving up (spec §4.4: "a generous timeout").
const RunningTimeout = 5 * time.Minute

// ConfigFile is one caller-supplied file destined for /config. A slice
// (rather than a map) is the mapping type here precisely because insertion
// order matters: the sentinel must land strictly after every file, and
// S6 in spec §8 cares about the order files were supplied in.
type ConfigFile struct {
	Name    string
	Content string
}

// WaitForInitRunning blocks until podName exposes a running init container.
func WaitForInitRunning(ctx context.Context, cl kube.Client, podName string) error {
	pod, err := cl.WaitForPodState(ctx, podName, RunningTimeout, kube.IsInitContainerRunning)
	if err != nil {
		return fmt.Errorf("waiting for init container of %s: %v", podName, err)
	}
	if pod == nil {
		return fmt.Errorf("pod %s vanished before its init container started", podName)
	}
	if !kube.IsInitContainerRunning(pod) {
		return fmt.Errorf("pod %s's init container never reached running", podName)
	}
	return nil
}

// UploadFiles writes every file into /config of the init container, in
// order, then uploads the FINISHED_UPLOADING sentinel strictly after them.
func UploadFiles(ctx context.Context, cl kube.Client, podName string, files []ConfigFile) error {
	for _, f := range files {
		if err := validate(f.Name, f.Content); err != nil {
			return err
		}
		dest := "/config/" + f.Name
		if err := cl.UploadFile(ctx, podName, workloadspec.InitContainerName, dest, []byte(f.Content)); err != nil {
			return fmt.Errorf("uploading %s: %v", f.Name, err)
		}
	}
	sentinelDest := "/config/" + shellfrag.Sentinel
	if err := cl.UploadFile(ctx, podName, workloadspec.InitContainerName, sentinelDest, nil); err != nil {
		return fmt.Errorf("uploading sentinel: %v", err)
	}
	return nil
}

// validate rejects a YAML-named file whose content does not parse as YAML
// before it is uploaded, rather than shipping something the primary could
// never consume (spec §6a).
func validate(name, content string) error {
	if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
		return nil
	}
	var probe interface{}
	if err := yaml.Unmarshal([]byte(content), &probe); err != nil {
		return fmt.Errorf("config file %q is not valid YAML: %v", name, err)
	}
	return nil
}
