// Package workloadspec builds the full multi-container pod that backs one
// remote child: an init container, the primary, relay sidecars, and a
// heartbeat caller, wired together by the shared scratch volumes and shell
// fragments from package shellfrag.
package workloadspec

import (
	"fmt"

	"github.com/aybabtme/kubeprocess/internal/kube"
	"github.com/aybabtme/kubeprocess/internal/shellfrag"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	pipesVolume       = "airbyte-pipes"
	configVolume      = "airbyte-config"
	terminationVolume = "airbyte-termination"

	pipesMount       = "/pipes"
	configMount      = "/config"
	terminationMount = "/termination"

	initImage      = "busybox"
	socatImage     = "alpine/socat"
	heartbeatImage = "curlimages/curl"

	InitContainerName        = "init"
	MainContainerName        = "main"
	OutputRelayContainerName = "output-relay"
	ErrorRelayContainerName  = "error-relay"
	InputRelayContainerName  = "input-relay"
	HeartbeatContainerName   = "heartbeat-caller"
)

// Spec describes the workload to build for one child process.
type Spec struct {
	Namespace  string
	Name       string
	ChildID    string
	Image      string
	Entrypoint string
	Args       []string
	UseStdin   bool

	CallerHost string
	OutputPort int
	ErrorPort  int

	HeartbeatURL string
}

// Labels returns the label set every pod built from this spec carries,
// including the managed-by/child-id pair the adapter uses to relocate its
// pod after submission (spec §4.3).
func (s Spec) Labels() map[string]string {
	return map[string]string{
		kube.ManagedByLabel: kube.ManagedByValue,
		kube.ChildIDLabel:   s.ChildID,
	}
}

// Build assembles the pod object. restartPolicy is always Never: no
// container in this workload is ever retried by the cluster.
func Build(spec Spec) *corev1.Pod {
	volumes := []corev1.Volume{
		emptyDirVolume(pipesVolume),
		emptyDirVolume(configVolume),
		emptyDirVolume(terminationVolume),
	}

	containers := []corev1.Container{
		mainContainer(spec),
		outputRelay(spec),
		errorRelay(spec),
		heartbeatCaller(spec),
	}
	if spec.UseStdin {
		containers = append(containers, inputRelay(spec))
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: spec.Namespace,
			Labels:    spec.Labels(),
		},
		Spec: corev1.PodSpec{
			RestartPolicy:  corev1.RestartPolicyNever,
			InitContainers: []corev1.Container{initContainer(spec)},
			Containers:     containers,
			Volumes:        volumes,
		},
	}
}

func emptyDirVolume(name string) corev1.Volume {
	return corev1.Volume{
		Name:         name,
		VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
	}
}

func mount(volume, path string) corev1.VolumeMount {
	return corev1.VolumeMount{Name: volume, MountPath: path}
}

func initContainer(spec Spec) corev1.Container {
	return corev1.Container{
		Name:       InitContainerName,
		Image:      initImage,
		Command:    []string{"sh", "-c", shellfrag.Init(spec.UseStdin)},
		WorkingDir: configMount,
		VolumeMounts: []corev1.VolumeMount{
			mount(pipesVolume, pipesMount),
			mount(configVolume, configMount),
		},
	}
}

func mainContainer(spec Spec) corev1.Container {
	return corev1.Container{
		Name:       MainContainerName,
		Image:      spec.Image,
		Command:    []string{"sh", "-c", shellfrag.Main(spec.Entrypoint, spec.Args, spec.UseStdin)},
		WorkingDir: configMount,
		VolumeMounts: []corev1.VolumeMount{
			mount(pipesVolume, pipesMount),
			mount(configVolume, configMount),
			mount(terminationVolume, terminationMount),
		},
	}
}

func outputRelay(spec Spec) corev1.Container {
	cmd := shellfrag.OutputRelay(pipesMount+"/stdout", spec.CallerHost, spec.OutputPort)
	return sidecar(OutputRelayContainerName, socatImage, shellfrag.HappyCloser(cmd))
}

func errorRelay(spec Spec) corev1.Container {
	cmd := shellfrag.OutputRelay(pipesMount+"/stderr", spec.CallerHost, spec.ErrorPort)
	return sidecar(ErrorRelayContainerName, socatImage, shellfrag.HappyCloser(cmd))
}

func inputRelay(spec Spec) corev1.Container {
	cmd := shellfrag.InputRelay(pipesMount + "/stdin")
	return sidecar(InputRelayContainerName, socatImage, shellfrag.HappyCloser(cmd))
}

func heartbeatCaller(spec Spec) corev1.Container {
	cmd := shellfrag.HeartbeatLoop(spec.HeartbeatURL)
	return sidecar(HeartbeatContainerName, heartbeatImage, shellfrag.SadCloser(cmd))
}

func sidecar(name, image, script string) corev1.Container {
	return corev1.Container{
		Name:    name,
		Image:   image,
		Command: []string{"sh", "-c", script},
		VolumeMounts: []corev1.VolumeMount{
			mount(pipesVolume, pipesMount),
			mount(terminationVolume, terminationMount),
		},
	}
}

// ProbePodName and WorkloadName derive stable, unique resource names from a
// child ID the way the teacher derives program IDs from a path: readable,
// never reused.
func ProbePodName(childID string) string { return fmt.Sprintf("remoteprocess-probe-%s", childID) }
func WorkloadName(childID string) string { return fmt.Sprintf("remoteprocess-%s", childID) }
