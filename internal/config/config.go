// Package config decodes the YAML file that tells remoteprocd which cluster
// to talk to, which ports to hand out, and how long a finished workload is
// left behind before being swept.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level shape of remoteprocd's config file.
type Config struct {
	// Namespace is the cluster namespace every workload and probe pod is
	// created in.
	Namespace string `yaml:"namespace"`

	// Kubeconfig points at a kubeconfig file. Empty means in-cluster
	// config, the way a pod's own service account would see its cluster.
	Kubeconfig string `yaml:"kubeconfig"`

	// HeartbeatHost is the address the heartbeat sidecar and the output
	// and error relays report back to. It must be reachable from inside
	// the cluster.
	HeartbeatHost string `yaml:"heartbeatHost"`

	// HeartbeatPort is the port of the heartbeat endpoint the heartbeat
	// sidecar GETs once a second. remoteprocd builds the heartbeat URL
	// from HeartbeatHost and this port; it does not serve that endpoint
	// itself.
	HeartbeatPort int `yaml:"heartbeatPort"`

	// PortRangeStart/PortRangeEnd bound the pool of local ports handed out
	// two-at-a-time to every child (one for stdout, one for stderr).
	PortRangeStart int `yaml:"portRangeStart"`
	PortRangeEnd   int `yaml:"portRangeEnd"`

	// WorkloadTTL bounds how long a terminal workload is left in the
	// cluster before the garbage collector deletes it.
	WorkloadTTL time.Duration `yaml:"workloadTTL"`
}

// Default returns the configuration remoteprocd runs with when no file is
// given: loopback heartbeat host, a modest port range, and a day-long TTL.
func Default() Config {
	return Config{
		Namespace:      "default",
		HeartbeatHost:  "127.0.0.1",
		HeartbeatPort:  9000,
		PortRangeStart: 20000,
		PortRangeEnd:   20100,
		WorkloadTTL:    24 * time.Hour,
	}
}

// Load reads and decodes the YAML config at path, starting from Default and
// letting the file override any field it sets.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("opening config %s: %v", path, err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects a configuration that cannot build a working port pool or
// namespace.
func (c Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("namespace must not be empty")
	}
	if c.HeartbeatHost == "" {
		return fmt.Errorf("heartbeatHost must not be empty")
	}
	if c.PortRangeEnd <= c.PortRangeStart {
		return fmt.Errorf("portRangeEnd (%d) must be greater than portRangeStart (%d)", c.PortRangeEnd, c.PortRangeStart)
	}
	if c.PortRangeEnd-c.PortRangeStart < 2 {
		return fmt.Errorf("port range must span at least 2 ports, one per stream")
	}
	if c.WorkloadTTL <= 0 {
		return fmt.Errorf("workloadTTL must be positive")
	}
	return nil
}

// Ports expands the configured range into the slice portpool.New expects.
func (c Config) Ports() []int {
	ports := make([]int, 0, c.PortRangeEnd-c.PortRangeStart)
	for p := c.PortRangeStart; p < c.PortRangeEnd; p++ {
		ports = append(ports, p)
	}
	return ports
}
