// Command remoteprocd spawns one remote child per invocation and streams
// its output, the way a caller embedding package factory would, but driven
// from flags for manual testing and as a worked example of wiring the
// whole module together.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aybabtme/log"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/aybabtme/kubeprocess/internal/config"
	"github.com/aybabtme/kubeprocess/internal/factory"
	"github.com/aybabtme/kubeprocess/internal/inject"
	"github.com/aybabtme/kubeprocess/internal/kube"
	"github.com/aybabtme/kubeprocess/internal/portpool"
)

const appName = "remoteprocd"

type options struct {
	configPath string
	image      string
	entrypoint string
	args       []string
	files      []string
	useStdin   bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		log.KV("app", appName).Err(err).Fatal("exiting")
	}
}

func run(ctx context.Context) error {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "remoteprocd [args...]",
		Short: "spawn one remote child in a Kubernetes-shaped cluster and stream it like a local process",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.args = args
			return opts.run(cmd.Context())
		},
	}
	rootCmd.Flags().StringVar(&opts.configPath, "config", "", "path to the YAML config file (defaults built in if unset)")
	rootCmd.Flags().StringVar(&opts.image, "image", "", "image to run (required)")
	rootCmd.Flags().StringVar(&opts.entrypoint, "entrypoint", "", "override the image's entrypoint instead of probing for it")
	rootCmd.Flags().StringSliceVar(&opts.files, "file", nil, "name=path pairs to inject into /config, repeatable")
	rootCmd.Flags().BoolVar(&opts.useStdin, "stdin", false, "relay this process's stdin to the child")
	_ = rootCmd.MarkFlagRequired("image")

	rootCmd.SetContext(ctx)
	return rootCmd.ExecuteContext(ctx)
}

func (o *options) run(ctx context.Context) error {
	ll := log.KV("app", appName)

	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return fmt.Errorf("loading config: %v", err)
		}
		cfg = loaded
	}

	cs, restCfg, err := buildClientset(cfg.Kubeconfig)
	if err != nil {
		return fmt.Errorf("building cluster client: %v", err)
	}
	cl, err := kube.New(cfg.Namespace, cs, restCfg)
	if err != nil {
		return fmt.Errorf("constructing kube client: %v", err)
	}
	cl = kube.Log(cl, ll)

	pool := portpool.New(cfg.Ports())
	heartbeatURL := fmt.Sprintf("http://%s:%d/heartbeat", cfg.HeartbeatHost, cfg.HeartbeatPort)
	f := factory.New(cfg.Namespace, cl, pool, cfg.HeartbeatHost, heartbeatURL, ll)

	stopSweep := startSweeper(ctx, f, cfg.WorkloadTTL, ll)
	defer stopSweep()

	files, err := readFiles(o.files)
	if err != nil {
		return err
	}

	rp, err := f.Create(ctx, factory.Spawn{
		Image:      o.image,
		Entrypoint: o.entrypoint,
		Args:       o.args,
		Files:      files,
		UseStdin:   o.useStdin,
	})
	if err != nil {
		return fmt.Errorf("creating child: %v", err)
	}

	go func() {
		<-ctx.Done()
		_ = rp.Destroy(context.Background())
	}()

	if o.useStdin {
		go func() { _, _ = io.Copy(rp.InputStream(), os.Stdin) }()
	}
	go func() { _, _ = io.Copy(os.Stdout, rp.OutputStream()) }()
	go func() { _, _ = io.Copy(os.Stderr, rp.ErrorStream()) }()

	code, err := rp.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for child: %v", err)
	}
	ll.KV("exit.code", code).Info("child finished")
	os.Exit(code)
	return nil
}

func buildClientset(kubeconfig string) (kubernetes.Interface, *rest.Config, error) {
	var restCfg *rest.Config
	var err error
	if kubeconfig == "" {
		restCfg, err = rest.InClusterConfig()
	} else {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading cluster config: %v", err)
	}
	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("building clientset: %v", err)
	}
	return cs, restCfg, nil
}

// readFiles turns "name=path" pairs from --file into injectable config
// files, read eagerly so a missing path fails before anything touches the
// cluster.
func readFiles(pairs []string) ([]inject.ConfigFile, error) {
	files := make([]inject.ConfigFile, 0, len(pairs))
	for _, pair := range pairs {
		name, path, ok := splitPair(pair)
		if !ok {
			return nil, fmt.Errorf("malformed --file %q, want name=path", pair)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %v", path, err)
		}
		files = append(files, inject.ConfigFile{Name: name, Content: string(content)})
	}
	return files, nil
}

func splitPair(pair string) (name, value string, ok bool) {
	for i := range pair {
		if pair[i] == '=' {
			return pair[:i], pair[i+1:], true
		}
	}
	return "", "", false
}

// startSweeper runs the workload garbage collector on a timer until ctx is
// done, the way remoteprocd owns TTL cleanup rather than the adapter
// (spec §9). The returned func blocks until the sweeper goroutine exits.
func startSweeper(ctx context.Context, f *factory.Factory, ttl time.Duration, ll *log.Log) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				swept, err := f.Sweep(ctx, ttl)
				if err != nil {
					ll.Err(err).Error("sweep failed")
					continue
				}
				if swept > 0 {
					ll.KV("swept", swept).Info("swept stale workloads")
				}
			}
		}
	}()
	return func() { <-done }
}
