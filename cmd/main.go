/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/apptrail-sh/canary/internal/buildinfo"
	"github.com/apptrail-sh/canary/internal/canary"
	"github.com/apptrail-sh/canary/internal/cluster"
	"github.com/apptrail-sh/canary/internal/config"
	"github.com/apptrail-sh/canary/internal/hooks"
	"github.com/apptrail-sh/canary/internal/hooks/controlplane"
	"github.com/apptrail-sh/canary/internal/hooks/pubsub"
	"github.com/apptrail-sh/canary/internal/kube"
	"github.com/apptrail-sh/canary/internal/lease"
	"github.com/apptrail-sh/canary/internal/loadgen"
	"github.com/apptrail-sh/canary/internal/metrics"
	"github.com/apptrail-sh/canary/internal/probe"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// so that out-of-cluster runs can authenticate with any kubeconfig.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

const (
	shutdownTimeout        = 30 * time.Second
	clusterResolverTimeout = 3 * time.Second
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

// flags holds the command-line options; everything else comes from the config file
type flags struct {
	configPath string
}

func main() {
	f := parseFlags()

	cfg, err := config.Load(f.configPath)
	if err != nil {
		setupLog.Error(err, "invalid configuration", "path", f.configPath)
		os.Exit(canary.ExitAborted)
	}

	ctx := ctrl.SetupSignalHandler()
	ctx = log.IntoContext(ctx, ctrl.Log)
	runID := uuid.New().String()
	version := buildinfo.Version()

	restConfig := ctrl.GetConfigOrDie()
	k8sClient, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		setupLog.Error(err, "unable to create Kubernetes client")
		os.Exit(canary.ExitAborted)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		setupLog.Error(err, "unable to create Kubernetes clientset")
		os.Exit(canary.ExitAborted)
	}

	metrics.Register()
	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.BindAddress); err != nil {
			setupLog.Error(err, "metrics endpoint stopped")
		}
	}()

	cfg = resolveClusterID(ctx, cfg)
	publishers, closePublishers := setupPublishers(ctx, cfg)
	queue := hooks.NewEventPublisherQueue(publishers, 100)
	go queue.Loop(ctx)

	runLease := setupLease(ctx, cfg, k8sClient, runID)

	workloads := kube.NewClient(k8sClient, clientset, kube.Options{
		PollInterval: cfg.PollInterval,
		Container:    cfg.Container,
	})
	prober := probe.NewRestyProber()

	deps := canary.Dependencies{
		Workloads: workloads,
		Endpoints: workloads,
		HTTP:      prober,
		Logs:      workloads,
		Notifier:  queue,
	}
	if runLease != nil {
		deps.Lease = runLease
	}
	if cfg.LoadGenerator.Enabled {
		deps.Load = loadgen.NewGenerator(loadgen.Config{
			URL:      cfg.Service.URL,
			Interval: cfg.LoadGenerator.Interval,
		})
	}

	controller, err := canary.New(cfg, deps, runID, canary.WithSource(cfg.Notifications.ClusterID, version))
	if err != nil {
		setupLog.Error(err, "unable to create canary controller")
		os.Exit(canary.ExitAborted)
	}

	setupLog.Info("starting canary run", "runID", runID, "version", version,
		"stable", cfg.Stable.Name, "candidate", cfg.Candidate.Name, "image", cfg.Candidate.Image)
	result := controller.Run(ctx)
	_ = prober.Close()

	// The run context is cancelled on SIGTERM; cleanup gets its own deadline
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)

	if runLease != nil {
		if err := runLease.Release(shutdownCtx); err != nil {
			setupLog.Error(err, "unable to release run lease")
		}
	}
	queue.Close()
	closePublishers()
	if err := metrics.Push(shutdownCtx, cfg.Metrics.PushgatewayURL, runID); err != nil {
		setupLog.Error(err, "unable to push final metrics")
	}

	code := result.ExitCode()
	setupLog.Info("canary run exited", "runID", runID, "state", result.State.String(), "exitCode", code)
	cancel()
	os.Exit(code)
}

func parseFlags() flags {
	var f flags

	flag.StringVar(&f.configPath, "config", os.Getenv("CANARY_CONFIG"),
		"Path to the YAML run configuration. CANARY_* environment variables override its values.")

	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
	return f
}

// resolveClusterID fills the cluster ID from the cloud metadata server when publishers need
// one and the configuration leaves it empty
func resolveClusterID(ctx context.Context, cfg config.Config) config.Config {
	if !cfg.Notifications.Enabled() || cfg.Notifications.ClusterID != "" {
		return cfg
	}

	info, err := cluster.NewResolver(clusterResolverTimeout).Resolve(ctx)
	if err != nil {
		setupLog.Error(err, "unable to detect cluster ID, set notifications.cluster_id explicitly")
		os.Exit(canary.ExitAborted)
	}
	setupLog.Info("Cluster ID detected", "clusterID", info.ClusterID, "provider", info.Provider)
	cfg.Notifications.ClusterID = info.ClusterID
	return cfg
}

func setupPublishers(ctx context.Context, cfg config.Config) ([]hooks.EventPublisher, func()) {
	var publishers []hooks.EventPublisher
	var closers []func()

	if cfg.Notifications.ControlPlaneURL != "" {
		cpPublisher := controlplane.NewHTTPPublisher(cfg.Notifications.ControlPlaneURL)
		publishers = append(publishers, cpPublisher)
		closers = append(closers, func() { _ = cpPublisher.Close() })
		setupLog.Info("Control Plane publisher enabled",
			"endpoint", cfg.Notifications.ControlPlaneURL,
			"clusterID", cfg.Notifications.ClusterID)
	}

	if cfg.Notifications.PubSubTopic != "" {
		pubsubPublisher, err := pubsub.NewPubSubPublisher(ctx, cfg.Notifications.PubSubTopic)
		if err != nil {
			setupLog.Error(err, "unable to create Pub/Sub publisher",
				"hint", "Ensure valid credentials via Workload Identity, GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth")
			os.Exit(canary.ExitAborted)
		}
		publishers = append(publishers, pubsubPublisher)
		closers = append(closers, pubsubPublisher.Stop)
		setupLog.Info("Google Pub/Sub publisher enabled",
			"topic", cfg.Notifications.PubSubTopic,
			"clusterID", cfg.Notifications.ClusterID)
	}

	if len(publishers) == 0 {
		setupLog.Info("No event publishers configured, run transitions will only be logged and exported as metrics")
	}

	return publishers, func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}
}

// setupLease acquires the run lease, exiting when another run holds it. It returns nil
// when leasing is disabled.
func setupLease(ctx context.Context, cfg config.Config, c client.Client, runID string) *lease.Lease {
	if !cfg.Lease.Enabled {
		setupLog.Info("Run lease disabled, concurrent runs on the same workloads are not prevented")
		return nil
	}

	holder := runID
	if hostname, err := os.Hostname(); err == nil {
		holder = hostname + "_" + runID
	}

	runLease := lease.New(c, cfg.Namespace, cfg.Stable.Name, cfg.Candidate.Name, holder, cfg.Lease.Duration)
	if err := runLease.Acquire(ctx); err != nil {
		setupLog.Error(err, "unable to acquire run lease",
			"lease", lease.Name(cfg.Stable.Name, cfg.Candidate.Name), "namespace", cfg.Namespace)
		os.Exit(canary.ExitAborted)
	}
	setupLog.Info("Run lease acquired", "lease", lease.Name(cfg.Stable.Name, cfg.Candidate.Name), "holder", holder)
	return runLease
}
