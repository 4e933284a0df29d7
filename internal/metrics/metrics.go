package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"sigs.k8s.io/controller-runtime/pkg/log"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/apptrail-sh/canary/internal/model"
)

const pushJobName = "canary_release"

var (
	TrafficShare = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "canary_traffic_share_percent",
		Help: "Traffic share currently assigned to the candidate workload",
	}, []string{"namespace", "candidate"})

	RunPhase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "canary_run_phase",
		Help: "Current phase of the canary run (1 for the active phase, 0 otherwise)",
	}, []string{"namespace", "candidate", "phase"})

	ProbeResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "canary_probe_results_total",
		Help: "Health probe verdicts by probe and result",
	}, []string{"probe", "result"})

	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "canary_stage_duration_seconds",
		Help:    "Time spent shifting traffic and evaluating a stage",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"share"})

	Rollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "canary_rollbacks_total",
		Help: "Rollbacks issued by the orchestrator",
	}, []string{"namespace", "candidate"})

	LoadRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "canary_load_requests_total",
		Help: "Synthetic warm-up requests emitted by the load generator",
	})

	registerOnce sync.Once
)

// Register adds the canary collectors to the controller-runtime registry. Safe to call repeatedly.
func Register() {
	registerOnce.Do(func() {
		crmetrics.Registry.MustRegister(
			TrafficShare,
			RunPhase,
			ProbeResults,
			StageDuration,
			Rollbacks,
			LoadRequests,
		)
	})
}

// RecordVerdict counts a single probe verdict
func RecordVerdict(v model.HealthVerdict) {
	result := "fail"
	if v.Passed {
		result = "pass"
	}
	ProbeResults.WithLabelValues(v.Probe, result).Inc()
}

// SetPhase marks phase as the active phase of the run for the candidate
func SetPhase(candidate model.WorkloadRef, phase model.RunPhase) {
	for _, p := range model.AllPhases {
		value := 0.0
		if p == phase {
			value = 1
		}
		RunPhase.WithLabelValues(candidate.Namespace, candidate.Name, string(p)).Set(value)
	}
}

// Serve exposes the registry on addr until ctx is cancelled. An address of "0" or "" disables it.
func Serve(ctx context.Context, addr string) error {
	if addr == "" || addr == "0" {
		return nil
	}
	logger := log.FromContext(ctx).WithName("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(crmetrics.Registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

// Push sends the final state of every collector to a Prometheus Pushgateway.
// Runs are short-lived, so scraping alone can miss the terminal phase.
func Push(ctx context.Context, url, runID string) error {
	if url == "" {
		return nil
	}
	err := push.New(url, pushJobName).
		Gatherer(crmetrics.Registry).
		Grouping("run_id", runID).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}
