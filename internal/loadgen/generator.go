package loadgen

import (
	"context"
	"sync/atomic"
	"time"

	"resty.dev/v3"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/canary/internal/metrics"
)

// Config holds configuration for the load generator
type Config struct {
	URL      string
	Interval time.Duration
}

// DefaultConfig returns the default load generator configuration
func DefaultConfig() Config {
	return Config{
		Interval: 500 * time.Millisecond,
	}
}

// Generator keeps warm traffic flowing through the service while a run is in progress,
// so the error-rate probe has requests to sample.
type Generator struct {
	config Config
	client *resty.Client
	sent   atomic.Int64
}

func NewGenerator(config Config) *Generator {
	client := resty.New().
		SetTimeout(5*time.Second).
		SetRetryCount(0).
		SetHeader("User-Agent", "canary-loadgen")

	return &Generator{
		config: config,
		client: client,
	}
}

// Run issues one GET per interval until ctx is cancelled. Responses are not inspected.
func (g *Generator) Run(ctx context.Context) {
	logger := log.FromContext(ctx).WithName("load-generator")
	defer func() { _ = g.client.Close() }()

	logger.Info("Starting load generator", "url", g.config.URL, "interval", g.config.Interval)

	g.send(ctx)

	ticker := time.NewTicker(g.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.send(ctx)
		case <-ctx.Done():
			logger.Info("Load generator stopped", "requests", g.sent.Load())
			return
		}
	}
}

// Sent returns the number of requests issued so far
func (g *Generator) Sent() int64 {
	return g.sent.Load()
}

func (g *Generator) send(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	g.sent.Add(1)
	metrics.LoadRequests.Inc()

	resp, err := g.client.R().SetContext(ctx).Get(g.config.URL)
	if err != nil {
		log.FromContext(ctx).V(1).Info("Load request failed", "error", err.Error())
		return
	}
	log.FromContext(ctx).V(2).Info("Load request completed", "status", resp.StatusCode())
}
