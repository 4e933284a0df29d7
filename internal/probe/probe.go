// Package probe implements the health probes gating every traffic stage.
//
// A probe never returns an error. A collaborator that cannot be reached yields a failed
// verdict carrying the error text, so an unreachable dependency is treated the same as an
// unhealthy one.
package probe

import (
	"context"
	"time"

	"github.com/apptrail-sh/canary/internal/model"
)

// Probe names as reported in verdicts and metrics
const (
	NameStableReplicas    = "stable-replicas"
	NameCandidateReplicas = "candidate-replicas"
	NameEndpointCount     = "endpoint-count"
	NameSyntheticRequest  = "synthetic-request"
	NameErrorRate         = "error-rate"
)

type ReplicaReader interface {
	GetReplicaStatus(ctx context.Context, ref model.WorkloadRef) (model.ReplicaStatus, error)
}

type EndpointCounter interface {
	GetEndpointCount(ctx context.Context, service model.ServiceRef) (int, error)
}

type HTTPProber interface {
	ProbeHTTP(ctx context.Context, service model.ServiceRef, timeout time.Duration) error
}

type LogSource interface {
	ListInstances(ctx context.Context, namespace, selector string) ([]model.InstanceRef, error)
	TailRecentLogs(ctx context.Context, instance model.InstanceRef, lineCount int64) ([]string, error)
}
