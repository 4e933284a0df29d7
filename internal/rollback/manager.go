package rollback

import (
	"context"
	"errors"
	"fmt"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/canary/internal/logging"
	"github.com/apptrail-sh/canary/internal/metrics"
	"github.com/apptrail-sh/canary/internal/model"
)

type ReplicaScaler interface {
	SetReplicaCount(ctx context.Context, ref model.WorkloadRef, count int32) error
}

// Manager restores the stable workload to the full replica budget
type Manager struct {
	client        ReplicaScaler
	stable        model.WorkloadRef
	candidate     model.WorkloadRef
	totalReplicas int32
}

func NewManager(client ReplicaScaler, stable, candidate model.WorkloadRef, totalReplicas int32) *Manager {
	return &Manager{
		client:        client,
		stable:        stable,
		candidate:     candidate,
		totalReplicas: totalReplicas,
	}
}

// Rollback scales the candidate to zero and stable to the full budget regardless of the
// current state. Both calls are always issued. It does not wait for convergence.
func (m *Manager) Rollback(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("rollback")
	metrics.Rollbacks.WithLabelValues(m.candidate.Namespace, m.candidate.Name).Inc()

	logging.Warning(logger, "Rolling back to stable",
		"stable", m.stable.Key(),
		"candidate", m.candidate.Key(),
		"replicas", m.totalReplicas)

	var errs []error
	if err := m.client.SetReplicaCount(ctx, m.candidate, 0); err != nil {
		errs = append(errs, fmt.Errorf("failed to scale candidate %s to 0: %w", m.candidate.Key(), err))
	}
	if err := m.client.SetReplicaCount(ctx, m.stable, m.totalReplicas); err != nil {
		errs = append(errs, fmt.Errorf("failed to scale stable %s to %d: %w", m.stable.Key(), m.totalReplicas, err))
	}

	if err := errors.Join(errs...); err != nil {
		logging.Error(logger, err, "Rollback was not fully issued")
		return err
	}
	logging.Info(logger, "Rollback issued")
	return nil
}
