package traffic

import (
	"context"
	"errors"
	"fmt"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/canary/internal/logging"
	"github.com/apptrail-sh/canary/internal/metrics"
	"github.com/apptrail-sh/canary/internal/model"
)

type WorkloadController interface {
	SetReplicaCount(ctx context.Context, ref model.WorkloadRef, count int32) error
	WaitForRolloutConvergence(ctx context.Context, ref model.WorkloadRef, timeout time.Duration) error
}

type Options struct {
	TotalReplicas      int32
	ConvergenceTimeout time.Duration
	// Backoff bounds the retries of a single scale call; zero uses retry.DefaultBackoff
	Backoff wait.Backoff
}

// Shifter moves traffic between the stable and candidate workloads by splitting a fixed
// replica budget between them. It is driven by a single goroutine.
type Shifter struct {
	client    WorkloadController
	stable    model.WorkloadRef
	candidate model.WorkloadRef
	options   Options
	share     int32 // Last share applied
}

func NewShifter(client WorkloadController, stable, candidate model.WorkloadRef, options Options) *Shifter {
	if options.Backoff.Steps == 0 {
		options.Backoff = retry.DefaultBackoff
	}
	return &Shifter{
		client:    client,
		stable:    stable,
		candidate: candidate,
		options:   options,
	}
}

// Shift applies the replica plan for share and waits for both workloads to converge.
// Both scale calls are always issued; failures of either are joined into the returned error.
func (s *Shifter) Shift(ctx context.Context, share int32) (model.ReplicaPlan, error) {
	logger := log.FromContext(ctx).WithName("traffic")
	plan := model.NewReplicaPlan(s.options.TotalReplicas, share)

	logging.Info(logger, "Shifting traffic", "share", share, "plan", plan.String())

	// Candidate first while the canary grows, stable first otherwise
	type scale struct {
		ref   model.WorkloadRef
		count int32
	}
	order := []scale{{s.stable, plan.Stable}, {s.candidate, plan.Candidate}}
	if share > s.share {
		order[0], order[1] = order[1], order[0]
	}

	var errs []error
	for _, step := range order {
		if err := s.scaleWithRetry(ctx, step.ref, step.count); err != nil {
			logging.Error(logger, err, "Failed to scale workload", "workload", step.ref.Key(), "replicas", step.count)
			errs = append(errs, err)
		}
	}
	s.share = share
	metrics.TrafficShare.WithLabelValues(s.candidate.Namespace, s.candidate.Name).Set(float64(share))
	if len(errs) > 0 {
		return plan, errors.Join(errs...)
	}

	deadline := time.Now().Add(s.options.ConvergenceTimeout)
	for _, ref := range []model.WorkloadRef{s.candidate, s.stable} {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return plan, fmt.Errorf("%w: %s", model.ErrConvergenceTimeout, ref.Key())
		}
		if err := s.client.WaitForRolloutConvergence(ctx, ref, remaining); err != nil {
			return plan, err
		}
	}

	logging.Success(logger, "Traffic shifted", "share", share, "plan", plan.String())
	return plan, nil
}

func (s *Shifter) scaleWithRetry(ctx context.Context, ref model.WorkloadRef, count int32) error {
	err := retry.OnError(s.options.Backoff, retriable(ctx), func() error {
		return s.client.SetReplicaCount(ctx, ref, count)
	})
	if err != nil {
		return fmt.Errorf("failed to scale %s to %d: %w", ref.Key(), count, err)
	}
	return nil
}

// retriable rejects errors another attempt cannot fix
func retriable(ctx context.Context) func(error) bool {
	return func(err error) bool {
		if ctx.Err() != nil {
			return false
		}
		return !apierrors.IsNotFound(err) && !apierrors.IsForbidden(err) && !apierrors.IsInvalid(err)
	}
}
