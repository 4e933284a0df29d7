package evaluator

import (
	"context"

	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/canary/internal/logging"
	"github.com/apptrail-sh/canary/internal/metrics"
	"github.com/apptrail-sh/canary/internal/model"
)

// Check is one health probe bound to its arguments
type Check struct {
	Name string
	Run  func(ctx context.Context) model.HealthVerdict
}

// Result is the joined outcome of a set of checks. Verdicts follow the order of the checks.
type Result struct {
	Passed   bool
	Verdicts []model.HealthVerdict
}

// Failed returns the failing verdicts in check order
func (r Result) Failed() []model.HealthVerdict {
	var failed []model.HealthVerdict
	for _, v := range r.Verdicts {
		if !v.Passed {
			failed = append(failed, v)
		}
	}
	return failed
}

// Evaluate runs every check concurrently and waits for all of them. The result passes only
// when every verdict passes; an empty set of checks never passes.
func Evaluate(ctx context.Context, checks []Check) Result {
	logger := log.FromContext(ctx).WithName("evaluator")

	verdicts := make([]model.HealthVerdict, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			v := check.Run(ctx)
			v.Probe = check.Name
			verdicts[i] = v
			return nil
		})
	}
	_ = g.Wait()

	passed := len(verdicts) > 0
	for _, v := range verdicts {
		metrics.RecordVerdict(v)
		if v.Passed {
			logging.Success(logger, "Probe passed", "probe", v.Probe, "detail", v.Detail)
		} else {
			logging.Warning(logger, "Probe failed", "probe", v.Probe, "detail", v.Detail)
			passed = false
		}
	}

	return Result{Passed: passed, Verdicts: verdicts}
}
