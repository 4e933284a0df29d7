package canary

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/canary/internal/config"
	"github.com/apptrail-sh/canary/internal/evaluator"
	"github.com/apptrail-sh/canary/internal/logging"
	"github.com/apptrail-sh/canary/internal/metrics"
	"github.com/apptrail-sh/canary/internal/model"
	"github.com/apptrail-sh/canary/internal/probe"
	"github.com/apptrail-sh/canary/internal/rollback"
	"github.com/apptrail-sh/canary/internal/traffic"
)

// WorkloadController reads and changes the stable and candidate workloads
type WorkloadController interface {
	probe.ReplicaReader
	traffic.WorkloadController
	GetImage(ctx context.Context, ref model.WorkloadRef) (string, error)
	SetImage(ctx context.Context, ref model.WorkloadRef, image string) error
}

type LoadGenerator interface {
	Run(ctx context.Context)
}

type Notifier interface {
	Enqueue(ctx context.Context, event model.RunEvent)
}

type LeaseRenewer interface {
	Renew(ctx context.Context) error
}

// Dependencies are the collaborators of a run. Load, Notifier and Lease are optional.
type Dependencies struct {
	Workloads WorkloadController
	Endpoints probe.EndpointCounter
	HTTP      probe.HTTPProber
	Logs      probe.LogSource
	Load      LoadGenerator
	Notifier  Notifier
	Lease     LeaseRenewer
}

// Controller drives a single canary run from Initializing to Promoted or Failed
type Controller struct {
	cfg       config.Config
	deps      Dependencies
	runID     string
	clusterID string
	version   string

	stable    model.WorkloadRef
	candidate model.WorkloadRef
	service   model.ServiceRef
	stages    model.StageSpec

	shifter  *traffic.Shifter
	rollback *rollback.Manager

	errorPattern   *regexp.Regexp
	requestPattern *regexp.Regexp
}

type Option func(*Controller)

// WithSource sets the cluster and version reported in run events
func WithSource(clusterID, version string) Option {
	return func(c *Controller) {
		c.clusterID = clusterID
		c.version = version
	}
}

func New(cfg config.Config, deps Dependencies, runID string, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Workloads == nil || deps.Endpoints == nil || deps.HTTP == nil || deps.Logs == nil {
		return nil, fmt.Errorf("workload, endpoint, HTTP and log collaborators are required")
	}

	errorPattern, err := regexp.Compile(cfg.Probes.ErrorPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid error pattern: %w", err)
	}
	requestPattern, err := regexp.Compile(cfg.Probes.RequestPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid request pattern: %w", err)
	}

	c := &Controller{
		cfg:            cfg,
		deps:           deps,
		runID:          runID,
		stable:         cfg.StableRef(),
		candidate:      cfg.CandidateRef(),
		service:        cfg.ServiceRef(),
		stages:         cfg.StageSpec(),
		errorPattern:   errorPattern,
		requestPattern: requestPattern,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.shifter = traffic.NewShifter(deps.Workloads, c.stable, c.candidate, traffic.Options{
		TotalReplicas:      cfg.TotalReplicas,
		ConvergenceTimeout: cfg.ConvergenceTimeout,
	})
	c.rollback = rollback.NewManager(deps.Workloads, c.stable, c.candidate, cfg.TotalReplicas)
	return c, nil
}

// run is the mutable state of one Run call
type run struct {
	result   Result
	share    int32
	verdicts []model.HealthVerdict
	stopLoad func()

	// stableImage is the live stable image read at initialization. imageChanged is set
	// once promotion has moved the candidate image onto the stable workload.
	stableImage  string
	imageChanged bool
}

// Run executes the state machine until a terminal state. Cancelling ctx at any point
// rolls the run back; the rollback itself is bounded by RollbackTimeout, not by ctx.
func (c *Controller) Run(ctx context.Context) Result {
	logger := log.FromContext(ctx).WithName("canary").WithValues(
		"runID", c.runID,
		"stable", c.stable.Key(),
		"candidate", c.candidate.Key(),
	)
	ctx = log.IntoContext(ctx, logger)

	r := &run{result: Result{RunID: c.runID, FailedStage: -1}}
	loadCtx, cancelLoad := context.WithCancel(ctx)
	var loadDone sync.WaitGroup
	r.stopLoad = func() {
		cancelLoad()
		loadDone.Wait()
	}
	defer r.stopLoad()

	logging.Info(logger, "Starting canary run",
		"stages", fmt.Sprint([]int32(c.stages)),
		"totalReplicas", c.cfg.TotalReplicas,
		"soak", c.cfg.SoakDuration.String())

	state := c.transition(ctx, r, model.Initializing())
	for !state.IsTerminal() {
		if state.Phase != model.PhaseRollingBack && ctx.Err() != nil {
			r.fail(state, fmt.Sprintf("interrupted during %s: %v", state, context.Cause(ctx)))
			state = c.transition(ctx, r, model.RollingBack())
			continue
		}

		var next model.RunState
		switch state.Phase {
		case model.PhaseInitializing:
			next = c.initialize(ctx, r)
			if next.Phase == model.PhaseStaging && c.deps.Load != nil {
				loadDone.Add(1)
				go func() {
					defer loadDone.Done()
					c.deps.Load.Run(loadCtx)
				}()
			}
		case model.PhaseStaging:
			next = c.stage(ctx, r, state.StageIndex)
		case model.PhaseMonitoring:
			next = c.monitor(ctx, r, state.StageIndex)
		case model.PhaseRollingBack:
			next = c.rollBack(ctx, r)
		default:
			next = model.FailedState()
		}

		state = c.transition(ctx, r, next)
		if state.Phase == model.PhasePromoted {
			c.awaitPromotion(ctx)
		}
	}

	r.stopLoad()
	r.result.State = state
	c.logOutcome(logger, r.result)
	return r.result
}

// fail records why the run is leaving state for RollingBack or Failed
func (r *run) fail(state model.RunState, reason string) {
	if r.result.Reason != "" {
		return
	}
	r.result.Reason = reason
	if state.Phase == model.PhaseStaging || state.Phase == model.PhaseMonitoring {
		r.result.FailedStage = state.StageIndex
	}
}

func (c *Controller) transition(ctx context.Context, r *run, state model.RunState) model.RunState {
	logger := log.FromContext(ctx)
	r.result.History = append(r.result.History, state)
	metrics.SetPhase(c.candidate, state.Phase)

	switch state.Phase {
	case model.PhaseRollingBack, model.PhaseFailed:
		logging.Warning(logger, "Run state changed", "state", state.String(), "reason", r.result.Reason)
	case model.PhasePromoted:
		logging.Success(logger, "Run state changed", "state", state.String())
	default:
		logging.Info(logger, "Run state changed", "state", state.String(), "share", r.share)
	}

	if c.deps.Notifier != nil {
		reason := ""
		if state.Phase == model.PhaseRollingBack || state.Phase == model.PhaseFailed {
			reason = r.result.Reason
		}
		c.deps.Notifier.Enqueue(ctx, model.NewRunEvent(model.RunEventInput{
			RunID:     c.runID,
			Stable:    c.stable,
			Candidate: c.candidate,
			State:     state,
			Share:     r.share,
			Verdicts:  r.verdicts,
			Reason:    reason,
		}, c.clusterID, c.version))
	}
	r.verdicts = nil
	return state
}

func (c *Controller) initialize(ctx context.Context, r *run) model.RunState {
	logger := log.FromContext(ctx)
	state := model.Initializing()

	verdict := probe.ReplicaHealth(ctx, c.deps.Workloads, probe.NameStableReplicas, c.stable, c.cfg.TotalReplicas)
	metrics.RecordVerdict(verdict)
	r.verdicts = []model.HealthVerdict{verdict}
	if !verdict.Passed {
		if ctx.Err() != nil {
			r.fail(state, fmt.Sprintf("interrupted during %s: %v", state, context.Cause(ctx)))
			return model.RollingBack()
		}
		r.fail(state, "stable workload is not healthy: "+verdict.Detail)
		return model.FailedState()
	}

	if _, err := c.deps.Workloads.GetReplicaStatus(ctx, c.candidate); err != nil {
		r.fail(state, fmt.Sprintf("candidate workload is not readable: %v", err))
		return model.FailedState()
	}

	r.stableImage = c.stable.Image
	live, err := c.deps.Workloads.GetImage(ctx, c.stable)
	switch {
	case err != nil:
		logging.Warning(logger, "Cannot read the live stable image", "error", err.Error())
	case live != "":
		if c.stable.Image != "" && live != c.stable.Image {
			logging.Warning(logger, "Live stable image differs from the configured one",
				"configured", c.stable.Image, "live", live)
		}
		r.stableImage = live
	}

	logging.Success(logger, "Stable workload is healthy", "detail", verdict.Detail)
	return model.Staging(0)
}

func (c *Controller) stage(ctx context.Context, r *run, i int) model.RunState {
	logger := log.FromContext(ctx).WithValues("stage", i)
	state := model.Staging(i)
	share := c.stages[i]
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues(fmt.Sprint(share)).Observe(time.Since(start).Seconds())
	}()

	if c.deps.Lease != nil {
		if err := c.deps.Lease.Renew(ctx); err != nil {
			r.fail(state, fmt.Sprintf("lost the run lease: %v", err))
			return model.RollingBack()
		}
	}

	plan, err := c.shifter.Shift(ctx, share)
	r.share = share
	r.result.Share = share
	if err != nil {
		logging.Error(logger, err, "Traffic shift failed", "share", share)
		r.fail(state, fmt.Sprintf("shifting to %d%% failed: %v", share, err))
		return model.RollingBack()
	}

	result := evaluator.Evaluate(ctx, c.stageChecks(plan))
	r.verdicts = result.Verdicts
	if !result.Passed {
		r.fail(state, fmt.Sprintf("health gate failed at %d%%: %s", share, summarize(result.Failed())))
		return model.RollingBack()
	}

	logging.Success(logger, "Stage passed", "share", share, "plan", plan.String())
	return model.Monitoring(i)
}

func (c *Controller) monitor(ctx context.Context, r *run, i int) model.RunState {
	logger := log.FromContext(ctx).WithValues("stage", i)
	state := model.Monitoring(i)
	share := c.stages[i]

	logging.Info(logger, "Soaking", "share", share, "duration", c.cfg.SoakDuration.String())
	timer := time.NewTimer(c.cfg.SoakDuration)
	select {
	case <-ctx.Done():
		timer.Stop()
		r.fail(state, fmt.Sprintf("interrupted during %s: %v", state, context.Cause(ctx)))
		return model.RollingBack()
	case <-timer.C:
	}

	checks := []evaluator.Check{c.errorRateCheck()}
	if c.cfg.Monitoring.FullRecheck {
		checks = c.stageChecks(model.NewReplicaPlan(c.cfg.TotalReplicas, share))
	}

	result := evaluator.Evaluate(ctx, checks)
	r.verdicts = result.Verdicts
	if !result.Passed {
		r.fail(state, fmt.Sprintf("health recheck failed at %d%% after soak: %s", share, summarize(result.Failed())))
		return model.RollingBack()
	}

	if i < c.stages.Last() {
		return model.Staging(i + 1)
	}
	if err := c.promote(ctx, r); err != nil {
		logging.Error(logger, err, "Promotion failed")
		r.fail(state, fmt.Sprintf("promotion failed: %v", err))
		return model.RollingBack()
	}
	return model.Promoted()
}

// promote moves the candidate image onto the stable workload and restores the original
// topology. It is the only step that changes the stable image.
func (c *Controller) promote(ctx context.Context, r *run) error {
	logging.Info(log.FromContext(ctx), "Promoting candidate image to stable", "image", c.candidate.Image)
	if err := c.deps.Workloads.SetImage(ctx, c.stable, c.candidate.Image); err != nil {
		return err
	}
	r.imageChanged = true
	if err := c.deps.Workloads.SetReplicaCount(ctx, c.stable, c.cfg.TotalReplicas); err != nil {
		return err
	}
	return c.deps.Workloads.SetReplicaCount(ctx, c.candidate, 0)
}

// awaitPromotion waits for the promoted stable rollout. A timeout is reported but does
// not change the outcome of the run.
func (c *Controller) awaitPromotion(ctx context.Context) {
	logger := log.FromContext(ctx)
	if err := c.deps.Workloads.WaitForRolloutConvergence(ctx, c.stable, c.cfg.ConvergenceTimeout); err != nil {
		logging.Warning(logger, "Promoted stable rollout did not converge", "error", err.Error())
		return
	}
	logging.Success(logger, "Promoted stable rollout converged")
}

func (c *Controller) rollBack(ctx context.Context, r *run) model.RunState {
	r.result.RolledBack = true
	// The run context may already be cancelled; rollback must still be issued
	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RollbackTimeout)
	defer cancel()

	var errs []error
	if err := c.rollback.Rollback(rollbackCtx); err != nil {
		errs = append(errs, err)
	}
	if r.imageChanged && r.stableImage != "" {
		logging.Warning(log.FromContext(ctx), "Restoring stable image after failed promotion", "image", r.stableImage)
		if err := c.deps.Workloads.SetImage(rollbackCtx, c.stable, r.stableImage); err != nil {
			errs = append(errs, fmt.Errorf("restore stable image %s: %w", r.stableImage, err))
		} else {
			r.imageChanged = false
		}
	}
	r.result.RollbackErr = errors.Join(errs...)
	r.share = 0
	return model.FailedState()
}

func (c *Controller) stageChecks(plan model.ReplicaPlan) []evaluator.Check {
	return []evaluator.Check{
		{
			Name: probe.NameStableReplicas,
			Run: func(ctx context.Context) model.HealthVerdict {
				return probe.ReplicaHealth(ctx, c.deps.Workloads, probe.NameStableReplicas, c.stable, plan.Stable)
			},
		},
		{
			Name: probe.NameCandidateReplicas,
			Run: func(ctx context.Context) model.HealthVerdict {
				return probe.ReplicaHealth(ctx, c.deps.Workloads, probe.NameCandidateReplicas, c.candidate, plan.Candidate)
			},
		},
		{
			Name: probe.NameEndpointCount,
			Run: func(ctx context.Context) model.HealthVerdict {
				return probe.EndpointCount(ctx, c.deps.Endpoints, c.service, int(plan.Total))
			},
		},
		{
			Name: probe.NameSyntheticRequest,
			Run: func(ctx context.Context) model.HealthVerdict {
				return probe.SyntheticRequest(ctx, c.deps.HTTP, c.service, probe.SyntheticOptions{
					SampleSize: c.cfg.Probes.SampleSize,
					Timeout:    c.cfg.Probes.RequestTimeout,
					Interval:   c.cfg.Probes.RequestInterval,
				})
			},
		},
		c.errorRateCheck(),
	}
}

func (c *Controller) errorRateCheck() evaluator.Check {
	return evaluator.Check{
		Name: probe.NameErrorRate,
		Run: func(ctx context.Context) model.HealthVerdict {
			return probe.ErrorRate(ctx, c.deps.Logs, c.cfg.Namespace, c.cfg.Probes.Selector, probe.ErrorRateOptions{
				Threshold:      c.cfg.Probes.ErrorRateThreshold,
				TailLines:      c.cfg.Probes.TailLines,
				ErrorPattern:   c.errorPattern,
				RequestPattern: c.requestPattern,
			})
		},
	}
}

func (c *Controller) logOutcome(logger logr.Logger, result Result) {
	switch {
	case result.State.Phase == model.PhasePromoted:
		logging.Success(logger, "Canary run finished: promoted", "image", c.candidate.Image)
	case result.RollbackErr != nil:
		logging.Error(logger, result.RollbackErr, "Canary run finished: rolled back, but rollback was not fully issued",
			"reason", result.Reason)
	case result.RolledBack:
		logging.Warning(logger, "Canary run finished: rolled back", "reason", result.Reason, "failedStage", result.FailedStage)
	default:
		logging.Warning(logger, "Canary run finished: aborted", "reason", result.Reason)
	}
}

func summarize(failed []model.HealthVerdict) string {
	parts := make([]string, 0, len(failed))
	for _, v := range failed {
		parts = append(parts, v.Probe+": "+v.Detail)
	}
	return strings.Join(parts, "; ")
}
