package canary

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apptrail-sh/canary/internal/config"
	"github.com/apptrail-sh/canary/internal/fakecluster"
	"github.com/apptrail-sh/canary/internal/model"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type recordingNotifier struct {
	mu        sync.Mutex
	events    []model.RunEvent
	onEnqueue func(model.RunEvent)
}

func (n *recordingNotifier) Enqueue(ctx context.Context, event model.RunEvent) {
	n.mu.Lock()
	n.events = append(n.events, event)
	hook := n.onEnqueue
	n.mu.Unlock()
	if hook != nil {
		hook(event)
	}
}

func (n *recordingNotifier) states() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.State)
	}
	return out
}

func (n *recordingNotifier) last() model.RunEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[len(n.events)-1]
}

type fakeLoad struct {
	started atomic.Bool
	stopped atomic.Bool
}

func (l *fakeLoad) Run(ctx context.Context) {
	l.started.Store(true)
	<-ctx.Done()
	l.stopped.Store(true)
}

type fakeLease struct {
	renewals atomic.Int32
	err      error
}

func (l *fakeLease) Renew(ctx context.Context) error {
	l.renewals.Add(1)
	return l.err
}

const (
	stableName    = "checkout"
	candidateName = "checkout-canary"
	stableImage   = "checkout:1.4.0"
	candidateImg  = "checkout:1.5.0"
)

var candidateLabels = map[string]string{"app": candidateName}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Namespace = "shop"
	cfg.Stable = config.WorkloadConfig{Name: stableName, Image: stableImage}
	cfg.Candidate = config.WorkloadConfig{Name: candidateName, Image: candidateImg}
	cfg.Service = config.ServiceConfig{Name: "checkout", URL: "http://checkout.shop.svc.cluster.local/"}
	cfg.SoakDuration = 0
	cfg.ConvergenceTimeout = time.Second
	cfg.RollbackTimeout = time.Second
	cfg.Probes.SampleSize = 2
	cfg.Probes.RequestInterval = 0
	cfg.Probes.Selector = "app=" + candidateName
	return cfg
}

func newTestCluster() *fakecluster.Cluster {
	cluster := fakecluster.New()
	cluster.AddWorkload(model.WorkloadRef{Name: stableName, Namespace: "shop", Image: stableImage}, 10)
	cluster.AddWorkload(model.WorkloadRef{Name: candidateName, Namespace: "shop", Image: candidateImg}, 0)
	cluster.AddInstance(model.InstanceRef{Name: "checkout-canary-7d9f", Namespace: "shop"}, candidateLabels,
		`10.0.0.7 - - "GET /cart HTTP/1.1" 200 512`,
		`10.0.0.8 - - "POST /cart/items HTTP/1.1" 201 64`,
	)
	return cluster
}

// candidateAt returns the candidate replica count of the reference plan at share
func candidateAt(share int32) int32 {
	return model.NewReplicaPlan(10, share).Candidate
}

func scaleCalls(cluster *fakecluster.Cluster) []string {
	var out []string
	for _, call := range cluster.CallsOf(fakecluster.OpSetReplicas) {
		out = append(out, fmt.Sprintf("%s=%d", call.Workload, call.Replicas))
	}
	return out
}

var _ = Describe("Controller", func() {
	var (
		cfg      config.Config
		cluster  *fakecluster.Cluster
		notifier *recordingNotifier
		load     *fakeLoad
		lease    *fakeLease
	)

	BeforeEach(func() {
		cfg = testConfig()
		cluster = newTestCluster()
		notifier = &recordingNotifier{}
		load = &fakeLoad{}
		lease = &fakeLease{}
	})

	newController := func() *Controller {
		controller, err := New(cfg, Dependencies{
			Workloads: cluster,
			Endpoints: cluster,
			HTTP:      cluster,
			Logs:      cluster,
			Load:      load,
			Notifier:  notifier,
			Lease:     lease,
		}, "run-test", WithSource("test-cluster", "dev"))
		Expect(err).ToNot(HaveOccurred())
		return controller
	}

	It("rejects an invalid configuration", func() {
		cfg.Stages = []int32{10, 50}
		_, err := New(cfg, Dependencies{Workloads: cluster, Endpoints: cluster, HTTP: cluster, Logs: cluster}, "run-test")
		Expect(err).To(MatchError(model.ErrInvalidStages))
	})

	It("rejects missing collaborators", func() {
		_, err := New(cfg, Dependencies{Workloads: cluster}, "run-test")
		Expect(err).To(HaveOccurred())
	})

	Context("when every gate passes", func() {
		It("walks every stage and promotes the candidate", func(ctx SpecContext) {
			result := newController().Run(ctx)

			Expect(result.State).To(Equal(model.Promoted()))
			Expect(result.ExitCode()).To(Equal(ExitPromoted))
			Expect(result.FailedStage).To(Equal(-1))
			Expect(result.Share).To(BeEquivalentTo(100))
			Expect(result.History).To(Equal([]model.RunState{
				model.Initializing(),
				model.Staging(0), model.Monitoring(0),
				model.Staging(1), model.Monitoring(1),
				model.Staging(2), model.Monitoring(2),
				model.Staging(3), model.Monitoring(3),
				model.Promoted(),
			}))

			Expect(scaleCalls(cluster)).To(Equal([]string{
				"checkout-canary=1", "checkout=9",
				"checkout-canary=2", "checkout=8",
				"checkout-canary=5", "checkout=5",
				"checkout-canary=10", "checkout=0",
				"checkout=10", "checkout-canary=0",
			}))
			Expect(cluster.Image(stableName)).To(Equal(candidateImg))
			Expect(cluster.Replicas(stableName)).To(Equal(model.ReplicaStatus{Ready: 10, Desired: 10}))
			Expect(cluster.Replicas(candidateName).Desired).To(BeZero())
		})

		It("changes the stable image only after the last stage", func(ctx SpecContext) {
			newController().Run(ctx)

			calls := cluster.Calls()
			imageAt := -1
			lastShift := -1
			for i, call := range calls {
				switch {
				case call.Op == fakecluster.OpSetImage:
					imageAt = i
				case call.Op == fakecluster.OpSetReplicas && call.Workload == candidateName && call.Replicas == 10:
					lastShift = i
				}
			}
			Expect(imageAt).To(BeNumerically(">", lastShift))
			Expect(cluster.CallsOf(fakecluster.OpSetImage)).To(HaveLen(1))
		})

		It("emits an event per transition ending in success", func(ctx SpecContext) {
			newController().Run(ctx)

			Expect(notifier.states()).To(HaveLen(10))
			last := notifier.last()
			Expect(last.State).To(Equal("Promoted"))
			Expect(last.Outcome).ToNot(BeNil())
			Expect(*last.Outcome).To(Equal(model.RunEventOutcomeSucceeded))
			Expect(last.Source.ClusterID).To(Equal("test-cluster"))
			Expect(last.RunID).To(Equal("run-test"))
		})

		It("renews the lease before every stage and stops the load generator", func(ctx SpecContext) {
			newController().Run(ctx)

			Expect(lease.renewals.Load()).To(BeEquivalentTo(4))
			Expect(load.started.Load()).To(BeTrue())
			Expect(load.stopped.Load()).To(BeTrue())
		})

		It("rechecks only the error rate after the soak by default", func(ctx SpecContext) {
			newController().Run(ctx)

			// Two synthetic samples per stage, none during monitoring
			Expect(cluster.CallsOf(fakecluster.OpProbe)).To(HaveLen(2 * 4))
		})

		It("rechecks every probe after the soak when asked to", func(ctx SpecContext) {
			cfg.Monitoring.FullRecheck = true
			result := newController().Run(ctx)

			Expect(result.Promoted()).To(BeTrue())
			Expect(cluster.CallsOf(fakecluster.OpProbe)).To(HaveLen(2 * 4 * 2))
		})
	})

	Context("when the endpoint count is wrong at 25%", func() {
		BeforeEach(func() {
			cluster.SetFaults(fakecluster.Faults{
				Endpoints: func(routable int, s fakecluster.Snapshot) (int, error) {
					if s.Desired(candidateName) == candidateAt(25) {
						return routable - 1, nil
					}
					return routable, nil
				},
			})
		})

		It("rolls back to full stable without changing its image", func(ctx SpecContext) {
			result := newController().Run(ctx)

			Expect(result.History).To(Equal([]model.RunState{
				model.Initializing(),
				model.Staging(0), model.Monitoring(0),
				model.Staging(1),
				model.RollingBack(),
				model.FailedState(),
			}))
			Expect(result.FailedStage).To(Equal(1))
			Expect(result.Share).To(BeEquivalentTo(25))
			Expect(result.ExitCode()).To(Equal(ExitRolledBack))
			Expect(result.Reason).To(ContainSubstring("endpoint-count"))

			Expect(scaleCalls(cluster)[4:]).To(Equal([]string{"checkout-canary=0", "checkout=10"}))
			Expect(cluster.Replicas(stableName).Desired).To(BeEquivalentTo(10))
			Expect(cluster.Replicas(candidateName).Desired).To(BeZero())
			Expect(cluster.Image(stableName)).To(Equal(stableImage))
			Expect(cluster.CallsOf(fakecluster.OpSetImage)).To(BeEmpty())
		})

		It("reports the failing verdicts and outcome", func(ctx SpecContext) {
			newController().Run(ctx)

			states := notifier.states()
			Expect(states[len(states)-2:]).To(Equal([]string{"RollingBack", "Failed"}))
			last := notifier.last()
			Expect(*last.Outcome).To(Equal(model.RunEventOutcomeFailed))
			Expect(last.Reason).To(ContainSubstring("health gate failed at 25%"))
		})
	})

	DescribeTable("a synthetic request failure at a stage",
		func(ctx SpecContext, stage int, share int32) {
			cluster.SetFaults(fakecluster.Faults{
				Probe: func(s fakecluster.Snapshot) error {
					if s.Desired(candidateName) == candidateAt(share) {
						return errors.New("502 Bad Gateway")
					}
					return nil
				},
			})

			result := newController().Run(ctx)

			Expect(result.ExitCode()).To(Equal(ExitRolledBack))
			Expect(result.FailedStage).To(Equal(stage))
			Expect(result.History[len(result.History)-3:]).To(Equal([]model.RunState{
				model.Staging(stage), model.RollingBack(), model.FailedState(),
			}))
			Expect(cluster.Replicas(stableName).Desired).To(BeEquivalentTo(10))
			Expect(cluster.Replicas(candidateName).Desired).To(BeZero())
			Expect(cluster.Image(stableName)).To(Equal(stableImage))
			Expect(load.stopped.Load()).To(BeTrue())
		},
		Entry("10%", 0, int32(10)),
		Entry("25%", 1, int32(25)),
		Entry("50%", 2, int32(50)),
		Entry("100%", 3, int32(100)),
	)

	It("rolls back when a shift does not converge", func(ctx SpecContext) {
		cluster.SetFaults(fakecluster.Faults{
			Converge: func(ref model.WorkloadRef, s fakecluster.Snapshot) error {
				if s.Desired(candidateName) == candidateAt(50) {
					return fmt.Errorf("%w: %s", model.ErrConvergenceTimeout, ref.Key())
				}
				return nil
			},
		})

		result := newController().Run(ctx)

		Expect(result.FailedStage).To(Equal(2))
		Expect(result.ExitCode()).To(Equal(ExitRolledBack))
		Expect(result.Reason).To(ContainSubstring("did not converge"))
	})

	It("rolls back when the error rate rises during the soak", func(ctx SpecContext) {
		lists := 0
		cluster.SetFaults(fakecluster.Faults{
			List: func(fakecluster.Snapshot) error {
				lists++
				if lists == 2 {
					return errors.New("pods is forbidden")
				}
				return nil
			},
		})

		result := newController().Run(ctx)

		Expect(result.History[len(result.History)-3:]).To(Equal([]model.RunState{
			model.Monitoring(0), model.RollingBack(), model.FailedState(),
		}))
		Expect(result.FailedStage).To(Equal(0))
		Expect(result.Reason).To(ContainSubstring("after soak"))
	})

	It("rolls back when no candidate log can be read", func(ctx SpecContext) {
		cluster.BreakLogs("checkout-canary-7d9f", errors.New("kubelet unreachable"))

		result := newController().Run(ctx)

		Expect(result.ExitCode()).To(Equal(ExitRolledBack))
		Expect(result.FailedStage).To(Equal(0))
		Expect(result.Reason).To(ContainSubstring("unreadable"))
		Expect(cluster.Image(stableName)).To(Equal(stableImage))
	})

	It("rolls back when the run is interrupted while monitoring", func(ctx SpecContext) {
		cfg.SoakDuration = time.Hour
		cfg.Lease.Duration = 2 * time.Hour
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		notifier.onEnqueue = func(event model.RunEvent) {
			if event.State == model.Monitoring(1).String() {
				cancel()
			}
		}

		result := newController().Run(runCtx)

		Expect(result.History[len(result.History)-3:]).To(Equal([]model.RunState{
			model.Monitoring(1), model.RollingBack(), model.FailedState(),
		}))
		Expect(result.ExitCode()).To(Equal(ExitRolledBack))
		Expect(result.Reason).To(ContainSubstring("interrupted"))
		Expect(cluster.Replicas(stableName).Desired).To(BeEquivalentTo(10))
		Expect(cluster.Replicas(candidateName).Desired).To(BeZero())
		Expect(load.stopped.Load()).To(BeTrue())
	}, SpecTimeout(10*time.Second))

	It("rolls back when interrupted before the first stage", func(ctx SpecContext) {
		runCtx, cancel := context.WithCancel(ctx)
		cancel()

		result := newController().Run(runCtx)

		Expect(result.History).To(Equal([]model.RunState{
			model.Initializing(), model.RollingBack(), model.FailedState(),
		}))
		Expect(result.ExitCode()).To(Equal(ExitRolledBack))
	})

	It("aborts without rollback when stable is unhealthy", func(ctx SpecContext) {
		cluster.SetReady(stableName, 9)

		result := newController().Run(ctx)

		Expect(result.History).To(Equal([]model.RunState{model.Initializing(), model.FailedState()}))
		Expect(result.ExitCode()).To(Equal(ExitAborted))
		Expect(result.Reason).To(ContainSubstring("stable workload is not healthy"))
		Expect(cluster.CallsOf(fakecluster.OpSetReplicas)).To(BeEmpty())
		Expect(load.started.Load()).To(BeFalse())
	})

	It("aborts when the candidate workload does not exist", func(ctx SpecContext) {
		cfg.Candidate.Name = "checkout-missing"

		result := newController().Run(ctx)

		Expect(result.ExitCode()).To(Equal(ExitAborted))
		Expect(cluster.CallsOf(fakecluster.OpSetReplicas)).To(BeEmpty())
	})

	It("still promotes when the live stable image differs from the configured one", func(ctx SpecContext) {
		cfg.Stable.Image = "checkout:1.3.9"

		Expect(newController().Run(ctx).Promoted()).To(BeTrue())
	})

	It("reports a rollback that could not be issued", func(ctx SpecContext) {
		cluster.SetFaults(fakecluster.Faults{
			Probe: func(fakecluster.Snapshot) error { return errors.New("connection reset") },
			Scale: func(ref model.WorkloadRef, count int32, _ fakecluster.Snapshot) error {
				if ref.Name == candidateName && count == 0 {
					return errors.New("admission webhook denied the request")
				}
				return nil
			},
		})

		result := newController().Run(ctx)

		Expect(result.ExitCode()).To(Equal(ExitRollbackError))
		Expect(result.RollbackErr).To(MatchError(ContainSubstring("admission webhook")))
		// The stable half of the rollback is still issued
		Expect(cluster.Replicas(stableName).Desired).To(BeEquivalentTo(10))
	})

	It("rolls back when promotion cannot be issued", func(ctx SpecContext) {
		failed := false
		cluster.SetFaults(fakecluster.Faults{
			Scale: func(ref model.WorkloadRef, count int32, s fakecluster.Snapshot) error {
				if !failed && ref.Name == candidateName && count == 0 && s.Desired(stableName) == 10 && s.Desired(candidateName) == 10 {
					failed = true
					return errors.New("conflict")
				}
				return nil
			},
		})

		result := newController().Run(ctx)

		Expect(result.ExitCode()).To(Equal(ExitRolledBack))
		Expect(cluster.Replicas(candidateName).Desired).To(BeZero())

		Expect(result.History[len(result.History)-3:]).To(Equal([]model.RunState{
			model.Monitoring(3), model.RollingBack(), model.FailedState(),
		}))
		Expect(result.Reason).To(ContainSubstring("promotion failed"))
		Expect(cluster.Image(stableName)).To(Equal(stableImage))
	})

	It("restores the stable image when scaling stable back up fails during promotion", func(ctx SpecContext) {
		failed := false
		cluster.SetFaults(fakecluster.Faults{
			Scale: func(ref model.WorkloadRef, count int32, s fakecluster.Snapshot) error {
				if !failed && ref.Name == stableName && count == 10 && s.Desired(candidateName) == 10 {
					failed = true
					return errors.New("the object has been modified")
				}
				return nil
			},
		})

		result := newController().Run(ctx)

		Expect(result.ExitCode()).To(Equal(ExitRolledBack))
		Expect(result.RolledBack).To(BeTrue())
		Expect(result.RollbackErr).ToNot(HaveOccurred())
		Expect(cluster.Image(stableName)).To(Equal(stableImage))
		Expect(cluster.CallsOf(fakecluster.OpSetImage)).To(HaveLen(2))
		Expect(cluster.Replicas(stableName).Desired).To(BeEquivalentTo(10))
		Expect(cluster.Replicas(candidateName).Desired).To(BeZero())
	})

	It("reports a rollback error when the stable image cannot be restored", func(ctx SpecContext) {
		cluster.SetFaults(fakecluster.Faults{
			Scale: func(ref model.WorkloadRef, count int32, s fakecluster.Snapshot) error {
				if ref.Name == stableName && count == 10 && s.Desired(candidateName) == 10 {
					return errors.New("the object has been modified")
				}
				return nil
			},
			Image: func(ref model.WorkloadRef, image string) error {
				if image == stableImage {
					return errors.New("admission webhook denied the request")
				}
				return nil
			},
		})

		result := newController().Run(ctx)

		Expect(result.ExitCode()).To(Equal(ExitRollbackError))
		Expect(result.RollbackErr).To(MatchError(ContainSubstring("restore stable image")))
		Expect(cluster.Image(stableName)).To(Equal(candidateImg))
		Expect(cluster.Replicas(candidateName).Desired).To(BeZero())
	})

	It("rolls back when the lease is lost", func(ctx SpecContext) {
		lease.err = errors.New("lease no longer held")

		result := newController().Run(ctx)

		Expect(result.History).To(Equal([]model.RunState{
			model.Initializing(), model.Staging(0), model.RollingBack(), model.FailedState(),
		}))
		Expect(result.FailedStage).To(Equal(0))
		Expect(result.Reason).To(ContainSubstring("lost the run lease"))
		Expect(cluster.CallsOf(fakecluster.OpSetReplicas)).To(HaveLen(2))
	})
})
