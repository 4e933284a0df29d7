// Package fakecluster is an in-memory stand-in for the workload controller, endpoint
// registry, probe target and log source. Faults can be injected per operation based on
// the cluster state at call time.
package fakecluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/apptrail-sh/canary/internal/model"
)

const (
	OpSetReplicas = "SetReplicaCount"
	OpSetImage    = "SetImage"
	OpConverge    = "WaitForRolloutConvergence"
	OpProbe       = "ProbeHTTP"
)

// Call records a mutating or blocking operation issued against the cluster
type Call struct {
	Op       string
	Workload string
	Replicas int32
	Image    string
}

// Snapshot is the replica state of every workload, keyed by workload name
type Snapshot map[string]model.ReplicaStatus

// Desired returns the requested replicas of the named workload
func (s Snapshot) Desired(name string) int32 {
	return s[name].Desired
}

// Faults decide whether an operation fails. Nil functions never fail.
type Faults struct {
	Scale     func(ref model.WorkloadRef, count int32, s Snapshot) error
	Image     func(ref model.WorkloadRef, image string) error
	Converge  func(ref model.WorkloadRef, s Snapshot) error
	Endpoints func(routable int, s Snapshot) (int, error)
	Probe     func(s Snapshot) error
	List      func(s Snapshot) error
}

type workload struct {
	ref     model.WorkloadRef
	desired int32
	ready   int32
}

type instance struct {
	ref    model.InstanceRef
	labels labels.Set
	lines  []string
	err    error
}

type Cluster struct {
	mu        sync.Mutex
	workloads map[string]*workload
	instances []*instance
	faults    Faults
	calls     []Call
}

func New() *Cluster {
	return &Cluster{workloads: make(map[string]*workload)}
}

// AddWorkload registers a converged workload with the given replica count
func (c *Cluster) AddWorkload(ref model.WorkloadRef, replicas int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workloads[ref.Name] = &workload{ref: ref, desired: replicas, ready: replicas}
}

// SetReady overrides the ready count of a workload without touching its desired count
func (c *Cluster) SetReady(name string, ready int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workloads[name]; ok {
		w.ready = ready
	}
}

// AddInstance registers a running pod with its recent log lines
func (c *Cluster) AddInstance(ref model.InstanceRef, podLabels map[string]string, lines ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances = append(c.instances, &instance{ref: ref, labels: labels.Set(podLabels), lines: lines})
}

// BreakLogs makes log reads of the named instance fail
func (c *Cluster) BreakLogs(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, inst := range c.instances {
		if inst.ref.Name == name {
			inst.err = err
		}
	}
}

func (c *Cluster) SetFaults(f Faults) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = f
}

// Calls returns the recorded operations in issue order
func (c *Cluster) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallsOf returns the recorded operations of one kind
func (c *Cluster) CallsOf(op string) []Call {
	var out []Call
	for _, call := range c.Calls() {
		if call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

// Replicas returns the current replica state of the named workload
func (c *Cluster) Replicas(name string) model.ReplicaStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workloads[name]; ok {
		return model.ReplicaStatus{Ready: w.ready, Desired: w.desired}
	}
	return model.ReplicaStatus{}
}

// Image returns the current image of the named workload
func (c *Cluster) Image(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workloads[name]; ok {
		return w.ref.Image
	}
	return ""
}

func (c *Cluster) snapshotLocked() Snapshot {
	s := make(Snapshot, len(c.workloads))
	for name, w := range c.workloads {
		s[name] = model.ReplicaStatus{Ready: w.ready, Desired: w.desired}
	}
	return s
}

func (c *Cluster) lookupLocked(ref model.WorkloadRef) (*workload, error) {
	w, ok := c.workloads[ref.Name]
	if !ok || w.ref.Namespace != ref.Namespace {
		return nil, apierrors.NewNotFound(schema.GroupResource{Group: "apps", Resource: "deployments"}, ref.Name)
	}
	return w, nil
}

func (c *Cluster) GetReplicaStatus(ctx context.Context, ref model.WorkloadRef) (model.ReplicaStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, err := c.lookupLocked(ref)
	if err != nil {
		return model.ReplicaStatus{}, err
	}
	return model.ReplicaStatus{Ready: w.ready, Desired: w.desired}, nil
}

// SetReplicaCount changes the desired count. Ready follows on convergence.
func (c *Cluster) SetReplicaCount(ctx context.Context, ref model.WorkloadRef, count int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Op: OpSetReplicas, Workload: ref.Name, Replicas: count})

	w, err := c.lookupLocked(ref)
	if err != nil {
		return err
	}
	if c.faults.Scale != nil {
		if err := c.faults.Scale(ref, count, c.snapshotLocked()); err != nil {
			return err
		}
	}
	w.desired = count
	return nil
}

func (c *Cluster) WaitForRolloutConvergence(ctx context.Context, ref model.WorkloadRef, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("stopped waiting for %s: %w", ref.Key(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Op: OpConverge, Workload: ref.Name})

	w, err := c.lookupLocked(ref)
	if err != nil {
		return err
	}
	if c.faults.Converge != nil {
		if err := c.faults.Converge(ref, c.snapshotLocked()); err != nil {
			return err
		}
	}
	w.ready = w.desired
	return nil
}

// GetEndpointCount reports the ready replicas of every workload in the namespace, as if
// the service selected both stable and candidate pods.
func (c *Cluster) GetEndpointCount(ctx context.Context, service model.ServiceRef) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	routable := 0
	for _, w := range c.workloads {
		if w.ref.Namespace == service.Namespace {
			routable += int(w.ready)
		}
	}
	if c.faults.Endpoints != nil {
		return c.faults.Endpoints(routable, c.snapshotLocked())
	}
	return routable, nil
}

func (c *Cluster) ProbeHTTP(ctx context.Context, service model.ServiceRef, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Op: OpProbe, Workload: service.Name})

	if c.faults.Probe != nil {
		return c.faults.Probe(c.snapshotLocked())
	}
	return nil
}

func (c *Cluster) ListInstances(ctx context.Context, namespace, selector string) ([]model.InstanceRef, error) {
	parsed, err := labels.Parse(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.faults.List != nil {
		if err := c.faults.List(c.snapshotLocked()); err != nil {
			return nil, err
		}
	}

	var out []model.InstanceRef
	for _, inst := range c.instances {
		if inst.ref.Namespace == namespace && parsed.Matches(inst.labels) {
			out = append(out, inst.ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Cluster) TailRecentLogs(ctx context.Context, ref model.InstanceRef, lineCount int64) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, inst := range c.instances {
		if inst.ref.Name != ref.Name || inst.ref.Namespace != ref.Namespace {
			continue
		}
		if inst.err != nil {
			return nil, inst.err
		}
		lines := inst.lines
		if int64(len(lines)) > lineCount {
			lines = lines[int64(len(lines))-lineCount:]
		}
		return append([]string(nil), lines...), nil
	}
	return nil, apierrors.NewNotFound(schema.GroupResource{Resource: "pods"}, ref.Name)
}

func (c *Cluster) GetImage(ctx context.Context, ref model.WorkloadRef) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, err := c.lookupLocked(ref)
	if err != nil {
		return "", err
	}
	return w.ref.Image, nil
}

func (c *Cluster) SetImage(ctx context.Context, ref model.WorkloadRef, image string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Op: OpSetImage, Workload: ref.Name, Image: image})

	w, err := c.lookupLocked(ref)
	if err != nil {
		return err
	}
	if c.faults.Image != nil {
		if err := c.faults.Image(ref, image); err != nil {
			return err
		}
	}
	w.ref.Image = image
	return nil
}
