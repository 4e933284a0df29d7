package model

import (
	"errors"
	"fmt"
)

// WorkloadRef identifies a deployable unit taking part in a canary run
type WorkloadRef struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Image     string `json:"image,omitempty"`
}

// Key returns the namespace/name form used in logs and metric labels
func (w WorkloadRef) Key() string {
	return w.Namespace + "/" + w.Name
}

// ServiceRef identifies the service fronting both stable and candidate workloads
type ServiceRef struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	URL       string `json:"url,omitempty"` // Target for synthetic probes and warm-up traffic
}

// InstanceRef identifies a single workload instance (pod) whose logs can be sampled
type InstanceRef struct {
	Name      string
	Namespace string
	Container string // Empty selects the pod's only container
}

// ReplicaStatus is the replica view reported by the workload controller
type ReplicaStatus struct {
	Ready   int32
	Desired int32
}

var (
	// ErrInvalidStages is returned when a stage sequence cannot drive a run to promotion
	ErrInvalidStages = errors.New("invalid stage sequence")

	// ErrConvergenceTimeout is returned when a workload does not reach its requested
	// replica count within the allotted time
	ErrConvergenceTimeout = errors.New("rollout did not converge before timeout")
)

// StageSpec is the ordered list of canary traffic-share percentages
type StageSpec []int32

// Validate checks that shares are within [0,100], strictly increasing and end at 100
func (s StageSpec) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: at least one stage is required", ErrInvalidStages)
	}
	for i, share := range s {
		if share < 0 || share > 100 {
			return fmt.Errorf("%w: stage %d share %d is outside [0,100]", ErrInvalidStages, i, share)
		}
		if i > 0 && share <= s[i-1] {
			return fmt.Errorf("%w: stage %d share %d does not increase on %d", ErrInvalidStages, i, share, s[i-1])
		}
	}
	if s[len(s)-1] != 100 {
		return fmt.Errorf("%w: final stage must be 100, got %d", ErrInvalidStages, s[len(s)-1])
	}
	return nil
}

// Last returns the index of the final stage
func (s StageSpec) Last() int {
	return len(s) - 1
}

// ReplicaPlan splits a fixed replica budget between stable and candidate
type ReplicaPlan struct {
	Total     int32
	Share     int32
	Stable    int32
	Candidate int32
}

// NewReplicaPlan derives the replica split for a traffic share.
// Candidate gets floor(total*share/100), stable gets the remainder.
func NewReplicaPlan(total, share int32) ReplicaPlan {
	candidate := int32(int64(total) * int64(share) / 100)
	return ReplicaPlan{
		Total:     total,
		Share:     share,
		Stable:    total - candidate,
		Candidate: candidate,
	}
}

func (p ReplicaPlan) String() string {
	return fmt.Sprintf("%d%% (stable=%d candidate=%d)", p.Share, p.Stable, p.Candidate)
}
