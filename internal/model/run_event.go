package model

import (
	"time"

	"github.com/google/uuid"
)

type RunEventKind string
type RunEventOutcome string

const (
	RunEventKindTransition RunEventKind = "CANARY_TRANSITION"

	RunEventOutcomeSucceeded RunEventOutcome = "SUCCEEDED"
	RunEventOutcomeFailed    RunEventOutcome = "FAILED"
)

type SourceMetadata struct {
	ClusterID string `json:"clusterId"`
	Version   string `json:"version"`
}

// RunEvent is published on every state transition of a canary run
type RunEvent struct {
	EventID    string           `json:"eventId"`
	RunID      string           `json:"runId"`
	OccurredAt time.Time        `json:"occurredAt"`
	Source     SourceMetadata   `json:"source"`
	Kind       RunEventKind     `json:"kind"`
	Stable     WorkloadRef      `json:"stable"`
	Candidate  WorkloadRef      `json:"candidate"`
	State      string           `json:"state"`
	Phase      RunPhase         `json:"phase"`
	Share      int32            `json:"share"`
	Verdicts   []HealthVerdict  `json:"verdicts,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Outcome    *RunEventOutcome `json:"outcome,omitempty"`
}

// RunEventInput carries the per-transition data of a RunEvent
type RunEventInput struct {
	RunID     string
	Stable    WorkloadRef
	Candidate WorkloadRef
	State     RunState
	Share     int32
	Verdicts  []HealthVerdict
	Reason    string
}

func NewRunEvent(in RunEventInput, clusterID, version string) RunEvent {
	var verdicts []HealthVerdict
	if len(in.Verdicts) > 0 {
		verdicts = make([]HealthVerdict, len(in.Verdicts))
		copy(verdicts, in.Verdicts)
	}

	return RunEvent{
		EventID:    uuid.New().String(),
		RunID:      in.RunID,
		OccurredAt: time.Now().UTC(),
		Source: SourceMetadata{
			ClusterID: clusterID,
			Version:   version,
		},
		Kind:      RunEventKindTransition,
		Stable:    in.Stable,
		Candidate: in.Candidate,
		State:     in.State.String(),
		Phase:     in.State.Phase,
		Share:     in.Share,
		Verdicts:  verdicts,
		Reason:    in.Reason,
		Outcome:   mapRunOutcome(in.State.Phase),
	}
}

func mapRunOutcome(phase RunPhase) *RunEventOutcome {
	switch phase {
	case PhasePromoted:
		value := RunEventOutcomeSucceeded
		return &value
	case PhaseFailed:
		value := RunEventOutcomeFailed
		return &value
	default:
		return nil
	}
}
