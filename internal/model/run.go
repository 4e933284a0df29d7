package model

import "fmt"

// HealthVerdict is the outcome of a single probe
type HealthVerdict struct {
	Probe  string `json:"probe"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Passed builds a passing verdict
func Passed(probe, format string, args ...any) HealthVerdict {
	return HealthVerdict{Probe: probe, Passed: true, Detail: fmt.Sprintf(format, args...)}
}

// Failed builds a failing verdict
func Failed(probe, format string, args ...any) HealthVerdict {
	return HealthVerdict{Probe: probe, Passed: false, Detail: fmt.Sprintf(format, args...)}
}

type RunPhase string

const (
	PhaseInitializing RunPhase = "Initializing"
	PhaseStaging      RunPhase = "Staging"
	PhaseMonitoring   RunPhase = "Monitoring"
	PhaseRollingBack  RunPhase = "RollingBack"
	PhasePromoted     RunPhase = "Promoted"
	PhaseFailed       RunPhase = "Failed"
)

// AllPhases lists phases in state-machine order
var AllPhases = []RunPhase{
	PhaseInitializing,
	PhaseStaging,
	PhaseMonitoring,
	PhaseRollingBack,
	PhasePromoted,
	PhaseFailed,
}

// RunState is the controller's state; StageIndex is meaningful for Staging and Monitoring only
type RunState struct {
	Phase      RunPhase
	StageIndex int
}

func Initializing() RunState    { return RunState{Phase: PhaseInitializing} }
func Staging(i int) RunState    { return RunState{Phase: PhaseStaging, StageIndex: i} }
func Monitoring(i int) RunState { return RunState{Phase: PhaseMonitoring, StageIndex: i} }
func RollingBack() RunState     { return RunState{Phase: PhaseRollingBack} }
func Promoted() RunState        { return RunState{Phase: PhasePromoted} }
func FailedState() RunState     { return RunState{Phase: PhaseFailed} }

// IsTerminal reports whether the run has finished
func (s RunState) IsTerminal() bool {
	return s.Phase == PhasePromoted || s.Phase == PhaseFailed
}

func (s RunState) String() string {
	switch s.Phase {
	case PhaseStaging, PhaseMonitoring:
		return fmt.Sprintf("%s(%d)", s.Phase, s.StageIndex)
	default:
		return string(s.Phase)
	}
}
