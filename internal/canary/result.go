package canary

import "github.com/apptrail-sh/canary/internal/model"

// Process exit codes
const (
	ExitPromoted      = 0
	ExitRolledBack    = 1
	ExitAborted       = 2
	ExitRollbackError = 3
)

// Result describes how a run ended
type Result struct {
	RunID string
	State model.RunState
	// FailedStage is the index of the stage that failed, or -1
	FailedStage int
	// Share is the last traffic share applied to the candidate
	Share       int32
	Reason      string
	RolledBack  bool
	RollbackErr error
	History     []model.RunState
}

func (r Result) Promoted() bool {
	return r.State.Phase == model.PhasePromoted
}

func (r Result) ExitCode() int {
	switch {
	case r.Promoted():
		return ExitPromoted
	case !r.RolledBack:
		return ExitAborted
	case r.RollbackErr != nil:
		return ExitRollbackError
	default:
		return ExitRolledBack
	}
}
