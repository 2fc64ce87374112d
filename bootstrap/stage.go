package bootstrap

import "fmt"

// Stage is a step of the bootstrap sequence, in execution order
type Stage uint8

// Stages of the bootstrap sequence
const (
	StageConfig Stage = iota
	StageProvision
	StageCopy
	StagePrepare
	StageEnter
	StageUnshare
	StageFork
	StageWait
)

var stageToString = []string{
	"config",
	"provision",
	"copy",
	"prepare",
	"enter",
	"unshare",
	"fork",
	"wait",
}

func (s Stage) String() string {
	if int(s) < len(stageToString) {
		return stageToString[s]
	}
	return fmt.Sprintf("stage(%d)", s)
}

// FatalError is a failure of the bootstrap itself, as opposed to a failure
// of the child, which is reported in the Outcome
type FatalError struct {
	Stage Stage
	Err   error

	// Partial is set when the failure happened after the namespaces of the
	// bootstrap thread were replaced. The thread is discarded, but the
	// failure is not recoverable by retrying the stage.
	Partial bool
}

func (e *FatalError) Error() string {
	if e.Partial {
		return e.Stage.String() + " (isolation partially applied): " + e.Err.Error()
	}
	return e.Stage.String() + ": " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
