package executor

import (
	"fmt"

	"github.com/flowmium/flowmium/flow"
)

// FlowNameTooLongError reports a flow name over the limit enforced by
// Kubernetes job naming.
type FlowNameTooLongError struct {
	Name string
}

func (e *FlowNameTooLongError) Error() string {
	return fmt.Sprintf("flow name longer than %d characters: %s", flow.MaxNameLength, e.Name)
}

// UnexpectedRunnerStateError reports a task whose pod disappeared, was
// duplicated or has no readable status.
type UnexpectedRunnerStateError struct {
	FlowID int64
	TaskID int
}

func (e *UnexpectedRunnerStateError) Error() string {
	return fmt.Sprintf("unexpected runner state for flow %d task %d", e.FlowID, e.TaskID)
}

// UnknownTaskStatusError reports a pod phase outside the set the executor
// understands.
type UnknownTaskStatusError struct {
	FlowID int64
	TaskID int
	Phase  string
}

func (e *UnknownTaskStatusError) Error() string {
	return fmt.Sprintf("unknown task status for flow %d task %d: %s", e.FlowID, e.TaskID, e.Phase)
}
