package flow

import (
	"errors"
	"fmt"
)

// CyclicDependenciesError reports a dependency cycle reachable from the task
// at the given index.
type CyclicDependenciesError struct {
	TaskIndex int
}

func (e *CyclicDependenciesError) Error() string {
	return fmt.Sprintf("cyclic dependencies found at task %d", e.TaskIndex)
}

// DependentTaskDoesNotExistError reports a depends entry naming an unknown
// task.
type DependentTaskDoesNotExistError struct {
	Name string
}

func (e *DependentTaskDoesNotExistError) Error() string {
	return fmt.Sprintf("dependent task %s does not exist", e.Name)
}

// DuplicateTaskNameError reports two tasks sharing the same name.
type DuplicateTaskNameError struct {
	Name string
}

func (e *DuplicateTaskNameError) Error() string {
	return fmt.Sprintf("duplicate task name %s", e.Name)
}

// OutputNotUniqueError reports an output name declared by more than one task.
type OutputNotUniqueError struct {
	Name string
}

func (e *OutputNotUniqueError) Error() string {
	return fmt.Sprintf("output %s not unique", e.Name)
}

// OutputDoesNotExistError reports an input referencing an output no task
// produces.
type OutputDoesNotExistError struct {
	TaskName string
	From     string
}

func (e *OutputDoesNotExistError) Error() string {
	return fmt.Sprintf("input ref %s for task %s does not exist", e.From, e.TaskName)
}

// OutputNotFromParentError reports an input whose producing task is not an
// ancestor of the consuming task.
type OutputNotFromParentError struct {
	TaskName string
	From     string
}

func (e *OutputNotFromParentError) Error() string {
	return fmt.Sprintf("input ref %s for task %s not from a parent task", e.From, e.TaskName)
}

// IsValidationError reports whether err is one of the planner's flow
// validation errors, which should be surfaced to the submitter rather than
// retried.
func IsValidationError(err error) bool {
	var (
		cyclic    *CyclicDependenciesError
		missing   *DependentTaskDoesNotExistError
		duplicate *DuplicateTaskNameError
		notUnique *OutputNotUniqueError
		noOutput  *OutputDoesNotExistError
		notParent *OutputNotFromParentError
	)
	return errors.As(err, &cyclic) ||
		errors.As(err, &missing) ||
		errors.As(err, &duplicate) ||
		errors.As(err, &notUnique) ||
		errors.As(err, &noOutput) ||
		errors.As(err, &notParent)
}
