package scheduler

import "fmt"

// FlowDoesNotExistError reports an operation against a flow id with no stored
// row.
type FlowDoesNotExistError struct {
	FlowID int64
}

func (e *FlowDoesNotExistError) Error() string {
	return fmt.Sprintf("flow %d does not exist", e.FlowID)
}

// InvalidStoredValueError reports a flow row whose plan or task definitions
// could not be decoded.
type InvalidStoredValueError struct {
	FlowID int64
}

func (e *InvalidStoredValueError) Error() string {
	return fmt.Sprintf("invalid stored value for flow %d", e.FlowID)
}
