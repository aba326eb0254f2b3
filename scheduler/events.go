package scheduler

import "encoding/json"

// Event is a scheduler state change broadcast to subscribers.
type Event interface {
	schedulerEvent()
}

// TaskStatusUpdateEvent reports a task transitioning to running, finished or
// failed.
type TaskStatusUpdateEvent struct {
	FlowID int64      `json:"flow_id"`
	TaskID int        `json:"task_id"`
	Status TaskStatus `json:"status"`
}

func (TaskStatusUpdateEvent) schedulerEvent() {}

func (e TaskStatusUpdateEvent) MarshalJSON() ([]byte, error) {
	type alias TaskStatusUpdateEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: "task_status_update_event", alias: alias(e)})
}

// FlowCreatedEvent reports a newly accepted flow.
type FlowCreatedEvent struct {
	FlowID int64 `json:"flow_id"`
}

func (FlowCreatedEvent) schedulerEvent() {}

func (e FlowCreatedEvent) MarshalJSON() ([]byte, error) {
	type alias FlowCreatedEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: "flow_created_event", alias: alias(e)})
}
