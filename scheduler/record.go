package scheduler

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/flowmium/flowmium/flow"
)

// FlowStatus is the lifecycle state of a flow, stored as the flow_status
// enum.
type FlowStatus string

const (
	FlowStatusPending FlowStatus = "pending"
	FlowStatusRunning FlowStatus = "running"
	FlowStatusSuccess FlowStatus = "success"
	FlowStatusFailed  FlowStatus = "failed"
)

// TaskStatus is the observed state of a single task, reported in scheduler
// events.
type TaskStatus string

const (
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusFinished TaskStatus = "finished"
	TaskStatusFailed   TaskStatus = "failed"
)

// TaskIDList scans a Postgres integer[] column into task indices.
type TaskIDList []int

func (l *TaskIDList) Scan(src any) error {
	if src == nil {
		*l = TaskIDList{}
		return nil
	}
	if s, ok := src.(string); ok {
		src = []byte(s)
	}

	var arr pq.Int64Array
	if err := arr.Scan(src); err != nil {
		return fmt.Errorf("scan task id list: %w", err)
	}

	ids := make(TaskIDList, len(arr))
	for i, id := range arr {
		ids[i] = int(id)
	}
	*l = ids
	return nil
}

func (l TaskIDList) Value() (driver.Value, error) {
	arr := make(pq.Int64Array, len(l))
	for i, id := range l {
		arr[i] = int64(id)
	}
	return arr.Value()
}

// JSONColumn carries a value of type T through a Postgres JSON column. It
// marshals transparently, so API responses see the inner value.
type JSONColumn[T any] struct {
	V T
}

func (c *JSONColumn[T]) Scan(src any) error {
	switch data := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(data, &c.V)
	case string:
		return json.Unmarshal([]byte(data), &c.V)
	default:
		return fmt.Errorf("scan json column: unsupported type %T", src)
	}
}

func (c JSONColumn[T]) Value() (driver.Value, error) {
	return json.Marshal(c.V)
}

func (c JSONColumn[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.V)
}

func (c *JSONColumn[T]) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &c.V)
}

// FlowRecord is one stored flow with its full execution state.
type FlowRecord struct {
	ID              int64                  `db:"id" json:"id"`
	FlowName        string                 `db:"flow_name" json:"flow_name"`
	Status          FlowStatus             `db:"status" json:"status"`
	Plan            JSONColumn[flow.Plan]  `db:"plan" json:"plan"`
	CurrentStage    int                    `db:"current_stage" json:"current_stage"`
	RunningTasks    TaskIDList             `db:"running_tasks" json:"running_tasks"`
	FinishedTasks   TaskIDList             `db:"finished_tasks" json:"finished_tasks"`
	FailedTasks     TaskIDList             `db:"failed_tasks" json:"failed_tasks"`
	TaskDefinitions JSONColumn[[]flow.Task] `db:"task_definitions" json:"task_definitions"`
}

// FlowListRecord is the summary row returned by flow listings.
type FlowListRecord struct {
	ID          int64      `db:"id" json:"id"`
	FlowName    string     `db:"flow_name" json:"flow_name"`
	Status      FlowStatus `db:"status" json:"status"`
	NumRunning  int        `db:"num_running" json:"num_running"`
	NumFinished int        `db:"num_finished" json:"num_finished"`
	NumFailed   int        `db:"num_failed" json:"num_failed"`
	NumTotal    int        `db:"num_total" json:"num_total"`
}

// PendingFlow identifies a flow the executor still has to drive, with the
// tasks currently marked running.
type PendingFlow struct {
	ID           int64      `db:"id"`
	RunningTasks TaskIDList `db:"running_tasks"`
}

// ScheduledTask pairs a task index with its definition, as returned by
// ScheduleTasks for a newly dispatched stage.
type ScheduledTask struct {
	ID   int
	Task flow.Task
}
