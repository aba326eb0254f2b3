// Package scheduler persists flow state in Postgres and decides which tasks
// are ready to run. Every state change is broadcast on an event bus.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jmoiron/sqlx"

	"github.com/flowmium/flowmium/eventbus"
	"github.com/flowmium/flowmium/flow"
)

// Scheduler is the stateful core of the orchestrator. All of its methods are
// safe for concurrent use; the database row is the single source of truth.
type Scheduler struct {
	db     *sqlx.DB
	bus    *eventbus.Bus[Event]
	logger *slog.Logger
}

// New returns a scheduler backed by db.
func New(db *sqlx.DB, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		db:     db,
		bus:    eventbus.New[Event](eventbus.DefaultCapacity),
		logger: logger,
	}
}

// Subscribe attaches a listener for scheduler events. Events published before
// the call are not replayed.
func (s *Scheduler) Subscribe() *eventbus.Subscription[Event] {
	return s.bus.Subscribe()
}

// Close shuts down the event bus. The database handle is owned by the caller.
func (s *Scheduler) Close() {
	s.bus.Close()
}

const createFlowQuery = `
INSERT INTO flows (
    plan,
    current_stage,
    running_tasks,
    finished_tasks,
    failed_tasks,
    task_definitions,
    flow_name,
    status
) VALUES ($1, 0, '{}', '{}', '{}', $2, $3, 'pending')
RETURNING id;`

// CreateFlow stores a new flow in the pending state and returns its id.
func (s *Scheduler) CreateFlow(ctx context.Context, flowName string, plan flow.Plan, tasks []flow.Task) (int64, error) {
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return 0, fmt.Errorf("serialize plan: %w", err)
	}

	tasksJSON, err := json.Marshal(tasks)
	if err != nil {
		return 0, fmt.Errorf("serialize task definitions: %w", err)
	}

	var id int64
	err = s.db.QueryRowxContext(ctx, createFlowQuery, planJSON, tasksJSON, flowName).Scan(&id)
	if err != nil {
		s.logger.Error("unable to create flow", "flow_name", flowName, "error", err)
		return 0, fmt.Errorf("create flow: %w", err)
	}

	s.bus.Publish(FlowCreatedEvent{FlowID: id})

	return id, nil
}

// Repeated marks are deduplicated inside the UPDATE instead of the WHERE
// clause so that a duplicate mark still matches the row and stays
// distinguishable from a missing flow.
const markTaskRunningQuery = `
UPDATE flows
SET running_tasks =
        CASE
            WHEN $1 = ANY(running_tasks) THEN running_tasks
            ELSE array_append(running_tasks, $1)
        END,
    status = 'running'::flow_status
WHERE id = $2;`

// MarkTaskRunning records that a task's container has been spawned and moves
// the flow to running.
func (s *Scheduler) MarkTaskRunning(ctx context.Context, flowID int64, taskID int) error {
	if err := s.markTask(ctx, markTaskRunningQuery, flowID, taskID, "running"); err != nil {
		return err
	}

	s.bus.Publish(TaskStatusUpdateEvent{FlowID: flowID, TaskID: taskID, Status: TaskStatusRunning})

	return nil
}

const markTaskFinishedQuery = `
UPDATE flows
SET running_tasks = array_remove(running_tasks, $1),
    finished_tasks =
        CASE
            WHEN $1 = ANY(finished_tasks) THEN finished_tasks
            ELSE array_append(finished_tasks, $1)
        END,
    status =
        CASE
            WHEN NOT ($1 = ANY(finished_tasks))
                AND json_array_length(task_definitions) - 1 = cardinality(finished_tasks)
                THEN 'success'::flow_status
            ELSE status
        END
WHERE id = $2;`

// MarkTaskFinished records a successful task. When this was the last
// unfinished task the flow transitions to success.
func (s *Scheduler) MarkTaskFinished(ctx context.Context, flowID int64, taskID int) error {
	if err := s.markTask(ctx, markTaskFinishedQuery, flowID, taskID, "finished"); err != nil {
		return err
	}

	s.bus.Publish(TaskStatusUpdateEvent{FlowID: flowID, TaskID: taskID, Status: TaskStatusFinished})

	return nil
}

const markTaskFailedQuery = `
UPDATE flows
SET running_tasks = array_remove(running_tasks, $1),
    failed_tasks =
        CASE
            WHEN $1 = ANY(failed_tasks) THEN failed_tasks
            ELSE array_append(failed_tasks, $1)
        END,
    status = 'failed'::flow_status
WHERE id = $2;`

// MarkTaskFailed records a failed task and moves the flow to failed. Tasks
// already running are left to finish; no new stages will be scheduled.
func (s *Scheduler) MarkTaskFailed(ctx context.Context, flowID int64, taskID int) error {
	if err := s.markTask(ctx, markTaskFailedQuery, flowID, taskID, "failed"); err != nil {
		return err
	}

	s.bus.Publish(TaskStatusUpdateEvent{FlowID: flowID, TaskID: taskID, Status: TaskStatusFailed})

	return nil
}

func (s *Scheduler) markTask(ctx context.Context, query string, flowID int64, taskID int, verb string) error {
	result, err := s.db.ExecContext(ctx, query, taskID, flowID)
	if err != nil {
		s.logger.Error("unable to mark task", "flow_id", flowID, "task_id", taskID, "status", verb, "error", err)
		return fmt.Errorf("mark task %s: %w", verb, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark task %s: %w", verb, err)
	}
	if affected == 0 {
		return &FlowDoesNotExistError{FlowID: flowID}
	}

	return nil
}

// A pending flow dispatches its current stage without advancing; a running
// flow advances one stage once every task of the current stage has finished.
// The stage-count guard sits on the advance branch only so that a pending
// single stage flow can still dispatch stage zero.
const scheduleTasksQuery = `
WITH updated AS (
    UPDATE flows
    SET current_stage =
            CASE
                WHEN status = 'running'::flow_status THEN current_stage + 1
                ELSE current_stage
            END
    WHERE id = $1
    AND status IN ('running', 'pending')
    AND (
        status = 'pending'
        OR (
            current_stage < json_array_length(plan) - 1
            AND finished_tasks @> array(SELECT json_array_elements_text((plan -> current_stage)::json) :: integer)
        )
    )
    RETURNING plan, current_stage, task_definitions
) SELECT plan -> current_stage AS task_id_list, task_definitions AS tasks FROM updated;`

// ScheduleTasks advances the flow to its next ready stage and returns the
// tasks to spawn, ordered by task id. It returns (nil, nil) when no stage is
// ready, including for unknown flow ids.
func (s *Scheduler) ScheduleTasks(ctx context.Context, flowID int64) ([]ScheduledTask, error) {
	var taskIDList, tasks []byte

	err := s.db.QueryRowxContext(ctx, scheduleTasksQuery, flowID).Scan(&taskIDList, &tasks)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("unable to fetch next stage", "flow_id", flowID, "error", err)
		return nil, fmt.Errorf("schedule tasks: %w", err)
	}

	scheduled, err := recordToTasks(taskIDList, tasks)
	if err != nil {
		s.logger.Error("invalid stored record", "flow_id", flowID, "error", err)
		return nil, &InvalidStoredValueError{FlowID: flowID}
	}

	return scheduled, nil
}

func recordToTasks(taskIDList, tasks []byte) ([]ScheduledTask, error) {
	if taskIDList == nil {
		return nil, errors.New("stage index out of range of plan")
	}

	var taskIDs []int
	if err := json.Unmarshal(taskIDList, &taskIDs); err != nil {
		return nil, fmt.Errorf("decode stage task ids: %w", err)
	}

	var definitions []flow.Task
	if err := json.Unmarshal(tasks, &definitions); err != nil {
		return nil, fmt.Errorf("decode task definitions: %w", err)
	}

	sort.Ints(taskIDs)

	scheduled := make([]ScheduledTask, 0, len(taskIDs))
	for _, id := range taskIDs {
		if id < 0 || id >= len(definitions) {
			return nil, fmt.Errorf("task id %d out of range", id)
		}
		scheduled = append(scheduled, ScheduledTask{ID: id, Task: definitions[id]})
	}

	return scheduled, nil
}

const runningOrPendingQuery = `
SELECT id, running_tasks
FROM flows
WHERE status IN ('running', 'pending')
ORDER BY id ASC
LIMIT 1000;`

// GetRunningOrPendingFlows lists the flows the executor still has to drive,
// oldest first.
func (s *Scheduler) GetRunningOrPendingFlows(ctx context.Context) ([]PendingFlow, error) {
	flows := []PendingFlow{}
	if err := s.db.SelectContext(ctx, &flows, runningOrPendingQuery); err != nil {
		s.logger.Error("unable to fetch running or pending flows", "error", err)
		return nil, fmt.Errorf("get running or pending flows: %w", err)
	}

	return flows, nil
}

const listFlowsQuery = `
SELECT
    id, flow_name, status,
    COALESCE(array_length(running_tasks, 1), 0) AS num_running,
    COALESCE(array_length(finished_tasks, 1), 0) AS num_finished,
    COALESCE(array_length(failed_tasks, 1), 0) AS num_failed,
    json_array_length(task_definitions) AS num_total
FROM flows
ORDER BY id ASC
LIMIT 1000;`

// ListFlows returns summaries of all flows, oldest first.
func (s *Scheduler) ListFlows(ctx context.Context) ([]FlowListRecord, error) {
	flows := []FlowListRecord{}
	if err := s.db.SelectContext(ctx, &flows, listFlowsQuery); err != nil {
		s.logger.Error("unable to list flows", "error", err)
		return nil, fmt.Errorf("list flows: %w", err)
	}

	return flows, nil
}

const getFlowQuery = `
SELECT
    id, plan, current_stage, running_tasks, finished_tasks, failed_tasks,
    task_definitions, flow_name, status
FROM flows
WHERE id = $1;`

// GetFlow returns the full record of one flow.
func (s *Scheduler) GetFlow(ctx context.Context, flowID int64) (*FlowRecord, error) {
	var record FlowRecord
	err := s.db.GetContext(ctx, &record, getFlowQuery, flowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &FlowDoesNotExistError{FlowID: flowID}
	}
	if err != nil {
		s.logger.Error("unable to fetch flow", "flow_id", flowID, "error", err)
		return nil, fmt.Errorf("get flow: %w", err)
	}

	return &record, nil
}

const terminatedFlowsQuery = `
SELECT
    id, plan, current_stage, running_tasks, finished_tasks, failed_tasks,
    task_definitions, flow_name, status
FROM flows
WHERE status IN ('success', 'failed')
ORDER BY id ASC
OFFSET $1
LIMIT $2;`

// ListTerminatedFlows pages through flows that have reached success or
// failed, oldest first. Useful for archiving and cleanup.
func (s *Scheduler) ListTerminatedFlows(ctx context.Context, offset, limit int64) ([]FlowRecord, error) {
	flows := []FlowRecord{}
	if err := s.db.SelectContext(ctx, &flows, terminatedFlowsQuery, offset, limit); err != nil {
		s.logger.Error("unable to fetch terminated flows", "error", err)
		return nil, fmt.Errorf("list terminated flows: %w", err)
	}

	return flows, nil
}
