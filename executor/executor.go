// Package executor drives flows to completion by spawning tasks as
// Kubernetes jobs and feeding their observed pod status back into the
// scheduler.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/samber/lo"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/flowmium/flowmium/flow"
	"github.com/flowmium/flowmium/scheduler"
)

// FlowStore is the scheduler surface the executor depends on.
type FlowStore interface {
	CreateFlow(ctx context.Context, flowName string, plan flow.Plan, tasks []flow.Task) (int64, error)
	ScheduleTasks(ctx context.Context, flowID int64) ([]scheduler.ScheduledTask, error)
	MarkTaskRunning(ctx context.Context, flowID int64, taskID int) error
	MarkTaskFinished(ctx context.Context, flowID int64, taskID int) error
	MarkTaskFailed(ctx context.Context, flowID int64, taskID int) error
	GetRunningOrPendingFlows(ctx context.Context) ([]scheduler.PendingFlow, error)
}

// SecretStore resolves secret references in task environments.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, error)
}

type taskStatus int

const (
	taskStatusPending taskStatus = iota
	taskStatusRunning
	taskStatusFinished
	taskStatusFailed
)

// Executor periodically advances every running or pending flow.
type Executor struct {
	flows   FlowStore
	secrets SecretStore
	client  kubernetes.Interface
	cfg     Config
	logger  *slog.Logger
}

// New returns an executor. The label keys in cfg are defaulted when empty.
func New(flows FlowStore, secrets SecretStore, client kubernetes.Interface, cfg Config, logger *slog.Logger) *Executor {
	return &Executor{
		flows:   flows,
		secrets: secrets,
		client:  client,
		cfg:     cfg.WithDefaults(),
		logger:  logger,
	}
}

// InstantiateFlow validates a flow, compiles its plan and stores it pending.
// The executor picks it up on its next tick.
func (e *Executor) InstantiateFlow(ctx context.Context, f flow.Flow) (int64, error) {
	if len(f.Name) > flow.MaxNameLength {
		return 0, &FlowNameTooLongError{Name: f.Name}
	}

	plan, err := flow.ConstructPlan(f.Tasks)
	if err != nil {
		return 0, err
	}

	e.logger.Info("creating flow", "flow_name", f.Name, "plan", plan)

	flowID, err := e.flows.CreateFlow(ctx, f.Name, plan, f.Tasks)
	if err != nil {
		return 0, err
	}

	flowsCreatedTotal.Inc()

	return flowID, nil
}

// Run ticks the executor every interval until the context is canceled.
func (e *Executor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick makes one pass over all running or pending flows: it dispatches ready
// stages and reconciles the status of running tasks. A failure in one flow
// does not stop progress on the others.
func (e *Executor) Tick(ctx context.Context) {
	ticksTotal.Inc()

	pending, err := e.flows.GetRunningOrPendingFlows(ctx)
	if err != nil {
		e.logger.Error("unable to fetch running or pending flows", "error", err)
		return
	}

	for _, pendingFlow := range pending {
		dispatched, err := e.dispatchPendingTasks(ctx, pendingFlow.ID)
		if err != nil {
			e.logger.Error("unable to dispatch tasks", "flow_id", pendingFlow.ID, "error", err)
			continue
		}
		if dispatched {
			continue
		}

		for _, taskID := range pendingFlow.RunningTasks {
			if err := e.reconcileRunningTask(ctx, pendingFlow.ID, taskID); err != nil {
				e.logger.Error("unable to reconcile running task",
					"flow_id", pendingFlow.ID, "task_id", taskID, "error", err)
				break
			}
		}
	}
}

// dispatchPendingTasks asks the scheduler for the next ready stage and spawns
// its tasks. It reports whether a stage was dispatched.
func (e *Executor) dispatchPendingTasks(ctx context.Context, flowID int64) (bool, error) {
	scheduled, err := e.flows.ScheduleTasks(ctx, flowID)
	if err != nil {
		return false, err
	}
	if scheduled == nil {
		return false, nil
	}

	for _, st := range scheduled {
		if err := e.SpawnTask(ctx, flowID, st.ID, st.Task); err != nil {
			e.logger.Error("unable to spawn task",
				"flow_id", flowID, "task_id", st.ID, "error", err)
			if err := e.flows.MarkTaskFailed(ctx, flowID, st.ID); err != nil {
				return true, err
			}
			taskTransitionsTotal.WithLabelValues(string(scheduler.TaskStatusFailed)).Inc()
			break
		}

		if err := e.flows.MarkTaskRunning(ctx, flowID, st.ID); err != nil {
			return true, err
		}
		taskTransitionsTotal.WithLabelValues(string(scheduler.TaskStatusRunning)).Inc()
	}

	return true, nil
}

// reconcileRunningTask folds the observed pod status of a running task back
// into the scheduler.
func (e *Executor) reconcileRunningTask(ctx context.Context, flowID int64, taskID int) error {
	status, err := e.getTaskStatus(ctx, flowID, taskID)
	if err != nil {
		return e.markTaskFailed(ctx, flowID, taskID)
	}

	switch status {
	case taskStatusPending, taskStatusRunning:
		return nil
	case taskStatusFinished:
		if err := e.flows.MarkTaskFinished(ctx, flowID, taskID); err != nil {
			return err
		}
		taskTransitionsTotal.WithLabelValues(string(scheduler.TaskStatusFinished)).Inc()
		return nil
	default:
		return e.markTaskFailed(ctx, flowID, taskID)
	}
}

func (e *Executor) markTaskFailed(ctx context.Context, flowID int64, taskID int) error {
	if err := e.flows.MarkTaskFailed(ctx, flowID, taskID); err != nil {
		return err
	}
	taskTransitionsTotal.WithLabelValues(string(scheduler.TaskStatusFailed)).Inc()
	return nil
}

// SpawnTask submits the task as a Kubernetes job. A job that already exists
// counts as a successful spawn so that a restarted server does not fail flows
// it already dispatched.
func (e *Executor) SpawnTask(ctx context.Context, flowID int64, taskID int, task flow.Task) error {
	e.logger.Info("spawning task", "flow_id", flowID, "task_id", taskID, "task_name", task.Name)

	env, err := e.taskEnv(ctx, task, flowID)
	if err != nil {
		return err
	}

	job := e.taskJob(flowID, taskID, task, env)

	_, err = e.client.BatchV1().Jobs(e.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		e.logger.Info("job already exists", "flow_id", flowID, "task_id", taskID)
		return nil
	}
	if err != nil {
		taskSpawnFailuresTotal.Inc()
		return fmt.Errorf("spawn task: %w", err)
	}

	tasksSpawnedTotal.Inc()

	return nil
}

func (e *Executor) taskJob(flowID int64, taskID int, task flow.Task, env []corev1.EnvVar) *batchv1.Job {
	mounts := []corev1.VolumeMount{{Name: "executable", MountPath: "/var/run"}}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name: fmt.Sprintf("flow-%d-task-%s", flowID, task.Name),
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: lo.ToPtr(int32(0)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Name: task.Name,
					Labels: map[string]string{
						e.cfg.FlowIDLabel: strconv.FormatInt(flowID, 10),
						e.cfg.TaskIDLabel: strconv.Itoa(taskID),
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					InitContainers: []corev1.Container{{
						Name:         "init",
						Image:        e.cfg.InitContainerImage,
						Command:      []string{"/flowmium", "init", "/flowmium", "/var/run/flowmium"},
						VolumeMounts: mounts,
					}},
					Containers: []corev1.Container{{
						Name:         task.Name,
						Image:        task.Image,
						Command:      append([]string{"/var/run/flowmium", "task"}, task.Cmd...),
						Env:          env,
						VolumeMounts: mounts,
					}},
					Volumes: []corev1.Volume{{
						Name: "executable",
						VolumeSource: corev1.VolumeSource{
							EmptyDir: &corev1.EmptyDirVolumeSource{Medium: corev1.StorageMediumMemory},
						},
					}},
				},
			},
		},
	}
}

// taskEnv assembles the sidecar configuration and the task's own environment,
// materializing secret references from the secret store.
func (e *Executor) taskEnv(ctx context.Context, task flow.Task, flowID int64) ([]corev1.EnvVar, error) {
	inputJSON, err := json.Marshal(task.Inputs)
	if err != nil {
		return nil, fmt.Errorf("serialize task inputs: %w", err)
	}
	outputJSON, err := json.Marshal(task.Outputs)
	if err != nil {
		return nil, fmt.Errorf("serialize task outputs: %w", err)
	}

	env := []corev1.EnvVar{
		{Name: "FLOWMIUM_INPUT_JSON", Value: string(inputJSON)},
		{Name: "FLOWMIUM_OUTPUT_JSON", Value: string(outputJSON)},
		{Name: "FLOWMIUM_FLOW_ID", Value: strconv.FormatInt(flowID, 10)},
		{Name: "FLOWMIUM_ACCESS_KEY", Value: e.cfg.AccessKey},
		{Name: "FLOWMIUM_SECRET_KEY", Value: e.cfg.SecretKey},
		{Name: "FLOWMIUM_BUCKET_NAME", Value: e.cfg.BucketName},
		{Name: "FLOWMIUM_TASK_STORE_URL", Value: e.cfg.TaskStoreURL},
	}

	for _, taskVar := range task.Env {
		value := taskVar.Value
		if taskVar.IsSecretRef() {
			value, err = e.secrets.Get(ctx, taskVar.FromSecret)
			if err != nil {
				return nil, fmt.Errorf("fetch secret %s: %w", taskVar.FromSecret, err)
			}
		}
		env = append(env, corev1.EnvVar{Name: taskVar.Name, Value: value})
	}

	return env, nil
}

// getTaskStatus reads the phase of the single pod belonging to a task.
func (e *Executor) getTaskStatus(ctx context.Context, flowID int64, taskID int) (taskStatus, error) {
	selector := fmt.Sprintf("%s=%d,%s=%d", e.cfg.FlowIDLabel, flowID, e.cfg.TaskIDLabel, taskID)

	pods, err := e.client.CoreV1().Pods(e.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return 0, fmt.Errorf("list pods: %w", err)
	}

	if len(pods.Items) != 1 {
		e.logger.Error("expected exactly one pod for task",
			"flow_id", flowID, "task_id", taskID, "count", len(pods.Items))
		return 0, &UnexpectedRunnerStateError{FlowID: flowID, TaskID: taskID}
	}

	phase := pods.Items[0].Status.Phase
	if phase == "" {
		return 0, &UnexpectedRunnerStateError{FlowID: flowID, TaskID: taskID}
	}

	switch phase {
	case corev1.PodPending:
		return taskStatusPending, nil
	case corev1.PodRunning:
		return taskStatusRunning, nil
	case corev1.PodSucceeded:
		return taskStatusFinished, nil
	case corev1.PodFailed, corev1.PodPhase("StartError"):
		return taskStatusFailed, nil
	default:
		return 0, &UnknownTaskStatusError{FlowID: flowID, TaskID: taskID, Phase: string(phase)}
	}
}
