package executor

// Config holds the runtime settings the executor needs to spawn task
// containers and point them at the artefact store.
type Config struct {
	// TaskStoreURL is the artefact store endpoint as reachable from task
	// pods.
	TaskStoreURL string
	// BucketName is the artefact bucket.
	BucketName string
	// AccessKey and SecretKey are the artefact store credentials.
	AccessKey string
	SecretKey string
	// InitContainerImage is the image the init container copies the
	// orchestrator binary from. Set it to the server's own image.
	InitContainerImage string
	// Namespace is the Kubernetes namespace task jobs run in.
	Namespace string
	// FlowIDLabel and TaskIDLabel are the pod labels used to find the pod
	// belonging to a task.
	FlowIDLabel string
	TaskIDLabel string
}

const (
	// DefaultFlowIDLabel labels spawned pods with their flow id.
	DefaultFlowIDLabel = "flowmium.io/flow-id"
	// DefaultTaskIDLabel labels spawned pods with their task id.
	DefaultTaskIDLabel = "flowmium.io/task-id"
)

// WithDefaults fills in the label keys when unset.
func (c Config) WithDefaults() Config {
	if c.FlowIDLabel == "" {
		c.FlowIDLabel = DefaultFlowIDLabel
	}
	if c.TaskIDLabel == "" {
		c.TaskIDLabel = DefaultTaskIDLabel
	}
	return c
}
