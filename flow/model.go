// Package flow defines the workflow model and the planner that compiles a
// flow's dependency graph into an ordered sequence of parallel stages.
package flow

// MaxNameLength is the maximum length of a flow name. Flow names end up in
// Kubernetes job names, which are length constrained.
const MaxNameLength = 32

// EnvVar is one environment variable for a task container. Either Value holds
// a literal or FromSecret names a stored secret whose value is materialized
// when the task is spawned.
type EnvVar struct {
	Name       string `json:"name" yaml:"name"`
	Value      string `json:"value,omitempty" yaml:"value,omitempty"`
	FromSecret string `json:"fromSecret,omitempty" yaml:"fromSecret,omitempty"`
}

// IsSecretRef reports whether the variable's value comes from a stored secret.
func (e EnvVar) IsSecretRef() bool {
	return e.FromSecret != ""
}

// Input declares an artifact consumed by a task: the output name it comes
// from and the in-container path to place it at.
type Input struct {
	From string `json:"from" yaml:"from"`
	Path string `json:"path" yaml:"path"`
}

// Output declares an artifact produced by a task: its flow-unique name and
// the in-container path it is read from after the task succeeds.
type Output struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

// Task is one node in the flow DAG, executed as one container.
type Task struct {
	Name    string   `json:"name" yaml:"name"`
	Image   string   `json:"image" yaml:"image"`
	Depends []string `json:"depends" yaml:"depends"`
	Cmd     []string `json:"cmd" yaml:"cmd"`
	Env     []EnvVar `json:"env" yaml:"env"`
	Inputs  []Input  `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs []Output `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// Flow is a submitted DAG of tasks, one run.
type Flow struct {
	Name  string `json:"name" yaml:"name"`
	Tasks []Task `json:"tasks" yaml:"tasks"`
}
