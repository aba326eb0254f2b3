package flow

// Plan is the compiled stage sequence for a flow. Each stage is a sorted set
// of task indices that are mutually independent and may run in parallel.
// Every task index appears in exactly one stage, and every dependency of a
// task sits in an earlier stage.
type Plan [][]int

// NumStages returns the number of stages in the plan.
func (p Plan) NumStages() int {
	return len(p)
}

// Stage returns the task indices at stage i, or nil if i is out of range.
func (p Plan) Stage(i int) []int {
	if i < 0 || i >= len(p) {
		return nil
	}
	return p[i]
}

// TaskCount returns the total number of task indices across all stages.
func (p Plan) TaskCount() int {
	count := 0
	for _, stage := range p {
		count += len(stage)
	}
	return count
}
