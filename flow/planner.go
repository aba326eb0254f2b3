package flow

import (
	"sort"
)

// node is one task with its dependencies resolved to indices.
type node struct {
	index   int
	depends map[int]struct{}
}

// ConstructPlan validates a flow's tasks and compiles them into a staged
// execution plan. It rejects duplicate task names, unknown dependencies,
// cycles, non-unique outputs and inputs that do not come from an ancestor
// task. The result is deterministic for a given task order.
func ConstructPlan(tasks []Task) (Plan, error) {
	nodes, err := constructNodes(tasks)
	if err != nil {
		return nil, err
	}

	if err := checkCycles(nodes); err != nil {
		return nil, err
	}

	if err := validateArtefacts(tasks, nodes); err != nil {
		return nil, err
	}

	stages := []map[int]struct{}{}
	deps := newDependsCache(nodes)

	for i := range nodes {
		stages = addNodeToPlan(i, stages, deps)
	}

	plan := make(Plan, len(stages))
	for i, stage := range stages {
		indices := make([]int, 0, len(stage))
		for index := range stage {
			indices = append(indices, index)
		}
		sort.Ints(indices)
		plan[i] = indices
	}

	return plan, nil
}

func constructNodes(tasks []Task) ([]node, error) {
	indexByName := make(map[string]int, len(tasks))
	for i, task := range tasks {
		if _, exists := indexByName[task.Name]; exists {
			return nil, &DuplicateTaskNameError{Name: task.Name}
		}
		indexByName[task.Name] = i
	}

	nodes := make([]node, len(tasks))
	for i, task := range tasks {
		depends := make(map[int]struct{}, len(task.Depends))
		for _, name := range task.Depends {
			depIndex, ok := indexByName[name]
			if !ok {
				return nil, &DependentTaskDoesNotExistError{Name: name}
			}
			depends[depIndex] = struct{}{}
		}
		nodes[i] = node{index: i, depends: depends}
	}

	return nodes, nil
}

const (
	colorWhite = iota
	colorGray
	colorBlack
)

// checkCycles runs a coloring DFS over the dependency edges and reports the
// first task at which a back edge is found.
func checkCycles(nodes []node) error {
	colors := make([]int, len(nodes))

	var visit func(i int) error
	visit = func(i int) error {
		colors[i] = colorGray
		for dep := range nodes[i].depends {
			switch colors[dep] {
			case colorGray:
				return &CyclicDependenciesError{TaskIndex: dep}
			case colorWhite:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		colors[i] = colorBlack
		return nil
	}

	for i := range nodes {
		if colors[i] == colorWhite {
			if err := visit(i); err != nil {
				return err
			}
		}
	}

	return nil
}

// validateArtefacts checks that output names are unique across the flow and
// that every input names an output produced by an ancestor of the consuming
// task. Requires a cycle-free graph.
func validateArtefacts(tasks []Task, nodes []node) error {
	producerByOutput := make(map[string]int)
	for i, task := range tasks {
		for _, output := range task.Outputs {
			if _, exists := producerByOutput[output.Name]; exists {
				return &OutputNotUniqueError{Name: output.Name}
			}
			producerByOutput[output.Name] = i
		}
	}

	deps := newDependsCache(nodes)
	for i, task := range tasks {
		for _, input := range task.Inputs {
			producer, ok := producerByOutput[input.From]
			if !ok {
				return &OutputDoesNotExistError{TaskName: task.Name, From: input.From}
			}
			if !deps.dependsOn(i, producer) {
				return &OutputNotFromParentError{TaskName: task.Name, From: input.From}
			}
		}
	}

	return nil
}

// dependsCache memoizes the transitive dependency closure of each node.
type dependsCache struct {
	nodes    []node
	closures []map[int]struct{}
}

func newDependsCache(nodes []node) *dependsCache {
	return &dependsCache{
		nodes:    nodes,
		closures: make([]map[int]struct{}, len(nodes)),
	}
}

// dependsOn reports whether task a transitively depends on task b.
func (c *dependsCache) dependsOn(a, b int) bool {
	_, ok := c.closure(a)[b]
	return ok
}

func (c *dependsCache) closure(i int) map[int]struct{} {
	if c.closures[i] != nil {
		return c.closures[i]
	}

	closure := map[int]struct{}{}
	for dep := range c.nodes[i].depends {
		closure[dep] = struct{}{}
		for transitive := range c.closure(dep) {
			closure[transitive] = struct{}{}
		}
	}

	c.closures[i] = closure
	return closure
}

// addNodeToPlan places a task into the earliest stage it fits: the first
// stage strictly after every already placed dependency of the task. A stage
// there that depends on the task gets a fresh singleton stage inserted before
// it, otherwise the stage absorbs the task. A task unrelated to every
// existing stage ends up in a new final stage.
func addNodeToPlan(index int, stages []map[int]struct{}, deps *dependsCache) []map[int]struct{} {
	minStage := 0
	for stageIndex, stage := range stages {
		for member := range stage {
			if deps.dependsOn(index, member) {
				minStage = stageIndex + 1
			}
		}
	}

	for stageIndex := minStage; stageIndex < len(stages); stageIndex++ {
		stageDependsOnNode := false
		for member := range stages[stageIndex] {
			if deps.dependsOn(member, index) {
				stageDependsOnNode = true
				break
			}
		}

		if stageDependsOnNode {
			inserted := make([]map[int]struct{}, 0, len(stages)+1)
			inserted = append(inserted, stages[:stageIndex]...)
			inserted = append(inserted, map[int]struct{}{index: {}})
			inserted = append(inserted, stages[stageIndex:]...)
			return inserted
		}

		stages[stageIndex][index] = struct{}{}
		return stages
	}

	return append(stages, map[int]struct{}{index: {}})
}
