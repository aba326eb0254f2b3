package flow

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"
)

func diamondTasks() []Task {
	return []Task{
		{Name: "E"},
		{Name: "B", Depends: []string{"D"}},
		{Name: "A", Depends: []string{"B", "C", "D", "E"}},
		{Name: "D", Depends: []string{"E"}},
		{Name: "C", Depends: []string{"D"}},
	}
}

func TestConstructNodes(t *testing.T) {
	nodes, err := constructNodes(diamondTasks())
	if err != nil {
		t.Fatalf("constructNodes: %v", err)
	}

	expected := []map[int]struct{}{
		{},
		{3: {}},
		{0: {}, 1: {}, 3: {}, 4: {}},
		{0: {}},
		{3: {}},
	}

	for i, node := range nodes {
		if !reflect.DeepEqual(node.depends, expected[i]) {
			t.Errorf("node %d depends = %v, want %v", i, node.depends, expected[i])
		}
	}
}

func TestConstructPlan(t *testing.T) {
	plan, err := ConstructPlan(diamondTasks())
	if err != nil {
		t.Fatalf("ConstructPlan: %v", err)
	}

	expected := Plan{{0}, {3}, {1, 4}, {2}}
	if !reflect.DeepEqual(plan, expected) {
		t.Errorf("plan = %v, want %v", plan, expected)
	}
}

func TestConstructPlanDeterministic(t *testing.T) {
	first, err := ConstructPlan(diamondTasks())
	if err != nil {
		t.Fatalf("ConstructPlan: %v", err)
	}

	for i := 0; i < 10; i++ {
		plan, err := ConstructPlan(diamondTasks())
		if err != nil {
			t.Fatalf("ConstructPlan: %v", err)
		}
		if !reflect.DeepEqual(plan, first) {
			t.Fatalf("plan = %v on run %d, want %v", plan, i, first)
		}
	}
}

func TestConstructPlanSingleTask(t *testing.T) {
	plan, err := ConstructPlan([]Task{{Name: "only"}})
	if err != nil {
		t.Fatalf("ConstructPlan: %v", err)
	}

	expected := Plan{{0}}
	if !reflect.DeepEqual(plan, expected) {
		t.Errorf("plan = %v, want %v", plan, expected)
	}
}

func TestConstructPlanCyclic(t *testing.T) {
	tasks := []Task{
		{Name: "A", Depends: []string{"B", "C", "D", "E"}},
		{Name: "B", Depends: []string{"D"}},
		{Name: "C", Depends: []string{"B"}},
		{Name: "D", Depends: []string{"A"}},
		{Name: "E"},
	}

	_, err := ConstructPlan(tasks)

	var cyclic *CyclicDependenciesError
	if !errors.As(err, &cyclic) {
		t.Fatalf("err = %v, want CyclicDependenciesError", err)
	}
	if cyclic.TaskIndex != 0 {
		t.Errorf("TaskIndex = %d, want 0", cyclic.TaskIndex)
	}
}

func TestConstructPlanSelfCycle(t *testing.T) {
	_, err := ConstructPlan([]Task{{Name: "A", Depends: []string{"A"}}})

	var cyclic *CyclicDependenciesError
	if !errors.As(err, &cyclic) {
		t.Fatalf("err = %v, want CyclicDependenciesError", err)
	}
}

func TestConstructPlanDuplicateTaskName(t *testing.T) {
	tasks := []Task{
		{Name: "A"},
		{Name: "B", Depends: []string{"A"}},
		{Name: "A", Depends: []string{"B"}},
	}

	_, err := ConstructPlan(tasks)

	var duplicate *DuplicateTaskNameError
	if !errors.As(err, &duplicate) {
		t.Fatalf("err = %v, want DuplicateTaskNameError", err)
	}
	if duplicate.Name != "A" {
		t.Errorf("Name = %q, want %q", duplicate.Name, "A")
	}
}

func TestConstructPlanDependentDoesNotExist(t *testing.T) {
	tasks := []Task{
		{Name: "A", Depends: []string{"no-such-task"}},
	}

	_, err := ConstructPlan(tasks)

	var missing *DependentTaskDoesNotExistError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want DependentTaskDoesNotExistError", err)
	}
	if missing.Name != "no-such-task" {
		t.Errorf("Name = %q, want %q", missing.Name, "no-such-task")
	}
}

func TestConstructPlanOutputNotUnique(t *testing.T) {
	tasks := []Task{
		{
			Name:    "A",
			Outputs: []Output{{Name: "foo", Path: "/home/foo"}},
		},
		{
			Name:    "B",
			Depends: []string{"A"},
			Outputs: []Output{{Name: "bar", Path: "/home/bar"}},
		},
		{
			Name:    "C",
			Depends: []string{"B"},
			Outputs: []Output{
				{Name: "foo", Path: "/home/foo"},
				{Name: "alice", Path: "/home/alice"},
			},
		},
	}

	_, err := ConstructPlan(tasks)

	var notUnique *OutputNotUniqueError
	if !errors.As(err, &notUnique) {
		t.Fatalf("err = %v, want OutputNotUniqueError", err)
	}
	if notUnique.Name != "foo" {
		t.Errorf("Name = %q, want %q", notUnique.Name, "foo")
	}
}

func TestConstructPlanOutputDoesNotExist(t *testing.T) {
	tasks := []Task{
		{
			Name:    "A",
			Outputs: []Output{{Name: "foo", Path: "/home/foo"}},
		},
		{
			Name:    "B",
			Depends: []string{"A"},
			Inputs:  []Input{{From: "doesNotExist", Path: "/user/doesNotExist"}},
			Outputs: []Output{{Name: "bar", Path: "/home/bar"}},
		},
	}

	_, err := ConstructPlan(tasks)

	var noOutput *OutputDoesNotExistError
	if !errors.As(err, &noOutput) {
		t.Fatalf("err = %v, want OutputDoesNotExistError", err)
	}
	if noOutput.TaskName != "B" || noOutput.From != "doesNotExist" {
		t.Errorf("got (%q, %q), want (%q, %q)", noOutput.TaskName, noOutput.From, "B", "doesNotExist")
	}
}

func TestConstructPlanOutputNotFromAncestor(t *testing.T) {
	// B and C are siblings, so C cannot consume B's output.
	tasks := []Task{
		{Name: "A"},
		{
			Name:    "B",
			Depends: []string{"A"},
			Outputs: []Output{{Name: "foo", Path: "/home/foo"}},
		},
		{
			Name:    "C",
			Depends: []string{"A"},
			Inputs:  []Input{{From: "foo", Path: "/user/foo"}},
		},
	}

	_, err := ConstructPlan(tasks)

	var notParent *OutputNotFromParentError
	if !errors.As(err, &notParent) {
		t.Fatalf("err = %v, want OutputNotFromParentError", err)
	}
	if notParent.TaskName != "C" || notParent.From != "foo" {
		t.Errorf("got (%q, %q), want (%q, %q)", notParent.TaskName, notParent.From, "C", "foo")
	}
}

func TestConstructPlanInputFromTransitiveAncestor(t *testing.T) {
	// C depends on B depends on A, and C consumes A's output through the
	// chain. The producing task need not be a direct dependency.
	tasks := []Task{
		{
			Name:    "A",
			Outputs: []Output{{Name: "foo", Path: "/home/foo"}},
		},
		{
			Name:    "B",
			Depends: []string{"A"},
			Outputs: []Output{{Name: "bar", Path: "/home/bar"}},
		},
		{
			Name:    "C",
			Depends: []string{"B"},
			Inputs: []Input{
				{From: "foo", Path: "/user/foo"},
				{From: "bar", Path: "/user/bar"},
			},
		},
	}

	plan, err := ConstructPlan(tasks)
	if err != nil {
		t.Fatalf("ConstructPlan: %v", err)
	}

	expected := Plan{{0}, {1}, {2}}
	if !reflect.DeepEqual(plan, expected) {
		t.Errorf("plan = %v, want %v", plan, expected)
	}
}

// stageIndexByTask maps every task index in the plan to its stage index.
func stageIndexByTask(t *testing.T, plan Plan) map[int]int {
	t.Helper()

	placement := map[int]int{}
	for stageIndex, stage := range plan {
		for _, taskIndex := range stage {
			if _, seen := placement[taskIndex]; seen {
				t.Fatalf("task %d appears in more than one stage: %v", taskIndex, plan)
			}
			placement[taskIndex] = stageIndex
		}
	}
	return placement
}

func TestConstructPlanDependencyStagedBeforeDependent(t *testing.T) {
	// N depends on D, but D is placed after N's candidate stage once Z
	// forces a singleton stage in front of C and D. N must not land in a
	// stage at or before D's.
	tasks := []Task{
		{Name: "A"},
		{Name: "C", Depends: []string{"A", "Z"}},
		{Name: "D", Depends: []string{"A"}},
		{Name: "Z", Depends: []string{"A"}},
		{Name: "N", Depends: []string{"D"}},
	}

	plan, err := ConstructPlan(tasks)
	if err != nil {
		t.Fatalf("ConstructPlan: %v", err)
	}

	expected := Plan{{0}, {3}, {1, 2}, {4}}
	if !reflect.DeepEqual(plan, expected) {
		t.Errorf("plan = %v, want %v", plan, expected)
	}
}

func TestConstructPlanRandomDAGDependencyOrdering(t *testing.T) {
	// Generated DAGs only depend backwards in task order, so every flow is
	// valid; the plan must still place each dependency strictly before its
	// dependent.
	for trial := 0; trial < 100; trial++ {
		rng := rand.New(rand.NewSource(int64(trial)))

		numTasks := 2 + rng.Intn(11)
		tasks := make([]Task, numTasks)
		for i := range tasks {
			tasks[i] = Task{Name: fmt.Sprintf("task-%d", i)}
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					tasks[i].Depends = append(tasks[i].Depends, tasks[j].Name)
				}
			}
		}

		plan, err := ConstructPlan(tasks)
		if err != nil {
			t.Fatalf("trial %d: ConstructPlan: %v", trial, err)
		}

		placement := stageIndexByTask(t, plan)
		if len(placement) != numTasks {
			t.Fatalf("trial %d: plan %v places %d of %d tasks", trial, plan, len(placement), numTasks)
		}

		nodes, err := constructNodes(tasks)
		if err != nil {
			t.Fatalf("trial %d: constructNodes: %v", trial, err)
		}
		for i, node := range nodes {
			for dep := range node.depends {
				if placement[dep] >= placement[i] {
					t.Errorf("trial %d: plan %v: task %d (stage %d) depends on task %d (stage %d)",
						trial, plan, i, placement[i], dep, placement[dep])
				}
			}
		}
	}
}

func TestIsValidationError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"cyclic", &CyclicDependenciesError{TaskIndex: 2}, true},
		{"duplicate", &DuplicateTaskNameError{Name: "A"}, true},
		{"not from parent", &OutputNotFromParentError{TaskName: "C", From: "foo"}, true},
		{"unrelated", errors.New("connection refused"), false},
		{"nil", nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsValidationError(tc.err); got != tc.want {
				t.Errorf("IsValidationError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
