package flow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanStages(t *testing.T) {
	plan := Plan{{0}, {1, 3}, {2}}

	assert.Equal(t, 3, plan.NumStages())
	assert.Equal(t, 4, plan.TaskCount())
	assert.Equal(t, []int{1, 3}, plan.Stage(1))
	assert.Nil(t, plan.Stage(3))
	assert.Nil(t, plan.Stage(-1))
}

func TestPlanEmpty(t *testing.T) {
	var plan Plan

	assert.Equal(t, 0, plan.NumStages())
	assert.Equal(t, 0, plan.TaskCount())
	assert.Nil(t, plan.Stage(0))
}

func TestPlanJSONRoundTrip(t *testing.T) {
	plan := Plan{{0}, {1, 2}}

	data, err := json.Marshal(plan)
	assert.NoError(t, err)
	assert.Equal(t, "[[0],[1,2]]", string(data))

	var decoded Plan
	assert.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, plan, decoded)
}
