package swarm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGuard(t *testing.T) {
	tests := []struct {
		guard   string
		payload string
		want    bool
	}{
		{"", `{}`, true},
		{"else", `{"a":1}`, true},
		{"approved", `{"approved":true}`, true},
		{"approved", `{"approved":false}`, false},
		{"approved", `{}`, false},
		{`status == "ok"`, `{"status":"ok"}`, true},
		{`status == ok`, `{"status":"ok"}`, true},
		{`status == 'ok'`, `{"status":"ok"}`, true},
		{`status != "ok"`, `{"status":"bad"}`, true},
		{`status != "ok"`, `{}`, true},
		{"score >= 0.8", `{"score":0.8}`, true},
		{"score > 0.8", `{"score":0.8}`, false},
		{"score < 10", `{"score":3}`, true},
		{"score <= 2", `{"score":3}`, false},
		{"score > 1", `{"score":"high"}`, false},
		{"review.issues == 0", `{"review":{"issues":0}}`, true},
		{"flag == true", `{"flag":true}`, true},
		{"count == 3", `{"count":3.0}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.guard, func(t *testing.T) {
			g, err := parseGuard(tt.guard)
			require.NoError(t, err)
			assert.Equal(t, tt.want, g.match([]byte(tt.payload)))
		})
	}

	for _, bad := range []string{"== 3", "score >=", "  <  "} {
		_, err := parseGuard(bad)
		assert.Error(t, err, bad)
	}
}

func buildBranch(t *testing.T) *Workflow {
	t.Helper()
	w := NewWorkflow()
	for _, n := range []WorkflowNode{
		{ID: "start", Type: NodeAITask, TaskID: "t1"},
		{ID: "cond", Type: NodeCondition},
		{ID: "yes", Type: NodeAITask, TaskID: "t2"},
		{ID: "no", Type: NodeAITask, TaskID: "t3"},
	} {
		_, err := w.AddNode(n)
		require.NoError(t, err)
	}
	for _, c := range []Connection{
		{SourceID: "start", TargetID: "cond"},
		{SourceID: "cond", TargetID: "yes", Condition: `verdict == "ship"`},
		{SourceID: "cond", TargetID: "no", Condition: "else"},
	} {
		_, err := w.Connect(c)
		require.NoError(t, err)
	}
	return w
}

func TestConditionSelectsFirstMatch(t *testing.T) {
	w := buildBranch(t)
	assert.True(t, w.Gated("t2"))
	assert.True(t, w.Gated("t3"))
	assert.False(t, w.Gated("t1"))

	b := w.EvaluateConditions("t1", []byte(`{"verdict":"ship"}`))
	assert.Equal(t, []string{"yes"}, b.Activated)
	assert.Equal(t, []string{"t3"}, b.Skipped)
	assert.Empty(t, b.Stalled)
	assert.False(t, w.Gated("t2"))

	cond, err := w.Node("cond")
	require.NoError(t, err)
	assert.Equal(t, NodeCompleted, cond.Status)

	again := w.EvaluateConditions("t1", []byte(`{"verdict":"hold"}`))
	assert.Empty(t, again.Activated, "condition nodes fire once")
}

func TestConditionElseBranch(t *testing.T) {
	w := buildBranch(t)
	b := w.EvaluateConditions("t1", []byte(`{"verdict":"hold"}`))
	assert.Equal(t, []string{"no"}, b.Activated)
	assert.Equal(t, []string{"t2"}, b.Skipped)
}

func TestConditionWithoutMatchStalls(t *testing.T) {
	w := NewWorkflow()
	for _, n := range []WorkflowNode{
		{ID: "src", Type: NodeAITask, TaskID: "t1"},
		{ID: "cond", Type: NodeCondition},
		{ID: "dst", Type: NodeAITask, TaskID: "t2"},
	} {
		_, err := w.AddNode(n)
		require.NoError(t, err)
	}
	_, err := w.Connect(Connection{SourceID: "src", TargetID: "cond"})
	require.NoError(t, err)
	_, err = w.Connect(Connection{SourceID: "cond", TargetID: "dst", Condition: "score > 5"})
	require.NoError(t, err)

	b := w.EvaluateConditions("t1", []byte(`{"score":1}`))
	assert.Equal(t, []string{"cond"}, b.Stalled)
	assert.Equal(t, []string{"cond"}, w.Stalled())
	assert.True(t, w.Gated("t2"))

	n, _ := w.Node("cond")
	assert.Equal(t, NodeError, n.Status)
}

func TestHumanReviewGate(t *testing.T) {
	w := NewWorkflow()
	n, err := w.AddNode(WorkflowNode{ID: "review", Type: NodeHumanReview, TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, NodePaused, n.Status)
	assert.True(t, w.Gated("t1"))

	w.MirrorTask("t1", TaskPending)
	n, _ = w.Node("review")
	assert.Equal(t, NodePaused, n.Status)

	n, err = w.Approve("review")
	require.NoError(t, err)
	assert.True(t, n.Approved)
	assert.Equal(t, NodeRunning, n.Status)
	assert.False(t, w.Gated("t1"))

	assert.True(t, w.MirrorTask("t1", TaskCompleted))
	assert.False(t, w.MirrorTask("t1", TaskCompleted))
	n, _ = w.Node("review")
	assert.Equal(t, NodeCompleted, n.Status)
}

func TestWorkflowValidation(t *testing.T) {
	w := NewWorkflow()
	_, err := w.AddNode(WorkflowNode{ID: "a", Type: "blob"})
	assert.True(t, IsValidation(err))

	_, err = w.AddNode(WorkflowNode{ID: "a", Type: NodeStart, TaskID: "t1"})
	require.NoError(t, err)
	_, err = w.AddNode(WorkflowNode{ID: "a", Type: NodeEnd})
	assert.ErrorIs(t, err, ErrDuplicateID)
	_, err = w.AddNode(WorkflowNode{ID: "b", Type: NodeEnd, TaskID: "t1"})
	assert.ErrorIs(t, err, ErrDuplicateID)

	_, err = w.Connect(Connection{SourceID: "a", TargetID: "a"})
	assert.True(t, IsValidation(err))
	_, err = w.Connect(Connection{SourceID: "a", TargetID: "ghost"})
	assert.ErrorIs(t, err, ErrNodeNotFound)

	_, err = w.AddNode(WorkflowNode{ID: "c", Type: NodeEnd})
	require.NoError(t, err)
	_, err = w.Connect(Connection{SourceID: "a", TargetID: "c", Condition: "x >="})
	assert.ErrorIs(t, err, ErrInvalidGuard)

	_, err = w.Approve("a")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = w.Approve("ghost")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestWorkflowStateRoundTrip(t *testing.T) {
	w := buildBranch(t)
	w.EvaluateConditions("t1", []byte(`{"verdict":"ship"}`))
	w.MirrorTask("t1", TaskCompleted)

	restored, err := RestoreWorkflow(w.State())
	require.NoError(t, err)
	assert.Equal(t, w.State(), restored.State())
	assert.False(t, restored.Gated("t2"))
	assert.True(t, restored.Gated("t3"))
}
