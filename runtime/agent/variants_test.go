package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmlab/overseer/runtime/model"
	"github.com/swarmlab/overseer/runtime/task"
)

// scriptedClient returns canned completions and records requests.
type scriptedClient struct {
	text     string
	err      error
	requests []model.Request
}

func (c *scriptedClient) Complete(_ context.Context, req model.Request) (model.Response, error) {
	c.requests = append(c.requests, req)
	if c.err != nil {
		return model.Response{}, c.err
	}
	return model.Response{
		Text:       c.text,
		Usage:      model.Usage{InputTokens: 120, OutputTokens: 40},
		StopReason: "end_turn",
	}, nil
}

func TestVariantsCoverAllTypes(t *testing.T) {
	agents := Variants(&scriptedClient{}, nil)
	types := make(map[string]bool, len(agents))
	for _, a := range agents {
		types[a.Type()] = true
	}
	assert.Equal(t, map[string]bool{
		TypePlanner: true, TypeWorker: true, TypeReviewer: true,
		TypeFixer: true, TypeProductManager: true,
	}, types)
}

func TestWorkerPlanParsesAndValidates(t *testing.T) {
	client := &scriptedClient{text: "Here is the plan:\n" +
		`{"summary": "add retries", "steps": [{"description": "wrap client", "files": ["client.go"]}]}`}
	w := NewWorker(client, nil)

	res, err := w.Execute(context.Background(), testTask(), map[string]any{
		"action": "plan",
		"model":  "haiku-id",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	plan, ok := res.Output["plan"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "add retries", plan["summary"])
	assert.Equal(t, task.TokenCount{Input: 120, Output: 40}, res.TokensUsed["haiku-id"])

	require.Len(t, client.requests, 1)
	assert.Equal(t, "haiku-id", client.requests[0].Model)
	assert.Contains(t, client.requests[0].Prompt, "Issue #1")
}

func TestWorkerPlanRejectsInvalidJSON(t *testing.T) {
	w := NewWorker(&scriptedClient{text: "I could not produce a plan."}, nil)
	res, err := w.Execute(context.Background(), testTask(), map[string]any{"action": "plan", "model": "m"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "JSON")
	// Token usage survives failed parses so cost accounting stays complete.
	assert.Equal(t, task.TokenCount{Input: 120, Output: 40}, res.TokensUsed["m"])
}

func TestWorkerPlanRejectsSchemaViolation(t *testing.T) {
	w := NewWorker(&scriptedClient{text: `{"summary": "no steps here"}`}, nil)
	res, err := w.Execute(context.Background(), testTask(), map[string]any{"action": "plan", "model": "m"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "plan")
}

func TestWorkerImplement(t *testing.T) {
	client := &scriptedClient{text: "Refactored the client with retries."}
	w := NewWorker(client, nil)
	res, err := w.Execute(context.Background(), testTask(), map[string]any{
		"action": "implement",
		"model":  "sonnet-id",
		"plan":   map[string]any{"summary": "add retries"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "Refactored the client with retries.", res.Output["summary"])
	assert.Contains(t, client.requests[0].Prompt, "add retries")
}

func TestWorkerUnknownAction(t *testing.T) {
	w := NewWorker(&scriptedClient{}, nil)
	_, err := w.Execute(context.Background(), testTask(), map[string]any{"action": "deploy"})
	assert.Error(t, err)
}

func TestReviewerValidVerdict(t *testing.T) {
	r := NewReviewer(&scriptedClient{text: `{"verdict": "request_changes", "summary": "missing tests"}`}, nil)
	res, err := r.Execute(context.Background(), testTask(), map[string]any{"model": "m"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	review, ok := res.Output["review"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "request_changes", review["verdict"])
}

func TestReviewerInvalidVerdict(t *testing.T) {
	r := NewReviewer(&scriptedClient{text: `{"verdict": "maybe"}`}, nil)
	res, err := r.Execute(context.Background(), testTask(), map[string]any{"model": "m"})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestPlannerReturnsPlanText(t *testing.T) {
	p := NewPlanner(&scriptedClient{text: "1. First\n2. Second"}, nil)
	res, err := p.Execute(context.Background(), testTask(), map[string]any{"model": "m"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "1. First\n2. Second", res.Output["plan_text"])
}

func TestFixerIncludesLastError(t *testing.T) {
	client := &scriptedClient{text: "Retry with a longer timeout."}
	f := NewFixer(client, nil)
	failed := testTask()
	failed.LastError = "sandbox timeout after 300s"

	res, err := f.Execute(context.Background(), failed, map[string]any{"model": "m"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, client.requests[0].Prompt, "sandbox timeout after 300s")
}

func TestProductManagerModes(t *testing.T) {
	client := &scriptedClient{text: "# Document"}
	pm := NewProductManager(client, nil)

	res, err := pm.Execute(context.Background(), testTask(), map[string]any{"model": "m", "mode": "backlog"})
	require.NoError(t, err)
	assert.Equal(t, "backlog", res.Output["mode"])
	assert.Contains(t, client.requests[0].System, "backlog")

	// Missing mode defaults to vision.
	res, err = pm.Execute(context.Background(), testTask(), map[string]any{"model": "m"})
	require.NoError(t, err)
	assert.Equal(t, "vision", res.Output["mode"])
}

func TestCompleteChecksCancelFlag(t *testing.T) {
	flags := NewMemoryCancelFlags()
	client := &scriptedClient{text: "output"}
	w := NewWorker(client, flags)

	require.NoError(t, flags.Set(context.Background(), "issue-1"))
	_, err := w.Execute(context.Background(), testTask(), map[string]any{"action": "implement", "model": "m"})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, client.requests) // aborted before the model call
}

func TestCompletePropagatesClientError(t *testing.T) {
	w := NewWorker(&scriptedClient{err: assert.AnError}, nil)
	_, err := w.Execute(context.Background(), testTask(), map[string]any{"action": "implement"})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestParseJSONObject(t *testing.T) {
	out, err := parseJSONObject("```json\n{\"a\": 1}\n```")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0}, out)

	_, err = parseJSONObject("no json here")
	assert.Error(t, err)

	_, err = parseJSONObject("{broken")
	assert.Error(t, err)
}
