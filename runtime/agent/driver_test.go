package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmlab/overseer/runtime/task"
)

type fakeAgent struct {
	typ     string
	execute func(ctx context.Context, t *task.Task, agentCtx map[string]any) (*Result, error)
}

func (a *fakeAgent) Type() string { return a.typ }

func (a *fakeAgent) Execute(ctx context.Context, t *task.Task, agentCtx map[string]any) (*Result, error) {
	if a.execute == nil {
		return &Result{Success: true}, nil
	}
	return a.execute(ctx, t, agentCtx)
}

func testTask() *task.Task {
	return &task.Task{ID: "issue-1", Repo: "owner/repo", IssueNumber: 1, IssueTitle: "Test"}
}

func TestNewDriverRejectsDuplicateTypes(t *testing.T) {
	_, err := NewDriver(testModels, []Agent{
		&fakeAgent{typ: TypeWorker},
		&fakeAgent{typ: TypeWorker},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate agent type")
}

func TestInvokeUnknownType(t *testing.T) {
	d, err := NewDriver(testModels, nil)
	require.NoError(t, err)
	_, err = d.Invoke(context.Background(), TypeWorker, testTask(), nil)
	assert.Error(t, err)
}

func TestInvokeInjectsModelAndID(t *testing.T) {
	var seen map[string]any
	d, err := NewDriver(testModels, []Agent{&fakeAgent{
		typ: TypeWorker,
		execute: func(_ context.Context, _ *task.Task, agentCtx map[string]any) (*Result, error) {
			seen = agentCtx
			return &Result{Success: true}, nil
		},
	}})
	require.NoError(t, err)

	inv, err := d.Invoke(context.Background(), TypeWorker, testTask(),
		map[string]any{"task_type": "planning", "action": "plan"})
	require.NoError(t, err)
	assert.NotEmpty(t, inv.ID)
	assert.Equal(t, "haiku-id", inv.Model)
	assert.Equal(t, "haiku-id", seen["model"])
	assert.Equal(t, inv.ID, seen["agent_id"])
	assert.Equal(t, "plan", seen["action"])

	// Each invocation gets a fresh id.
	inv2, err := d.Invoke(context.Background(), TypeWorker, testTask(), nil)
	require.NoError(t, err)
	assert.NotEqual(t, inv.ID, inv2.ID)
}

func TestInvokeComputesCost(t *testing.T) {
	d, err := NewDriver(testModels, []Agent{&fakeAgent{
		typ: TypeWorker,
		execute: func(context.Context, *task.Task, map[string]any) (*Result, error) {
			return &Result{
				Success:    true,
				TokensUsed: map[string]task.TokenCount{"opus-id": {Input: 1_000_000, Output: 1_000_000}},
			}, nil
		},
	}})
	require.NoError(t, err)

	inv, err := d.Invoke(context.Background(), TypeWorker, testTask(), nil)
	require.NoError(t, err)
	assert.InDelta(t, 90, inv.CostUSD, 1e-9)
}

func TestInvokeCancelledBeforeRun(t *testing.T) {
	flags := NewMemoryCancelFlags()
	ran := false
	d, err := NewDriver(testModels, []Agent{&fakeAgent{
		typ: TypeWorker,
		execute: func(context.Context, *task.Task, map[string]any) (*Result, error) {
			ran = true
			return &Result{Success: true}, nil
		},
	}}, WithCancelFlags(flags))
	require.NoError(t, err)

	require.NoError(t, flags.Set(context.Background(), "issue-1"))
	_, err = d.Invoke(context.Background(), TypeWorker, testTask(), nil)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.False(t, ran)

	require.NoError(t, flags.Clear(context.Background(), "issue-1"))
	_, err = d.Invoke(context.Background(), TypeWorker, testTask(), nil)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestInvokePropagatesAgentError(t *testing.T) {
	boom := errors.New("provider down")
	d, err := NewDriver(testModels, []Agent{&fakeAgent{
		typ: TypeWorker,
		execute: func(context.Context, *task.Task, map[string]any) (*Result, error) {
			return nil, boom
		},
	}})
	require.NoError(t, err)

	_, err = d.Invoke(context.Background(), TypeWorker, testTask(), nil)
	assert.ErrorIs(t, err, boom)
}

func TestInvokeConcurrencyCeiling(t *testing.T) {
	const ceiling = 2
	var running, peak int64
	var mu sync.Mutex
	release := make(chan struct{})

	d, err := NewDriver(testModels, []Agent{&fakeAgent{
		typ: TypeWorker,
		execute: func(context.Context, *task.Task, map[string]any) (*Result, error) {
			n := atomic.AddInt64(&running, 1)
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			<-release
			atomic.AddInt64(&running, -1)
			return &Result{Success: true}, nil
		},
	}}, WithMaxConcurrent(ceiling))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Invoke(context.Background(), TypeWorker, testTask(), nil)
			assert.NoError(t, err)
		}()
	}
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int64(ceiling))
}

func TestInvokeContextCancelledWhileQueued(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	entered := make(chan struct{})
	d, err := NewDriver(testModels, []Agent{&fakeAgent{
		typ: TypeWorker,
		execute: func(context.Context, *task.Task, map[string]any) (*Result, error) {
			close(entered)
			<-block
			return &Result{Success: true}, nil
		},
	}}, WithMaxConcurrent(1))
	require.NoError(t, err)

	go func() {
		_, _ = d.Invoke(context.Background(), TypeWorker, testTask(), nil)
	}()
	<-entered // the only slot is now held

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Invoke(ctx, TypeWorker, testTask(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}
