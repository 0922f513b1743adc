package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmlab/overseer/runtime/model"
)

func TestBreakerPassesThrough(t *testing.T) {
	next := &fakeClient{}
	client := Breaker(BreakerOptions{Name: "test"})(next)

	resp, err := client.Complete(context.Background(), model.Request{Model: "m", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	next := &fakeClient{err: errors.New("provider down")}
	var transitions []gobreaker.State
	client := Breaker(BreakerOptions{
		Name:                "test",
		ConsecutiveFailures: 3,
		OnStateChange: func(_ string, _, to gobreaker.State) {
			transitions = append(transitions, to)
		},
	})(next)

	for i := 0; i < 3; i++ {
		_, err := client.Complete(context.Background(), model.Request{Model: "m", Prompt: "p"})
		require.Error(t, err)
	}
	assert.Equal(t, 3, next.calls)

	// The breaker is open now; calls fail fast without reaching the client.
	_, err := client.Complete(context.Background(), model.Request{Model: "m", Prompt: "p"})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, next.calls)
	assert.Contains(t, transitions, gobreaker.StateOpen)
}

func TestBreakerRecoversAfterTimeout(t *testing.T) {
	next := &fakeClient{err: errors.New("provider down")}
	client := Breaker(BreakerOptions{
		Name:                "test",
		ConsecutiveFailures: 1,
		OpenTimeout:         20 * time.Millisecond,
	})(next)

	_, err := client.Complete(context.Background(), model.Request{Model: "m", Prompt: "p"})
	require.Error(t, err)
	_, err = client.Complete(context.Background(), model.Request{Model: "m", Prompt: "p"})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	// After the open timeout the breaker half-opens and a success closes it.
	next.err = nil
	time.Sleep(30 * time.Millisecond)
	resp, err := client.Complete(context.Background(), model.Request{Model: "m", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)

	resp, err = client.Complete(context.Background(), model.Request{Model: "m", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
}
