package anthropic

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmlab/overseer/runtime/model"
)

type mockMessages struct {
	params sdk.MessageNewParams
	msg    *sdk.Message
	err    error
}

func (m *mockMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	m.params = body
	return m.msg, m.err
}

func textMessage(blocks ...sdk.ContentBlockUnion) *sdk.Message {
	return &sdk.Message{
		Content:    blocks,
		Usage:      sdk.Usage{InputTokens: 42, OutputTokens: 17},
		StopReason: "end_turn",
	}
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)

	_, err = NewFromAPIKey("", Options{})
	assert.Error(t, err)
}

func TestCompleteTranslatesRequest(t *testing.T) {
	mock := &mockMessages{msg: textMessage(
		sdk.ContentBlockUnion{Type: "text", Text: "Hello "},
		sdk.ContentBlockUnion{Type: "text", Text: "world"},
	)}
	c, err := New(mock, Options{})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), model.Request{
		Model:       "claude-sonnet-4-5",
		System:      "You are terse.",
		Prompt:      "Say hello.",
		MaxTokens:   256,
		Temperature: 0.3,
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello world", resp.Text)
	assert.Equal(t, model.Usage{InputTokens: 42, OutputTokens: 17}, resp.Usage)
	assert.Equal(t, "end_turn", resp.StopReason)

	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), mock.params.Model)
	assert.Equal(t, int64(256), mock.params.MaxTokens)
	require.Len(t, mock.params.System, 1)
	assert.Equal(t, "You are terse.", mock.params.System[0].Text)
	require.Len(t, mock.params.Messages, 1)
	assert.True(t, mock.params.Temperature.Valid())
}

func TestCompleteSkipsNonTextBlocks(t *testing.T) {
	mock := &mockMessages{msg: textMessage(
		sdk.ContentBlockUnion{Type: "tool_use"},
		sdk.ContentBlockUnion{Type: "text", Text: "only this"},
	)}
	c, err := New(mock, Options{})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), model.Request{Model: "m", Prompt: "p", MaxTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, "only this", resp.Text)
}

func TestCompleteDefaultsMaxTokens(t *testing.T) {
	mock := &mockMessages{msg: textMessage()}
	c, err := New(mock, Options{MaxTokens: 4096})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), model.Request{Model: "m", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, int64(4096), mock.params.MaxTokens)

	// An explicit cap wins over the default.
	_, err = c.Complete(context.Background(), model.Request{Model: "m", Prompt: "p", MaxTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(100), mock.params.MaxTokens)
}

func TestCompleteValidation(t *testing.T) {
	c, err := New(&mockMessages{msg: textMessage()}, Options{})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), model.Request{Prompt: "p", MaxTokens: 10})
	assert.Error(t, err) // missing model

	_, err = c.Complete(context.Background(), model.Request{Model: "m", Prompt: "p"})
	assert.Error(t, err) // no max tokens anywhere
}

func TestCompletePropagatesSDKError(t *testing.T) {
	boom := errors.New("api: 529 overloaded")
	c, err := New(&mockMessages{err: boom}, Options{})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), model.Request{Model: "m", Prompt: "p", MaxTokens: 10})
	assert.ErrorIs(t, err, boom)
}

func TestCompleteOmitsSystemAndTemperatureWhenUnset(t *testing.T) {
	mock := &mockMessages{msg: textMessage()}
	c, err := New(mock, Options{})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), model.Request{Model: "m", Prompt: "p", MaxTokens: 10})
	require.NoError(t, err)
	assert.Empty(t, mock.params.System)
	assert.False(t, mock.params.Temperature.Valid())
}
