package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCommands(t *testing.T) {
	cases := []struct {
		name string
		body string
		want []Command
	}{
		{
			name: "bare approve",
			body: "/approve",
			want: []Command{{Verb: "approve"}},
		},
		{
			name: "approve with trailing comment",
			body: "/approve looks good to me",
			want: []Command{{Verb: "approve", Args: "looks good to me"}},
		},
		{
			name: "approve-plan is not approve with args",
			body: "/approve-plan",
			want: []Command{{Verb: "approve-plan"}},
		},
		{
			name: "approve-vision and approve-feature",
			body: "/approve-vision\n/approve-feature auth",
			want: []Command{{Verb: "approve-vision"}, {Verb: "approve-feature", Args: "auth"}},
		},
		{
			name: "mid-line slash does not match",
			body: "please /approve this",
			want: []Command{},
		},
		{
			name: "command on later line",
			body: "Looks reasonable overall.\n\n/approve\n\nThanks!",
			want: []Command{{Verb: "approve"}},
		},
		{
			name: "multiple commands keep textual order",
			body: "/add-feature dark mode\n/prioritize F-1 high\n/handoff F-1",
			want: []Command{
				{Verb: "add-feature", Args: "dark mode"},
				{Verb: "prioritize", Args: "F-1 high"},
				{Verb: "handoff", Args: "F-1"},
			},
		},
		{
			name: "unknown verb ignored",
			body: "/deploy now\n/agent-review",
			want: []Command{{Verb: "agent-review"}},
		},
		{
			name: "trailing whitespace tolerated",
			body: "/agent-stop   \n",
			want: []Command{{Verb: "agent-stop"}},
		},
		{
			name: "pm with mode",
			body: "/agent-pm backlog",
			want: []Command{{Verb: "agent-pm", Args: "backlog"}},
		},
		{
			name: "verb prefix with extra chars does not match",
			body: "/approved\n/agent-fixing",
			want: []Command{},
		},
		{
			name: "empty body",
			body: "",
			want: []Command{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseCommands(tc.body))
		})
	}
}

func TestCommandFields(t *testing.T) {
	cmd := Command{Verb: "prioritize", Args: "F-1   high"}
	assert.Equal(t, []string{"F-1", "high"}, cmd.Fields())
	assert.Empty(t, Command{Verb: "approve"}.Fields())
}
