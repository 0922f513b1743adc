package router

import (
	"encoding/json"
	"fmt"
)

// Webhook event kinds the router recognizes. Anything else is ignored.
const (
	KindIssues       = "issues"
	KindIssueComment = "issue_comment"
	KindPullRequest  = "pull_request"
	KindCheckRun     = "check_run"
)

// Normalized webhook payloads. Only the fields the router acts on are
// decoded; everything else in the delivery is ignored.
type (
	issuesEvent struct {
		Action     string     `json:"action"`
		Issue      issueRef   `json:"issue"`
		Repository repository `json:"repository"`
	}

	commentEvent struct {
		Action     string     `json:"action"`
		Issue      issueRef   `json:"issue"`
		Comment    comment    `json:"comment"`
		Repository repository `json:"repository"`
	}

	pullRequestEvent struct {
		Action      string      `json:"action"`
		PullRequest pullRequest `json:"pull_request"`
		Repository  repository  `json:"repository"`
	}

	issueRef struct {
		Number int     `json:"number"`
		Title  string  `json:"title"`
		Labels []label `json:"labels"`
		User   account `json:"user"`
	}

	pullRequest struct {
		Number int  `json:"number"`
		Merged bool `json:"merged"`
		Head   struct {
			Ref string `json:"ref"`
		} `json:"head"`
	}

	comment struct {
		Body string  `json:"body"`
		User account `json:"user"`
	}

	label struct {
		Name string `json:"name"`
	}

	account struct {
		Login string `json:"login"`
	}

	repository struct {
		FullName string `json:"full_name"`
	}
)

func decode[T any](payload []byte) (T, error) {
	var ev T
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

func (i issueRef) labelNames() []string {
	names := make([]string, len(i.Labels))
	for j, l := range i.Labels {
		names[j] = l.Name
	}
	return names
}
