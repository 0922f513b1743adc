// Package forge defines the code-hosting client contract. The orchestrator
// core depends on this interface only; the GitHub App implementation lives in
// features/forge/github.
package forge

import (
	"context"
	"errors"
)

// ErrRemote indicates the code-hosting API answered with a non-success status
// or could not be reached after retries. Webhook handling surfaces it as a
// 5xx so the platform retries the delivery.
var ErrRemote = errors.New("remote api failure")

type (
	// Client is the operations surface the orchestrator needs from the
	// code-hosting platform. Repo arguments are "owner/name".
	// Implementations must be safe for concurrent use.
	Client interface {
		// PostComment adds a comment to an issue or pull request and
		// returns the comment id.
		PostComment(ctx context.Context, repo string, issueNumber int, body string) (int64, error)

		// EditComment replaces the body of an existing comment.
		EditComment(ctx context.Context, repo string, commentID int64, body string) error

		// AddLabels adds labels to an issue.
		AddLabels(ctx context.Context, repo string, issueNumber int, labels ...string) error

		// RemoveLabel removes one label from an issue. Removing a label the
		// issue does not carry is not an error.
		RemoveLabel(ctx context.Context, repo string, issueNumber int, label string) error

		// SetAgentLabel replaces any "agent:*" label on the issue with the
		// given one so the issue always reflects the current task state.
		SetAgentLabel(ctx context.Context, repo string, issueNumber int, label string) error

		// CreatePullRequest opens a pull request and returns its number.
		CreatePullRequest(ctx context.Context, repo string, pr PullRequest) (int, error)

		// CreateIssue opens an issue and returns its number.
		CreateIssue(ctx context.Context, repo, title, body string, labels ...string) (int, error)

		// UpdateIssue replaces the title and body of an existing issue.
		UpdateIssue(ctx context.Context, repo string, issueNumber int, title, body string) error

		// GetFileContent fetches a file from the default branch. Returns the
		// decoded content and the blob SHA needed to update it.
		GetFileContent(ctx context.Context, repo, path string) ([]byte, string, error)

		// PutFileContent creates or updates a file on a branch. The SHA is
		// required when updating, empty when creating.
		PutFileContent(ctx context.Context, repo, path, branch, message string, content []byte, sha string) error

		// GetDefaultBranch returns the repository's default branch name.
		GetDefaultBranch(ctx context.Context, repo string) (string, error)

		// GetBranchSHA returns the commit SHA a branch points at.
		GetBranchSHA(ctx context.Context, repo, branch string) (string, error)

		// CreateBranch creates a branch at the given commit SHA.
		CreateBranch(ctx context.Context, repo, branch, sha string) error

		// CreateCheckRun creates a check run on a commit and returns its id.
		CreateCheckRun(ctx context.Context, repo, name, sha, status string) (int64, error)
	}

	// PullRequest describes a pull request to open.
	PullRequest struct {
		Title string
		Body  string
		Head  string
		Base  string
		Draft bool
	}
)
