// Package github implements the forge.Client contract against the GitHub
// REST API as a GitHub App: requests authenticate with per-repository
// installation tokens minted from the app's private key and cached until
// shortly before expiry.
package github

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/swarmlab/overseer/runtime/forge"
)

const defaultBaseURL = "https://api.github.com"

type (
	// Client is a GitHub App backed forge client. It is safe for
	// concurrent use.
	Client struct {
		http    *http.Client
		baseURL string
		appID   string
		key     *rsa.PrivateKey
		cache   *tokenCache
		now     func() time.Time
	}

	// Option customizes a Client.
	Option func(*Client)
)

// Compile-time check that Client implements forge.Client.
var _ forge.Client = (*Client)(nil)

// WithBaseURL overrides the API base URL. Tests point it at a local server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithClock overrides the time source used for JWT claims.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a GitHub App client from the app id and PEM-encoded private
// key.
func New(appID string, privateKeyPEM []byte, opts ...Option) (*Client, error) {
	if appID == "" {
		return nil, errors.New("app id is required")
	}
	key, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	c := &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: defaultBaseURL,
		appID:   appID,
		key:     key,
		cache:   newTokenCache(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PostComment adds a comment to an issue or pull request.
func (c *Client) PostComment(ctx context.Context, repo string, issueNumber int, body string) (int64, error) {
	var out struct {
		ID int64 `json:"id"`
	}
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", repo, issueNumber)
	err := c.call(ctx, repo, http.MethodPost, path, map[string]string{"body": body}, &out)
	return out.ID, err
}

// EditComment replaces the body of an existing comment.
func (c *Client) EditComment(ctx context.Context, repo string, commentID int64, body string) error {
	path := fmt.Sprintf("/repos/%s/issues/comments/%d", repo, commentID)
	return c.call(ctx, repo, http.MethodPatch, path, map[string]string{"body": body}, nil)
}

// AddLabels adds labels to an issue.
func (c *Client) AddLabels(ctx context.Context, repo string, issueNumber int, labels ...string) error {
	if len(labels) == 0 {
		return nil
	}
	path := fmt.Sprintf("/repos/%s/issues/%d/labels", repo, issueNumber)
	return c.call(ctx, repo, http.MethodPost, path, map[string][]string{"labels": labels}, nil)
}

// RemoveLabel removes one label from an issue. A label the issue does not
// carry is not an error.
func (c *Client) RemoveLabel(ctx context.Context, repo string, issueNumber int, label string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/labels/%s", repo, issueNumber, url.PathEscape(label))
	err := c.call(ctx, repo, http.MethodDelete, path, nil, nil)
	var re *remoteError
	if errors.As(err, &re) && re.status == http.StatusNotFound {
		return nil
	}
	return err
}

// SetAgentLabel replaces any "agent:*" label on the issue with the given one.
func (c *Client) SetAgentLabel(ctx context.Context, repo string, issueNumber int, label string) error {
	var current []struct {
		Name string `json:"name"`
	}
	path := fmt.Sprintf("/repos/%s/issues/%d/labels", repo, issueNumber)
	if err := c.call(ctx, repo, http.MethodGet, path, nil, &current); err != nil {
		return err
	}
	for _, l := range current {
		if l.Name == label || !strings.HasPrefix(l.Name, "agent:") {
			continue
		}
		if err := c.RemoveLabel(ctx, repo, issueNumber, l.Name); err != nil {
			return err
		}
	}
	return c.AddLabels(ctx, repo, issueNumber, label)
}

// CreatePullRequest opens a pull request and returns its number.
func (c *Client) CreatePullRequest(ctx context.Context, repo string, pr forge.PullRequest) (int, error) {
	var out struct {
		Number int `json:"number"`
	}
	body := map[string]any{
		"title": pr.Title,
		"body":  pr.Body,
		"head":  pr.Head,
		"base":  pr.Base,
		"draft": pr.Draft,
	}
	err := c.call(ctx, repo, http.MethodPost, "/repos/"+repo+"/pulls", body, &out)
	return out.Number, err
}

// CreateIssue opens an issue and returns its number.
func (c *Client) CreateIssue(ctx context.Context, repo, title, body string, labels ...string) (int, error) {
	var out struct {
		Number int `json:"number"`
	}
	payload := map[string]any{"title": title, "body": body}
	if len(labels) > 0 {
		payload["labels"] = labels
	}
	err := c.call(ctx, repo, http.MethodPost, "/repos/"+repo+"/issues", payload, &out)
	return out.Number, err
}

// UpdateIssue replaces the title and body of an existing issue.
func (c *Client) UpdateIssue(ctx context.Context, repo string, issueNumber int, title, body string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d", repo, issueNumber)
	return c.call(ctx, repo, http.MethodPatch, path, map[string]string{"title": title, "body": body}, nil)
}

// GetFileContent fetches a file from the default branch, returning the
// decoded content and the blob SHA needed to update it.
func (c *Client) GetFileContent(ctx context.Context, repo, path string) ([]byte, string, error) {
	var out struct {
		Content string `json:"content"`
		SHA     string `json:"sha"`
	}
	apiPath := "/repos/" + repo + "/contents/" + escapePath(path)
	if err := c.call(ctx, repo, http.MethodGet, apiPath, nil, &out); err != nil {
		return nil, "", err
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(out.Content, "\n", ""))
	if err != nil {
		return nil, "", fmt.Errorf("decode content of %s: %w", path, err)
	}
	return decoded, out.SHA, nil
}

// PutFileContent creates or updates a file on a branch. The SHA is required
// when updating, empty when creating.
func (c *Client) PutFileContent(ctx context.Context, repo, path, branch, message string, content []byte, sha string) error {
	payload := map[string]any{
		"message": message,
		"content": base64.StdEncoding.EncodeToString(content),
		"branch":  branch,
	}
	if sha != "" {
		payload["sha"] = sha
	}
	apiPath := "/repos/" + repo + "/contents/" + escapePath(path)
	return c.call(ctx, repo, http.MethodPut, apiPath, payload, nil)
}

// GetDefaultBranch returns the repository's default branch name.
func (c *Client) GetDefaultBranch(ctx context.Context, repo string) (string, error) {
	var out struct {
		DefaultBranch string `json:"default_branch"`
	}
	err := c.call(ctx, repo, http.MethodGet, "/repos/"+repo, nil, &out)
	return out.DefaultBranch, err
}

// GetBranchSHA returns the commit SHA a branch points at.
func (c *Client) GetBranchSHA(ctx context.Context, repo, branch string) (string, error) {
	var out struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	path := "/repos/" + repo + "/git/ref/heads/" + url.PathEscape(branch)
	err := c.call(ctx, repo, http.MethodGet, path, nil, &out)
	return out.Object.SHA, err
}

// CreateBranch creates a branch at the given commit SHA.
func (c *Client) CreateBranch(ctx context.Context, repo, branch, sha string) error {
	body := map[string]string{"ref": "refs/heads/" + branch, "sha": sha}
	return c.call(ctx, repo, http.MethodPost, "/repos/"+repo+"/git/refs", body, nil)
}

// CreateCheckRun creates a check run on a commit and returns its id.
func (c *Client) CreateCheckRun(ctx context.Context, repo, name, sha, status string) (int64, error) {
	var out struct {
		ID int64 `json:"id"`
	}
	body := map[string]string{"name": name, "head_sha": sha, "status": status}
	err := c.call(ctx, repo, http.MethodPost, "/repos/"+repo+"/check-runs", body, &out)
	return out.ID, err
}

// remoteError carries the HTTP status of a failed API call. It wraps
// forge.ErrRemote so callers classify it without knowing the concrete type.
type remoteError struct {
	status int
	method string
	path   string
	body   string
}

func (e *remoteError) Error() string {
	return fmt.Sprintf("github %s %s: status %d: %s", e.method, e.path, e.status, e.body)
}

func (e *remoteError) Unwrap() error { return forge.ErrRemote }

// call authenticates with an installation token and issues one API request,
// retrying transient failures (network errors and 5xx) with capped
// exponential backoff.
func (c *Client) call(ctx context.Context, repo, method, path string, body, out any) error {
	token, err := c.installationToken(ctx, repo)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, method, path, token, body, out)
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	backoff := retry.WithMaxRetries(3,
		retry.WithCappedDuration(2*time.Second,
			retry.NewExponential(200*time.Millisecond)))
	var respBody []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("%w: %w", forge.ErrRemote, err))
		}
		defer resp.Body.Close()
		respBody, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return retry.RetryableError(fmt.Errorf("%w: read response: %w", forge.ErrRemote, err))
		}
		if resp.StatusCode >= 500 {
			return retry.RetryableError(&remoteError{
				status: resp.StatusCode, method: method, path: path, body: trim(respBody),
			})
		}
		if resp.StatusCode >= 400 {
			return &remoteError{status: resp.StatusCode, method: method, path: path, body: trim(respBody)}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return decodeBody(respBody, out)
}

func trim(b []byte) string {
	const max = 256
	s := string(b)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// escapePath escapes each segment of a repository file path while keeping
// the separators.
func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
