package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmlab/overseer/runtime/forge"
)

func testKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

// tokenEndpoints serves the installation token exchange and counts exchanges.
type tokenEndpoints struct {
	exchanges int64
}

func (te *tokenEndpoints) handle(w http.ResponseWriter, r *http.Request) bool {
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/installation"):
		json.NewEncoder(w).Encode(map[string]any{"id": 99})
		return true
	case r.Method == http.MethodPost && r.URL.Path == "/app/installations/99/access_tokens":
		atomic.AddInt64(&te.exchanges, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"token":      "itok",
			"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
		return true
	}
	return false
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *tokenEndpoints) {
	t.Helper()
	te := &tokenEndpoints{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if te.handle(w, r) {
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := New("12345", testKeyPEM(t), WithBaseURL(srv.URL))
	require.NoError(t, err)
	return c, te
}

func TestNewValidation(t *testing.T) {
	_, err := New("", testKeyPEM(t))
	assert.Error(t, err)

	_, err = New("12345", []byte("not a key"))
	assert.Error(t, err)
}

func TestPostComment(t *testing.T) {
	var gotAuth, gotBody string
	c, te := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/owner/repo/issues/7/comments", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		gotBody = payload["body"]
		json.NewEncoder(w).Encode(map[string]any{"id": 1234})
	})

	id, err := c.PostComment(context.Background(), "owner/repo", 7, "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), id)
	assert.Equal(t, "Bearer itok", gotAuth)
	assert.Equal(t, "hello", gotBody)
	assert.Equal(t, int64(1), atomic.LoadInt64(&te.exchanges))
}

func TestInstallationTokenCached(t *testing.T) {
	c, te := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": 1})
	})

	for i := 0; i < 3; i++ {
		_, err := c.PostComment(context.Background(), "owner/repo", 7, "hi")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&te.exchanges))
}

func TestServerErrorsAreRetried(t *testing.T) {
	var attempts int64
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&attempts, 1) < 3 {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": 1})
	})

	_, err := c.PostComment(context.Background(), "owner/repo", 7, "hi")
	require.NoError(t, err)
	assert.Equal(t, int64(3), atomic.LoadInt64(&attempts))
}

func TestClientErrorsAreTerminal(t *testing.T) {
	var attempts int64
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&attempts, 1)
		http.Error(w, `{"message": "Validation Failed"}`, http.StatusUnprocessableEntity)
	})

	_, err := c.PostComment(context.Background(), "owner/repo", 7, "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, forge.ErrRemote)
	assert.Contains(t, err.Error(), "422")
	assert.Equal(t, int64(1), atomic.LoadInt64(&attempts))
}

func TestRemoveLabelToleratesMissing(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	assert.NoError(t, c.RemoveLabel(context.Background(), "owner/repo", 7, "agent:planning"))
}

func TestSetAgentLabelReplacesAgentLabels(t *testing.T) {
	var removed []string
	var added []string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode([]map[string]string{
				{"name": "agent:planning"},
				{"name": "bug"},
				{"name": "agent:pm"},
			})
		case r.Method == http.MethodDelete:
			parts := strings.Split(r.URL.Path, "/")
			removed = append(removed, parts[len(parts)-1])
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost:
			var payload map[string][]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			added = append(added, payload["labels"]...)
			w.WriteHeader(http.StatusOK)
		}
	})

	err := c.SetAgentLabel(context.Background(), "owner/repo", 7, "agent:executing")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"agent:planning", "agent:pm"}, removed)
	assert.Equal(t, []string{"agent:executing"}, added)
}

func TestGetFileContent(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/owner/repo/contents/docs/plan.md", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{
			"content": base64.StdEncoding.EncodeToString([]byte("# Plan\n")),
			"sha":     "blobsha",
		})
	})

	content, sha, err := c.GetFileContent(context.Background(), "owner/repo", "docs/plan.md")
	require.NoError(t, err)
	assert.Equal(t, []byte("# Plan\n"), content)
	assert.Equal(t, "blobsha", sha)
}

func TestPutFileContent(t *testing.T) {
	var payload map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusCreated)
	})

	err := c.PutFileContent(context.Background(), "owner/repo", "docs/plan.md",
		"agent/7-x", "update plan", []byte("content"), "oldsha")
	require.NoError(t, err)
	assert.Equal(t, "agent/7-x", payload["branch"])
	assert.Equal(t, "oldsha", payload["sha"])
	decoded, err := base64.StdEncoding.DecodeString(payload["content"].(string))
	require.NoError(t, err)
	assert.Equal(t, []byte("content"), decoded)
}

func TestBranchAndPullRequestFlow(t *testing.T) {
	var createdRef map[string]string
	var prPayload map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/repos/owner/repo" && r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]string{"default_branch": "main"})
		case strings.HasPrefix(r.URL.Path, "/repos/owner/repo/git/ref/heads/"):
			json.NewEncoder(w).Encode(map[string]any{"object": map[string]string{"sha": "abc123"}})
		case r.URL.Path == "/repos/owner/repo/git/refs":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&createdRef))
			w.WriteHeader(http.StatusCreated)
		case r.URL.Path == "/repos/owner/repo/pulls":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&prPayload))
			json.NewEncoder(w).Encode(map[string]any{"number": 55})
		default:
			http.Error(w, "unexpected "+r.URL.Path, http.StatusTeapot)
		}
	})
	ctx := context.Background()

	base, err := c.GetDefaultBranch(ctx, "owner/repo")
	require.NoError(t, err)
	assert.Equal(t, "main", base)

	sha, err := c.GetBranchSHA(ctx, "owner/repo", base)
	require.NoError(t, err)
	assert.Equal(t, "abc123", sha)

	require.NoError(t, c.CreateBranch(ctx, "owner/repo", "agent/7-fix", sha))
	assert.Equal(t, "refs/heads/agent/7-fix", createdRef["ref"])
	assert.Equal(t, "abc123", createdRef["sha"])

	number, err := c.CreatePullRequest(ctx, "owner/repo", forge.PullRequest{
		Title: "Fix", Body: "Closes #7", Head: "agent/7-fix", Base: base,
	})
	require.NoError(t, err)
	assert.Equal(t, 55, number)
	assert.Equal(t, "agent/7-fix", prPayload["head"])
}

func TestCreateCheckRun(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/owner/repo/check-runs", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"id": 77})
	})
	id, err := c.CreateCheckRun(context.Background(), "owner/repo", "agent-tests", "abc123", "queued")
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)
}

func TestAppJWTClaims(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	now := time.Now()

	signed, err := appJWT("12345", key, now)
	require.NoError(t, err)

	// Three dot-separated segments, issuer claim carried in the middle one.
	parts := strings.Split(signed, ".")
	require.Len(t, parts, 3)
	claims, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	assert.Contains(t, string(claims), `"iss":"12345"`)
}

func TestEscapePath(t *testing.T) {
	assert.Equal(t, "docs/a%20b.md", escapePath("docs/a b.md"))
	assert.Equal(t, "plain.go", escapePath("plain.go"))
}

func TestNetworkErrorWrapsRemote(t *testing.T) {
	c, err := New("12345", testKeyPEM(t),
		WithBaseURL("http://127.0.0.1:1"),
		WithHTTPClient(&http.Client{Timeout: 200 * time.Millisecond}))
	require.NoError(t, err)

	_, err = c.PostComment(context.Background(), "owner/repo", 7, "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, forge.ErrRemote)
}
