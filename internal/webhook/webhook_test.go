package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // matching the scheme webhook senders sign with
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foundriesio/jobserv/internal/store"
)

func sign(t *testing.T, body []byte, key string) string {
	t.Helper()
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestResolveMatchesTriggerBySignatureAndExtractsFields(t *testing.T) {
	body := []byte(`{"action":"opened","number":42,"pull_request":{"head":{"ref":"feature-x","sha":"abc123"}},"repository":{"full_name":"org/repo"}}`)
	sig := sign(t, body, "gh-secret")

	triggers := []*store.ProjectTrigger{
		{ID: 1, Type: "gitlab_mr", WebhookKey: "gl-secret"},
		{ID: 2, Type: "github_pr", WebhookKey: "gh-secret"},
	}

	resolved, err := Resolve(context.Background(), KindGitHub, triggers, body, sig)
	require.NoError(t, err)
	require.Equal(t, int64(2), resolved.Trigger.ID)
	require.Equal(t, "42", resolved.Params["pr_number"])
	require.Equal(t, "feature-x", resolved.Params["branch"])
	require.Equal(t, "abc123", resolved.Params["ref"])
	require.Equal(t, "opened", resolved.Params["action"])
	require.Equal(t, "org/repo", resolved.Params["repo"])
}

func TestResolveRejectsWhenNoTriggerValidatesSignature(t *testing.T) {
	body := []byte(`{"action":"opened"}`)
	sig := sign(t, body, "wrong-secret")

	triggers := []*store.ProjectTrigger{
		{ID: 1, Type: "github_pr", WebhookKey: "gh-secret"},
	}

	_, err := Resolve(context.Background(), KindGitHub, triggers, body, sig)
	require.Error(t, err)
}

func TestResolveSkipsTriggersOfOtherKind(t *testing.T) {
	body := []byte(`{"object_attributes":{"iid":7,"source_branch":"dev","action":"open","last_commit":{"id":"z9"}},"project":{"path_with_namespace":"org/repo"}}`)
	sig := sign(t, body, "gl-secret")

	triggers := []*store.ProjectTrigger{
		{ID: 1, Type: "github_pr", WebhookKey: "gl-secret"},
		{ID: 2, Type: "gitlab_mr", WebhookKey: "gl-secret"},
	}

	resolved, err := Resolve(context.Background(), KindGitLab, triggers, body, sig)
	require.NoError(t, err)
	require.Equal(t, int64(2), resolved.Trigger.ID)
	require.Equal(t, "7", resolved.Params["pr_number"])
	require.Equal(t, "dev", resolved.Params["branch"])
}

func TestReadBodyRejectsOversizedPayload(t *testing.T) {
	oversized := bytes.Repeat([]byte("a"), maxBodyBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/github/proj1/", bytes.NewReader(oversized))

	_, err := ReadBody(req)
	require.Error(t, err)
}

func TestReadBodyAcceptsWithinLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/github/proj1/", bytes.NewReader([]byte(`{"ok":true}`)))
	data, err := ReadBody(req)
	require.NoError(t, err)
	require.Equal(t, `{"ok":true}`, string(data))
}

func TestNoopReporterIsNoop(t *testing.T) {
	require.NoError(t, NoopReporter{}.ReportStatus(context.Background(), "org/repo", "sha", "success", "desc", "https://example/x"))
}
