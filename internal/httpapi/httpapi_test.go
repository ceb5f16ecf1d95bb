package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foundriesio/jobserv/internal/auth"
	"github.com/foundriesio/jobserv/internal/blobstore"
	"github.com/foundriesio/jobserv/internal/config"
	"github.com/foundriesio/jobserv/internal/dispatcher"
	joblog "github.com/foundriesio/jobserv/internal/log"
	"github.com/foundriesio/jobserv/internal/runstate"
	"github.com/foundriesio/jobserv/internal/secretbox"
	"github.com/foundriesio/jobserv/internal/store"
	"github.com/foundriesio/jobserv/internal/store/sqlite"
	"github.com/foundriesio/jobserv/internal/trigger"
)

const testInternalKey = "internal-sekret"

func newTestServer(t *testing.T) (*httptest.Server, *sqlite.Backend) {
	t.Helper()
	ctx := context.Background()
	b, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	blobs, err := blobstore.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	box, err := secretbox.New(make([]byte, secretbox.KeySize))
	require.NoError(t, err)

	d := dispatcher.New(b, blobs, 0)
	p := trigger.New(b, blobs, box)
	runst := runstate.New(b, nil)
	cfg := &config.Config{InternalAPIKey: testInternalKey}
	logger := joblog.New(joblog.Config{})

	router := New(b, blobs, d, p, runst, nil, cfg, logger)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, b
}

// signedRequest builds an internally-signed request the way a trusted
// caller would (spec.md §4.7): X-Time/X-JobServ-Sig computed over
// method + timestamp + scheme://host/path, query string excluded.
func signedRequest(t *testing.T, method, rawURL string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, rawURL, bytes.NewReader(body))
	require.NoError(t, err)

	baseURL := fmt.Sprintf("%s://%s%s", req.URL.Scheme, req.URL.Host, req.URL.Path)
	ts := auth.Now()
	req.Header.Set("X-Time", ts)
	req.Header.Set("X-JobServ-Sig", auth.SignInternal(testInternalKey, method, ts, baseURL))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeEnvelope(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

const simpleProjDef = `
triggers:
  - name: push
    type: simple
    runs:
      - name: build
        host-tag: linux
        container: alpine
`

// TestTriggerBuildThenWorkerDispatchFlow exercises the router end to
// end: a signed build trigger queues a run, then a worker's check-in
// claims it and receives the matching RunDef.
func TestTriggerBuildThenWorkerDispatchFlow(t *testing.T) {
	srv, b := newTestServer(t)
	ctx := context.Background()

	proj := &store.Project{Name: "proj1"}
	require.NoError(t, b.CreateProject(ctx, proj))

	body, err := json.Marshal(triggerBuildRequest{
		TriggerName:       "push",
		ProjectDefinition: simpleProjDef,
		Reason:            "manual",
	})
	require.NoError(t, err)

	req := signedRequest(t, http.MethodPost, srv.URL+"/projects/proj1/builds/", body)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeEnvelope(t, resp)
	require.Equal(t, "success", created["status"])
	buildID := int64(created["data"].(map[string]interface{})["build_id"].(float64))

	build, err := b.GetBuild(ctx, proj.ID, buildID)
	require.NoError(t, err)
	run, err := b.GetRun(ctx, build.ID, "build")
	require.NoError(t, err)
	require.Equal(t, store.StatusQueued, run.Status)

	workerBody, err := json.Marshal(createWorkerRequest{HostTags: []string{"linux"}})
	require.NoError(t, err)
	wresp, err := http.Post(srv.URL+"/workers/worker-1/", "application/json", bytes.NewReader(workerBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, wresp.StatusCode)
	wcreated := decodeEnvelope(t, wresp)
	apiKey := wcreated["data"].(map[string]interface{})["api_key"].(string)
	require.NotEmpty(t, apiKey)

	checkinReq, err := http.NewRequest(http.MethodGet, srv.URL+"/workers/worker-1/?available_runners=1&disk_free=999999999999", nil)
	require.NoError(t, err)
	checkinReq.Header.Set("Authorization", "Token "+apiKey)
	checkinResp, err := http.DefaultClient.Do(checkinReq)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, checkinResp.StatusCode)
	checkedIn := decodeEnvelope(t, checkinResp)
	worker := checkedIn["data"].(map[string]interface{})["worker"].(map[string]interface{})
	runDefs, ok := worker["run-defs"].(map[string]interface{})
	require.True(t, ok, "a matching worker check-in must return a run-def")
	require.Contains(t, runDefs, "build")

	claimed, err := b.GetRun(ctx, build.ID, "build")
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, claimed.Status)
	require.NotNil(t, claimed.WorkerID)
}

// TestTriggerBuildUnsignedRequestRejected confirms the signed middleware
// rejects a build trigger with no X-Time/X-JobServ-Sig headers.
func TestTriggerBuildUnsignedRequestRejected(t *testing.T) {
	srv, b := newTestServer(t)
	ctx := context.Background()
	proj := &store.Project{Name: "proj1"}
	require.NoError(t, b.CreateProject(ctx, proj))

	body, err := json.Marshal(triggerBuildRequest{TriggerName: "push", ProjectDefinition: simpleProjDef})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/projects/proj1/builds/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

// TestRunConsolePostRequiresMatchingAPIKey exercises the run-facing
// console endpoint's api_key check independent of worker auth.
func TestRunConsolePostRequiresMatchingAPIKey(t *testing.T) {
	srv, b := newTestServer(t)
	ctx := context.Background()
	proj := &store.Project{Name: "proj1"}
	require.NoError(t, b.CreateProject(ctx, proj))
	build, err := b.CreateBuild(ctx, proj.ID, "push", "")
	require.NoError(t, err)
	run := &store.Run{BuildID: build.ID, Name: "build", Status: store.StatusRunning, HostTag: "linux", APIKey: "run-key"}
	require.NoError(t, b.CreateRun(ctx, run))

	url := fmt.Sprintf("%s/projects/proj1/builds/%d/runs/build/", srv.URL, build.BuildID)

	bad, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte("hello\n")))
	require.NoError(t, err)
	bad.Header.Set("Authorization", "Token wrong-key")
	badResp, err := http.DefaultClient.Do(bad)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, badResp.StatusCode)
	badResp.Body.Close()

	good, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte("hello\n")))
	require.NoError(t, err)
	good.Header.Set("Authorization", "Token run-key")
	good.Header.Set("X-RUN-STATUS", "PASSED")
	goodResp, err := http.DefaultClient.Do(good)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, goodResp.StatusCode)
	goodResp.Body.Close()

	got, err := b.GetRun(ctx, build.ID, "build")
	require.NoError(t, err)
	require.Equal(t, store.StatusPassed, got.Status)
}
