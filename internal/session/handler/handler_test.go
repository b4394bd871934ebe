package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/crawl"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/enforcement"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/progress"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/session"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/source"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/tracker"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/transform"
	apperrors "github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/errors"
)

type casesAdapter struct{}

func (casesAdapter) Kind() tracker.SyncKind { return tracker.SyncHSECases }
func (casesAdapter) Fetch(context.Context, int) ([]transform.Raw, error) {
	return nil, nil
}
func (casesAdapter) Transform(transform.Raw) (*enforcement.Record, error) {
	return nil, apperrors.ErrParse
}
func (casesAdapter) TargetKey(*enforcement.Record) string { return "" }

// idleRunner returns at once, leaving the session as it found it.
type idleRunner struct{}

func (idleRunner) Run(_ context.Context, id string, _ source.Adapter) (*crawl.Report, error) {
	return &crawl.Report{SessionID: id}, nil
}

type snapshots map[string]progress.Event

func (s snapshots) Snapshot(_ context.Context, id string) (*progress.Event, error) {
	e, ok := s[id]
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotFound, http.StatusNotFound, "no progress recorded")
	}
	return &e, nil
}

func newTestServer(t *testing.T, reader ProgressReader) (*httptest.Server, *session.Manager) {
	t.Helper()
	m := session.NewManager(tracker.New(tracker.NewMemoryStore()), idleRunner{}, []source.Adapter{casesAdapter{}}, nil, time.Minute)
	mux := http.NewServeMux()
	New(m, reader).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		m.Wait()
	})
	return srv, m
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestStartAndGetSession(t *testing.T) {
	srv, m := newTestServer(t, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/sessions", `{"sync_kind":"hse_cases","initiated_by":"ops"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := body["session_id"].(string)
	require.NotEmpty(t, id)
	m.Wait()

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/sessions/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["id"])
	assert.Equal(t, "ops", body["initiated_by"])
	assert.Equal(t, "pending", body["status"])
	assert.Contains(t, body, "success_rate")
	assert.Contains(t, body, "completion_percent")

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/sessions?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["sessions"], 1)
}

func TestStartSessionErrors(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/sessions", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid JSON body", body["error"])

	resp, body = do(t, http.MethodPost, srv.URL+"/api/v1/sessions", `{"sync_kind":"ea_cases"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "ea_cases")

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/sessions/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelAndLogs(t *testing.T) {
	srv, m := newTestServer(t, nil)

	_, body := do(t, http.MethodPost, srv.URL+"/api/v1/sessions", `{"sync_kind":"hse_cases"}`)
	id := body["session_id"].(string)
	m.Wait()

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+id+"/cancel", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+id+"/resume", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/sessions/"+id+"/logs?limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	logs := body["logs"].([]any)
	require.NotEmpty(t, logs)
	last := logs[len(logs)-1].(map[string]any)
	assert.Equal(t, "session_cancelled", last["event_type"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/sessions/"+id+"/logs?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/sessions/"+id+"/batches", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "batches")
}

func TestProgressEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, _ := do(t, http.MethodGet, srv.URL+"/api/v1/sessions/abc/progress", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	srv, _ = newTestServer(t, snapshots{"abc": {SessionID: "abc", Page: 4, Status: tracker.StatusRunning}})
	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/sessions/abc/progress", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4.0, body["page"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/sessions/other/progress", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
