package dashboard

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/powermaster/internal/control"
	"github.com/ryansname/powermaster/internal/events"
	"github.com/ryansname/powermaster/internal/plan"
	"github.com/ryansname/powermaster/internal/resilience"
	"github.com/ryansname/powermaster/internal/storage"
)

func newTestServer(t *testing.T) (*Server, chan Intent) {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	intents := make(chan Intent, 4)
	tracker := resilience.NewTracker(resilience.DefaultConfig())
	tracker.Configure("inverter")
	tracker.RecordSuccess("inverter", time.Now())

	deps := Deps{
		Repos:      storage.NewRepositories(db),
		Bus:        events.NewBus(),
		Resilience: tracker,
		Sources:    []string{"inverter"},
		PlanCache:  plan.NewCache(),
		Override:   func() *control.Override { return nil },
		Intents:    intents,
	}
	return New("127.0.0.1:0", deps, zerolog.Nop(), true), intents
}

func doRequest(s *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleTelemetryHistory_EmptyDBReturnsEmptyArray(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/api/telemetry/history?hours=24", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestHandlePlanActive_NoActivePlanReturnsStatus(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/api/plan/active", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "no_active_plan", resp["status"])
}

func TestHandleGetMode_NoOverrideReportsInactive(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/api/mode", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["override_active"])
}

func TestHandlePostMode_ValidRequestEnqueuesIntent(t *testing.T) {
	s, intents := newTestServer(t)
	body := []byte(`{"mode":"FORCE_CHARGE","power_w":3000,"timeout_s":1800}`)
	rec := doRequest(s, http.MethodPost, "/api/mode", body)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case in := <-intents:
		assert.Equal(t, 3000.0, in.Override.PowerW)
		assert.WithinDuration(t, time.Now().Add(1800*time.Second), in.Override.ExpiresAt, 5*time.Second)
	default:
		t.Fatal("expected an intent to be enqueued")
	}
}

func TestHandlePostMode_UnknownModeRejected(t *testing.T) {
	s, _ := newTestServer(t)
	body := []byte(`{"mode":"BOGUS","power_w":1000,"timeout_s":60}`)
	rec := doRequest(s, http.MethodPost, "/api/mode", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePostMode_ClearEnqueuesClearIntent(t *testing.T) {
	s, intents := newTestServer(t)
	body := []byte(`{"mode":"CLEAR"}`)
	rec := doRequest(s, http.MethodPost, "/api/mode", body)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case in := <-intents:
		assert.True(t, in.Clear)
	default:
		t.Fatal("expected a clear intent to be enqueued")
	}
}

func TestHandleAccountingSummary_EmptyDBReturnsZeroCycle(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/api/accounting/summary", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "current_cycle")
}

func TestHandleProvidersStatus_ReportsConfiguredSource(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/api/providers/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "inverter")
}

func TestHandleEvents_StreamsPublishedSnapshot(t *testing.T) {
	s, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.router.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	s.deps.Bus.Publish(events.Snapshot{"soc": 0.42})

	<-done
	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	found := false
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "0.42") {
			found = true
		}
	}
	assert.True(t, found, "expected the published snapshot to appear in the SSE stream")
}
