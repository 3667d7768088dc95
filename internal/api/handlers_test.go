package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstate/collector/internal/round"
	"github.com/mstate/collector/internal/storage"
)

type fakeLive struct {
	summary     storage.Summary
	lastFilter  storage.Filter
	snapshot    storage.Snapshot
}

func (f *fakeLive) BuildSummary(now time.Time, lastRound map[string]string) storage.Summary {
	return f.summary
}

func (f *fakeLive) BuildSnapshot(filter storage.Filter) storage.Snapshot {
	f.lastFilter = filter
	return f.snapshot
}

type fakeForcer struct {
	requests []round.Request
}

func (f *fakeForcer) Force(req round.Request) {
	f.requests = append(f.requests, req)
}

func TestHandlers_Summary(t *testing.T) {
	live := &fakeLive{summary: storage.Summary{}}
	h := NewHandlers(live, &fakeForcer{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/summary", nil)
	rec := httptest.NewRecorder()
	h.Summary(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestHandlers_ForceUpdate(t *testing.T) {
	forcer := &fakeForcer{}
	h := NewHandlers(&fakeLive{}, forcer, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/force_update", nil)
	rec := httptest.NewRecorder()
	h.ForceUpdate(rec, req)

	require.Len(t, forcer.requests, 1)
	assert.Equal(t, round.KindForcedFull, forcer.requests[0].Kind)
	assert.Contains(t, rec.Body.String(), "Update completed in")
}

func TestHandlers_GetSnapshot_DecodesFilter(t *testing.T) {
	live := &fakeLive{}
	h := NewHandlers(live, &fakeForcer{}, nil, nil)

	body := `{"filter": {"nodes": ["n1", "n2"]}, "item_types": ["group"]}`
	req := httptest.NewRequest(http.MethodPost, "/get_snapshot", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.GetSnapshot(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"n1", "n2"}, live.lastFilter.Explicit[storage.AxisNode])
	assert.True(t, live.lastFilter.ItemTypes[storage.AxisGroup])
}

func TestHandlers_GetSnapshot_EmptyBody(t *testing.T) {
	live := &fakeLive{}
	h := NewHandlers(live, &fakeForcer{}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/get_snapshot", nil)
	rec := httptest.NewRecorder()
	h.GetSnapshot(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlers_GetSnapshot_MalformedJSON(t *testing.T) {
	live := &fakeLive{}
	h := NewHandlers(live, &fakeForcer{}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/get_snapshot", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.GetSnapshot(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_Refresh_ForcesPartialScopedToNodes(t *testing.T) {
	forcer := &fakeForcer{}
	h := NewHandlers(&fakeLive{}, forcer, nil, nil)

	body := `{"filter": {"nodes": ["n1"]}}`
	req := httptest.NewRequest(http.MethodPost, "/refresh", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Refresh(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, forcer.requests, 1)
	assert.Equal(t, round.KindForcedPartial, forcer.requests[0].Kind)
	assert.Equal(t, []string{"n1"}, forcer.requests[0].Nodes)
}

func TestHandlers_BackendInfo_SetsBackendItemType(t *testing.T) {
	live := &fakeLive{}
	h := NewHandlers(live, &fakeForcer{}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/backend_info", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.BackendInfo(rec, req)

	assert.True(t, live.lastFilter.ItemTypes[storage.AxisBackend])
}

func TestHandlers_ListNamespaces(t *testing.T) {
	live := &fakeLive{}
	h := NewHandlers(live, &fakeForcer{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/list_namespaces", nil)
	rec := httptest.NewRecorder()
	h.ListNamespaces(rec, req)

	assert.True(t, live.lastFilter.ItemTypes[storage.AxisNamespace])
}

func TestHandlers_Healthz(t *testing.T) {
	h := NewHandlers(&fakeLive{}, &fakeForcer{}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
