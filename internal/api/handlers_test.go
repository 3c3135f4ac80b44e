package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/armon/go-metrics"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KilimcininKorOglu/metaraft/internal/group0"
	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

type fakeBackend struct {
	mu       sync.Mutex
	status   raft.Status
	data     map[string][]byte
	added    []raft.ServerAddress
	removed  []raft.ServerID
	stepdown time.Duration
	err      error
}

func newFakeBackend() *fakeBackend {
	id := raft.NewServerID()
	return &fakeBackend{
		status: raft.Status{
			ID:            id,
			Role:          raft.RoleLeader,
			Term:          3,
			Leader:        id,
			CommitIndex:   7,
			AppliedIndex:  7,
			Configuration: raft.NewConfiguration(raft.NewServerAddressSet(raft.ServerAddress{ID: id, CanVote: true, Info: []byte("127.0.0.1:7000")})),
		},
		data: make(map[string][]byte),
	}
}

func (b *fakeBackend) Status() raft.Status     { return b.status }
func (b *fakeBackend) StateID() group0.StateID { return group0.InitialStateID }

func (b *fakeBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, false, b.err
	}
	v, ok := b.data[key]
	return v, ok, nil
}

func (b *fakeBackend) List(_ context.Context, prefix string) ([]group0.KV, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	var out []group0.KV
	for k, v := range b.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, group0.KV{Key: k, Value: v})
		}
	}
	return out, nil
}

func (b *fakeBackend) Put(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	if key == "" {
		return group0.ErrEmptyKey
	}
	b.data[key] = value
	return nil
}

func (b *fakeBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	delete(b.data, key)
	return nil
}

func (b *fakeBackend) ModifyConfig(_ context.Context, add []raft.ServerAddress, del []raft.ServerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.added = append(b.added, add...)
	b.removed = append(b.removed, del...)
	return nil
}

func (b *fakeBackend) Stepdown(_ context.Context, timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stepdown = timeout
	return b.err
}

func newTestServer(t *testing.T, b Backend, sink *metrics.InmemSink) *httptest.Server {
	t.Helper()
	s := NewServer(DefaultServerConfig(), b, sink, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHandlers_Status(t *testing.T) {
	b := newFakeBackend()
	ts := newTestServer(t, b, nil)

	resp := do(t, http.MethodGet, ts.URL+"/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	st := decode[StatusResponse](t, resp)
	assert.Equal(t, b.status.ID.String(), st.ID)
	assert.Equal(t, "leader", st.Role)
	assert.Equal(t, uint64(3), st.Term)
	assert.Equal(t, group0.InitialStateID.String(), st.StateID)
	require.Len(t, st.Members, 1)
	assert.Equal(t, "127.0.0.1:7000", st.Members[0].Address)
	assert.True(t, st.Members[0].CanVote)
}

func TestHandlers_RequestIDIsEchoed(t *testing.T) {
	ts := newTestServer(t, newFakeBackend(), nil)
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/status", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-42", resp.Header.Get(RequestIDHeader))
}

func TestHandlers_KV(t *testing.T) {
	b := newFakeBackend()
	ts := newTestServer(t, b, nil)

	resp := do(t, http.MethodPut, ts.URL+"/v1/kv/nodes/a", []byte("10.0.0.1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte("10.0.0.1"), b.data["nodes/a"])

	resp = do(t, http.MethodGet, ts.URL+"/v1/kv/nodes/a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, KV{Key: "nodes/a", Value: "10.0.0.1"}, decode[KV](t, resp))

	do(t, http.MethodPut, ts.URL+"/v1/kv/other", []byte("x"))
	resp = do(t, http.MethodGet, ts.URL+"/v1/kv?prefix=nodes/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[ListResponse](t, resp)
	assert.Equal(t, 1, list.Count)

	resp = do(t, http.MethodDelete, ts.URL+"/v1/kv/nodes/a", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/v1/kv/nodes/a", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "key_not_found", decode[ErrorResponse](t, resp).Error)
}

func TestHandlers_ValueTooLarge(t *testing.T) {
	ts := newTestServer(t, newFakeBackend(), nil)
	resp := do(t, http.MethodPut, ts.URL+"/v1/kv/big", make([]byte, maxValueSize+1))
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestHandlers_Members(t *testing.T) {
	b := newFakeBackend()
	ts := newTestServer(t, b, nil)
	id := uuid.New().String()

	body, _ := json.Marshal(AddMemberRequest{ID: id, Address: "10.0.0.9:7000"})
	resp := do(t, http.MethodPost, ts.URL+"/v1/members", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, b.added, 1)
	assert.Equal(t, id, b.added[0].ID.String())
	assert.True(t, b.added[0].CanVote)
	assert.Equal(t, []byte("10.0.0.9:7000"), b.added[0].Info)

	no := false
	body, _ = json.Marshal(AddMemberRequest{ID: id, Address: "10.0.0.9:7000", CanVote: &no})
	do(t, http.MethodPost, ts.URL+"/v1/members", body)
	require.Len(t, b.added, 2)
	assert.False(t, b.added[1].CanVote)

	resp = do(t, http.MethodDelete, ts.URL+"/v1/members/"+id, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Len(t, b.removed, 1)

	for _, bad := range []string{`{"id":"x","address":"a:1"}`, `{"id":"` + id + `"}`, `not json`} {
		resp = do(t, http.MethodPost, ts.URL+"/v1/members", []byte(bad))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
	}
	resp = do(t, http.MethodDelete, ts.URL+"/v1/members/nope", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlers_Stepdown(t *testing.T) {
	b := newFakeBackend()
	ts := newTestServer(t, b, nil)

	resp := do(t, http.MethodPost, ts.URL+"/v1/stepdown?timeout=2s", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 2*time.Second, b.stepdown)

	resp = do(t, http.MethodPost, ts.URL+"/v1/stepdown", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, defaultStepdownTimeout, b.stepdown)

	resp = do(t, http.MethodPost, ts.URL+"/v1/stepdown?timeout=-1s", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	b.err = raft.ErrNoOtherVotingMember
	resp = do(t, http.MethodPost, ts.URL+"/v1/stepdown", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandlers_ErrorMapping(t *testing.T) {
	leader := raft.NewServerID()
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&raft.NotLeaderError{Leader: leader}, http.StatusServiceUnavailable, "not_leader"},
		{&raft.NotLeaderError{}, http.StatusServiceUnavailable, "not_leader"},
		{raft.ErrTimeout, http.StatusGatewayTimeout, "timeout"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{raft.ErrStopped, http.StatusServiceUnavailable, "stopped"},
		{raft.ErrConfChangeInProgress, http.StatusConflict, "conf_change_in_progress"},
		{group0.ErrConflict, http.StatusConflict, "conflict"},
		{group0.ErrKeyTooLong, http.StatusBadRequest, "invalid_key"},
		{raft.ErrLogCorrupted, http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		b := newFakeBackend()
		b.err = tt.err
		ts := newTestServer(t, b, nil)

		resp := do(t, http.MethodGet, ts.URL+"/v1/kv/k", nil)
		require.Equal(t, tt.status, resp.StatusCode, tt.err.Error())
		er := decode[ErrorResponse](t, resp)
		assert.Equal(t, tt.code, er.Error)

		var nl *raft.NotLeaderError
		if e, ok := tt.err.(*raft.NotLeaderError); ok && !e.Leader.IsZero() {
			nl = e
		}
		if nl != nil {
			assert.Equal(t, leader.String(), resp.Header.Get(LeaderHeader))
			assert.Equal(t, leader.String(), er.Leader)
		} else {
			assert.Empty(t, resp.Header.Get(LeaderHeader))
		}
	}
}

func TestHandlers_Metrics(t *testing.T) {
	ts := newTestServer(t, newFakeBackend(), nil)
	resp := do(t, http.MethodGet, ts.URL+"/v1/metrics", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	sink := metrics.NewInmemSink(time.Second, time.Minute)
	sink.IncrCounter([]string{"test", "counter"}, 1)
	ts = newTestServer(t, newFakeBackend(), sink)
	resp = do(t, http.MethodGet, ts.URL+"/v1/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summary metrics.MetricsSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	require.NotEmpty(t, summary.Counters)
	assert.Equal(t, "test.counter", summary.Counters[0].Name)
}

func TestRecoveryMiddleware(t *testing.T) {
	r := NewRouter()
	r.Use(RequestIDMiddleware(nopLogger()))
	r.Use(RecoveryMiddleware())
	r.GET("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
