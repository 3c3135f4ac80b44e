package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/armon/go-metrics"

	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

const (
	maxValueSize           = 1 << 20
	defaultStepdownTimeout = 5 * time.Second
)

// Handlers serves the API endpoints.
type Handlers struct {
	backend        Backend
	sink           *metrics.InmemSink
	requestTimeout time.Duration
}

// NewHandlers creates handlers for backend. sink may be nil.
func NewHandlers(backend Backend, sink *metrics.InmemSink, requestTimeout time.Duration) *Handlers {
	return &Handlers{backend: backend, sink: sink, requestTimeout: requestTimeout}
}

func (h *Handlers) context(r *http.Request) (context.Context, context.CancelFunc) {
	if h.requestTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.requestTimeout)
}

// HandleStatus handles GET /v1/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st := h.backend.Status()
	resp := StatusResponse{
		ID:            st.ID.String(),
		Role:          st.Role.String(),
		Term:          uint64(st.Term),
		CommitIndex:   uint64(st.CommitIndex),
		AppliedIndex:  uint64(st.AppliedIndex),
		SnapshotIndex: uint64(st.SnapshotIndex),
		LogLength:     st.LogLength,
		StateID:       h.backend.StateID().String(),
		Joint:         st.Configuration.IsJoint(),
		Members:       members(st.Configuration),
	}
	if !st.Leader.IsZero() {
		resp.Leader = st.Leader.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func members(cfg raft.Configuration) []Member {
	all := cfg.Members()
	out := make([]Member, 0, len(all))
	for id, a := range all {
		out = append(out, Member{ID: id.String(), Address: string(a.Info), CanVote: cfg.CanVote(id)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HandleGet handles GET /v1/kv/{key}.
func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	key := Param(r, "key")
	value, ok, err := h.backend.Get(ctx, key)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "key_not_found", "key not found")
		return
	}
	writeJSON(w, http.StatusOK, KV{Key: key, Value: string(value)})
}

// HandleList handles GET /v1/kv?prefix=.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	kvs, err := h.backend.List(ctx, r.URL.Query().Get("prefix"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	resp := ListResponse{Items: make([]KV, 0, len(kvs)), Count: len(kvs)}
	for _, kv := range kvs {
		resp.Items = append(resp.Items, KV{Key: kv.Key, Value: string(kv.Value)})
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandlePut handles PUT /v1/kv/{key}. The body is the value.
func (h *Handlers) HandlePut(w http.ResponseWriter, r *http.Request) {
	value, err := io.ReadAll(io.LimitReader(r.Body, maxValueSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if len(value) > maxValueSize {
		writeError(w, http.StatusRequestEntityTooLarge, "value_too_large", "value exceeds 1MiB")
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()
	key := Param(r, "key")
	if err := h.backend.Put(ctx, key, value); err != nil {
		writeFailure(w, err)
		return
	}
	RequestLogger(r).Info("key stored", "key", key, "size", len(value))
	writeJSON(w, http.StatusOK, KV{Key: key, Value: string(value)})
}

// HandleDelete handles DELETE /v1/kv/{key}.
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()

	key := Param(r, "key")
	if err := h.backend.Delete(ctx, key); err != nil {
		writeFailure(w, err)
		return
	}
	RequestLogger(r).Info("key deleted", "key", key)
	w.WriteHeader(http.StatusNoContent)
}

// HandleAddMember handles POST /v1/members.
func (h *Handlers) HandleAddMember(w http.ResponseWriter, r *http.Request) {
	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	id, err := raft.ParseServerID(req.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "member id must be a UUID")
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, "invalid_address", "member address is required")
		return
	}
	canVote := req.CanVote == nil || *req.CanVote

	ctx, cancel := h.context(r)
	defer cancel()
	addr := raft.ServerAddress{ID: id, CanVote: canVote, Info: []byte(req.Address)}
	if err := h.backend.ModifyConfig(ctx, []raft.ServerAddress{addr}, nil); err != nil {
		writeFailure(w, err)
		return
	}
	RequestLogger(r).Info("member added", "serverId", id.String(), "address", req.Address, "canVote", canVote)
	writeJSON(w, http.StatusOK, Member{ID: id.String(), Address: req.Address, CanVote: canVote})
}

// HandleRemoveMember handles DELETE /v1/members/{id}.
func (h *Handlers) HandleRemoveMember(w http.ResponseWriter, r *http.Request) {
	id, err := raft.ParseServerID(Param(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "member id must be a UUID")
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()
	if err := h.backend.ModifyConfig(ctx, nil, []raft.ServerID{id}); err != nil {
		writeFailure(w, err)
		return
	}
	RequestLogger(r).Info("member removed", "serverId", id.String())
	w.WriteHeader(http.StatusNoContent)
}

// HandleStepdown handles POST /v1/stepdown?timeout=.
func (h *Handlers) HandleStepdown(w http.ResponseWriter, r *http.Request) {
	timeout := defaultStepdownTimeout
	if s := r.URL.Query().Get("timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_timeout", "timeout must be a positive duration")
			return
		}
		timeout = d
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout+time.Second)
	defer cancel()
	if err := h.backend.Stepdown(ctx, timeout); err != nil {
		writeFailure(w, err)
		return
	}
	RequestLogger(r).Info("leadership transferred")
	w.WriteHeader(http.StatusNoContent)
}

// HandleMetrics handles GET /v1/metrics.
func (h *Handlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.sink == nil {
		writeError(w, http.StatusNotFound, "metrics_disabled", "metrics are disabled")
		return
	}
	summary, err := h.sink.DisplayMetrics(w, r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
