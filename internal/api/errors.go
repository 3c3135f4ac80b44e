package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/metaraft/internal/group0"
	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

// LeaderHeader carries the id of the leader in not_leader responses.
const LeaderHeader = "X-Raft-Leader"

// mapError maps an error to HTTP status and error code.
func mapError(err error) (int, string) {
	var nl *raft.NotLeaderError
	switch {
	case errors.As(err, &nl):
		return http.StatusServiceUnavailable, "not_leader"
	case errors.Is(err, raft.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, raft.ErrStopped):
		return http.StatusServiceUnavailable, "stopped"
	case errors.Is(err, raft.ErrCommitStatusUnknown):
		return http.StatusServiceUnavailable, "commit_status_unknown"
	case errors.Is(err, raft.ErrConfChangeInProgress):
		return http.StatusConflict, "conf_change_in_progress"
	case errors.Is(err, raft.ErrNoOtherVotingMember):
		return http.StatusConflict, "no_other_voting_member"
	case errors.Is(err, raft.ErrEmptyConfiguration), errors.Is(err, raft.ErrNoVoters):
		return http.StatusBadRequest, "invalid_configuration"
	case errors.Is(err, group0.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, group0.ErrEmptyKey), errors.Is(err, group0.ErrKeyTooLong):
		return http.StatusBadRequest, "invalid_key"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Code: status, Message: message})
}

// writeFailure reports err, adding the leader hint when there is one.
func writeFailure(w http.ResponseWriter, err error) {
	status, code := mapError(err)
	resp := ErrorResponse{Error: code, Code: status, Message: err.Error()}
	var nl *raft.NotLeaderError
	if errors.As(err, &nl) && !nl.Leader.IsZero() {
		resp.Leader = nl.Leader.String()
		w.Header().Set(LeaderHeader, resp.Leader)
	}
	writeJSON(w, status, resp)
}
