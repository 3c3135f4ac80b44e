package api

// StatusResponse describes the local member of group0.
type StatusResponse struct {
	ID            string   `json:"id"`
	Role          string   `json:"role"`
	Term          uint64   `json:"term"`
	Leader        string   `json:"leader,omitempty"`
	CommitIndex   uint64   `json:"commitIndex"`
	AppliedIndex  uint64   `json:"appliedIndex"`
	SnapshotIndex uint64   `json:"snapshotIndex"`
	LogLength     int      `json:"logLength"`
	StateID       string   `json:"stateId"`
	Joint         bool     `json:"joint"`
	Members       []Member `json:"members"`
}

// Member is one member of the group0 configuration.
type Member struct {
	ID      string `json:"id"`
	Address string `json:"address,omitempty"`
	CanVote bool   `json:"canVote"`
}

// KV is one key of the store.
type KV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ListResponse is the answer to a key listing.
type ListResponse struct {
	Items []KV `json:"items"`
	Count int  `json:"count"`
}

// AddMemberRequest adds a server to group0.
type AddMemberRequest struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	// CanVote defaults to true.
	CanVote *bool `json:"canVote,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Leader  string `json:"leader,omitempty"`
}
