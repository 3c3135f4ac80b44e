package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/metaraft/internal/api"
)

// apiError is a non-2xx answer of the API.
type apiError struct {
	Status  int
	Code    string
	Message string
	Leader  string
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Leader != "" {
		msg += " (leader " + e.Leader + ")"
	}
	return msg
}

// apiClient talks to the HTTP API of one node.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(address string, timeout time.Duration) *apiClient {
	base := address
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body io.Reader, out interface{}) error {
	u := c.base + (&url.URL{Path: path}).EscapedPath()
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var er api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
			return &apiError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode), Message: "unreadable error body"}
		}
		if er.Leader == "" {
			er.Leader = resp.Header.Get(api.LeaderHeader)
		}
		return &apiError{Status: resp.StatusCode, Code: er.Error, Message: er.Message, Leader: er.Leader}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}

func (c *apiClient) Status(ctx context.Context) (*api.StatusResponse, error) {
	var st api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *apiClient) Get(ctx context.Context, key string) (*api.KV, error) {
	var kv api.KV
	if err := c.do(ctx, http.MethodGet, "/v1/kv/"+key, nil, nil, &kv); err != nil {
		return nil, err
	}
	return &kv, nil
}

func (c *apiClient) List(ctx context.Context, prefix string) (*api.ListResponse, error) {
	var q url.Values
	if prefix != "" {
		q = url.Values{"prefix": {prefix}}
	}
	var list api.ListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/kv", q, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *apiClient) Put(ctx context.Context, key string, value []byte) error {
	return c.do(ctx, http.MethodPut, "/v1/kv/"+key, nil, bytes.NewReader(value), nil)
}

func (c *apiClient) Delete(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, "/v1/kv/"+key, nil, nil, nil)
}

func (c *apiClient) AddMember(ctx context.Context, req api.AddMemberRequest) (*api.Member, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	var m api.Member
	if err := c.do(ctx, http.MethodPost, "/v1/members", nil, bytes.NewReader(body), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *apiClient) RemoveMember(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/members/"+id, nil, nil, nil)
}

func (c *apiClient) Stepdown(ctx context.Context, timeout time.Duration) error {
	var q url.Values
	if timeout > 0 {
		q = url.Values{"timeout": {timeout.String()}}
	}
	return c.do(ctx, http.MethodPost, "/v1/stepdown", q, nil, nil)
}
