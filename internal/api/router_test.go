package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KilimcininKorOglu/metaraft/internal/logging"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, path string
		want          map[string]string
		ok            bool
	}{
		{"/v1/status", "/v1/status", map[string]string{}, true},
		{"/v1/status", "/v1/status/x", nil, false},
		{"/v1/members/{id}", "/v1/members/abc", map[string]string{"id": "abc"}, true},
		{"/v1/members/{id}", "/v1/members/", nil, false},
		{"/v1/kv/{key...}", "/v1/kv/a", map[string]string{"key": "a"}, true},
		{"/v1/kv/{key...}", "/v1/kv/a/b/c", map[string]string{"key": "a/b/c"}, true},
		{"/v1/kv/{key...}", "/v1/kv", nil, false},
		{"/v1/kv/{key...}", "/v1/kv/", nil, false},
		{"/v1/kv", "/v1/kv/a", nil, false},
	}
	for _, tt := range tests {
		got, ok := matchPattern(tt.pattern, tt.path)
		assert.Equal(t, tt.ok, ok, "%s %s", tt.pattern, tt.path)
		if tt.ok {
			assert.Equal(t, tt.want, got, "%s %s", tt.pattern, tt.path)
		}
	}
}

func TestRouter(t *testing.T) {
	r := NewRouter()
	var calls []string
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			calls = append(calls, "mw")
			next.ServeHTTP(w, req)
		})
	})
	r.GET("/things/{id}", func(w http.ResponseWriter, req *http.Request) {
		calls = append(calls, "get "+Param(req, "id"))
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/things/7", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"mw", "get 7"}, calls)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/things/7", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, []string{"mw", "get 7", "mw", "mw"}, calls)
}

func nopLogger() logging.Logger { return logging.NewNop() }
