package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPClient_Create(t *testing.T) {
	t.Parallel()

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/sandboxes", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		var req createRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "base", req.TemplateID)

		_ = json.NewEncoder(w).Encode(sandboxResponse{ID: "sbx-1", Hostname: "host-1", Running: true})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, WithBearerToken("secret-token"))
	sbx, err := c.Create(context.Background(), CreateParams{TemplateID: "base"})
	require.NoError(t, err)
	require.Equal(t, "sbx-1", sbx.ID)
	require.Equal(t, "Bearer secret-token", gotAuth)
}

func TestHTTPClient_Run(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sandboxes/sbx-1/run", r.URL.Path)
		_ = json.NewEncoder(w).Encode(runResponse{Stdout: "ok", ExitCode: 0})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	res, err := c.Run(context.Background(), "sbx-1", RunParams{Command: "echo hi", Timeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Stdout)
	require.Equal(t, 0, res.ExitCode)
}

func TestHTTPClient_ErrorStatusIsSurfaced(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(sandboxResponse{Error: "out of capacity"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	_, err := c.Create(context.Background(), CreateParams{TemplateID: "base"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "out of capacity")
}

func TestHTTPClient_Kill(t *testing.T) {
	t.Parallel()

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		require.Equal(t, "/sandboxes/sbx-1/kill", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	require.NoError(t, c.Kill(context.Background(), "sbx-1"))
	require.True(t, called)
}

func TestHTTPClient_List(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]sandboxResponse{{ID: "a"}, {ID: "b"}})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	sandboxes, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, sandboxes, 2)
}

func TestNewHTTPClient_DefaultsEndpointWhenEmpty(t *testing.T) {
	t.Parallel()
	c := NewHTTPClient("")
	require.Equal(t, "http://127.0.0.1:9000", c.endpoint)
}
