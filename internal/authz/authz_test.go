package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPAuthorizer_SuccessDecodesSessionAndHello(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"session_id":"sess-1","hello":{"room":"lobby"}}`))
	}))
	defer srv.Close()

	a := NewHTTPAuthorizer(srv.URL, time.Second)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)

	sessionId, hello, err := a.Authorize(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "sess-1", string(sessionId))

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(hello, &decoded))
	require.Equal(t, "lobby", decoded["room"])
}

func TestHTTPAuthorizer_NonSuccessStatusBecomesHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	a := NewHTTPAuthorizer(srv.URL, time.Second)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)

	_, _, err := a.Authorize(context.Background(), req)
	require.Error(t, err)

	statusErr, ok := err.(*HTTPStatusError)
	require.True(t, ok)
	require.Equal(t, http.StatusForbidden, statusErr.Status)
}

func TestHTTPAuthorizer_MalformedBodyBecomesBadGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	a := NewHTTPAuthorizer(srv.URL, time.Second)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)

	_, _, err := a.Authorize(context.Background(), req)
	require.Error(t, err)

	statusErr, ok := err.(*HTTPStatusError)
	require.True(t, ok)
	require.Equal(t, http.StatusBadGateway, statusErr.Status)
}

func TestHTTPAuthorizer_ForwardsCookies(t *testing.T) {
	var seenCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err == nil {
			seenCookie = c.Value
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"session_id":"x","hello":null}`))
	}))
	defer srv.Close()

	a := NewHTTPAuthorizer(srv.URL, time.Second)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "abc123"})

	_, _, err := a.Authorize(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "abc123", seenCookie)
}
