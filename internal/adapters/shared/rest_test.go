package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/errs"
)

func TestDoDecodesJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/thing", r.URL.Path)
		require.Equal(t, "BTCUSD", r.URL.Query().Get("symbol"))
		require.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price":"100.5"}`))
	}))
	defer server.Close()

	c := NewRESTClient("test", server.URL, 2*time.Second, 0)
	var out struct {
		Price string `json:"price"`
	}
	err := c.Do(context.Background(), Request{
		Method:  http.MethodGet,
		Path:    "/api/v1/thing",
		Query:   url.Values{"symbol": {"BTCUSD"}},
		Headers: map[string]string{"X-Api-Key": "secret"},
	}, &out)
	require.NoError(t, err)
	require.Equal(t, "100.5", out.Price)
}

func TestDoMapsStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		code   errs.Code
	}{
		{http.StatusUnauthorized, errs.CodeAuth},
		{http.StatusForbidden, errs.CodeAuth},
		{http.StatusNotFound, errs.CodeNotFound},
		{http.StatusTooManyRequests, errs.CodeRateLimited},
		{http.StatusBadRequest, errs.CodeRequest},
		{http.StatusInternalServerError, errs.CodeUnavailable},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"msg":"nope"}`))
		}))
		c := NewRESTClient("test", server.URL, 2*time.Second, 0)
		err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"}, nil)
		server.Close()

		var e *errs.E
		require.ErrorAs(t, err, &e, "status %d", tc.status)
		require.Equal(t, tc.code, e.Code, "status %d", tc.status)
		require.Equal(t, tc.status, e.HTTP)
		require.Contains(t, e.RawMsg, "nope")
	}
}

func TestRateLimitedErrorCarriesCanonicalCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := NewRESTClient("test", server.URL, 2*time.Second, 0)
	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"}, nil)
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.CanonicalRateLimited, e.Canonical)
}

func TestDoPostsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := NewRESTClient("test", server.URL, 2*time.Second, 0)
	err := c.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/order",
		Body:   []byte(`{"side":"buy"}`),
	}, nil)
	require.NoError(t, err)
}
