package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluidzero/fz-go/internal/credstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// newTestClient builds a client whose credential store holds a valid token
// for the given server, with no env M2M credentials and instant retries.
func newTestClient(t *testing.T, srvURL string) *Client {
	t.Helper()

	store := credstore.New(filepath.Join(t.TempDir(), "credentials.json"))
	require.NoError(t, store.Save(&credstore.Credentials{
		AccessToken:  "test-token",
		RefreshToken: "test-refresh",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		APIURL:       srvURL,
	}))

	c := New(srvURL, store, testLogger())
	c.sleepFunc = func(_ context.Context, _ time.Duration) error { return nil }
	c.getenv = func(string) string { return "" }

	return c
}

func TestRequestSendsBearerAndParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "ready", r.URL.Query().Get("status"))

		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	body, err := c.Get(context.Background(), "/api/documents", url.Values{"status": {"ready"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestRequestEncodesJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "demo", payload["name"])

		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.Post(context.Background(), "/api/projects", map[string]string{"name": "demo"})
	require.NoError(t, err)
}

func TestRequestRetriesTransientStatus(t *testing.T) {
	var calls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.Get(context.Background(), "/x", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRequestHonorsRetryAfterFloor(t *testing.T) {
	var calls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "7.5")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	var slept []time.Duration
	c.sleepFunc = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_, err := c.Get(context.Background(), "/x", nil)
	require.NoError(t, err)
	require.Len(t, slept, 1)
	assert.GreaterOrEqual(t, slept[0], 7500*time.Millisecond)
}

func TestRequestExhaustsRetriesThenMapsError(t *testing.T) {
	var calls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.Get(context.Background(), "/x", nil)
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, ExitGeneralError, ExitCode(err))
}

func TestRequestReplays401OnceAfterRefresh(t *testing.T) {
	var apiCalls, refreshCalls int

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls++
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostFormValue("grant_type"))

		_, _ = w.Write([]byte(`{"access_token":"fresh-token","expires_in":3600}`))
	})
	mux.HandleFunc("/api/runs/r1", func(w http.ResponseWriter, r *http.Request) {
		apiCalls++
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		_, _ = w.Write([]byte(`{"id":"r1"}`))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	body, err := c.Get(context.Background(), "/api/runs/r1", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"r1"}`, string(body))
	assert.Equal(t, 2, apiCalls)
	assert.Equal(t, 1, refreshCalls)
}

func TestRequestDoesNotReplayRevoked401(t *testing.T) {
	var apiCalls, refreshCalls int

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, _ *http.Request) {
		refreshCalls++
		_, _ = w.Write([]byte(`{"access_token":"fresh"}`))
	})
	mux.HandleFunc("/x", func(w http.ResponseWriter, _ *http.Request) {
		apiCalls++
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="token revoked"`)
		w.WriteHeader(http.StatusUnauthorized)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.Get(context.Background(), "/x", nil)
	require.Error(t, err)
	assert.Equal(t, 1, apiCalls, "revoked tokens are never replayed")
	assert.Equal(t, 0, refreshCalls)
	assert.Equal(t, ExitAuthFailure, ExitCode(err))
	assert.Contains(t, err.Error(), "revoked")
}

func TestRequestErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		wantCode int
		wantMsg  string
	}{
		{"forbidden", http.StatusForbidden, `{}`, ExitPermissionDenied, "Permission denied"},
		{"not found", http.StatusNotFound, `{}`, ExitNotFound, "Resource not found"},
		{"conflict", http.StatusConflict, `{}`, ExitConflict, "Conflict"},
		{"client error", http.StatusUnprocessableEntity, `{}`, ExitGeneralError, "Client error (422)"},
		{"server error", http.StatusInternalServerError, `{}`, ExitGeneralError, "Server error (500)"},
		{"detail string", http.StatusNotFound, `{"detail":"run not found"}`, ExitNotFound, "run not found"},
		{"detail object", http.StatusBadRequest, `{"detail":{"message":"bad schema"}}`, ExitGeneralError, "bad schema"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL)

			_, err := c.Get(context.Background(), "/x", nil)
			require.Error(t, err)
			assert.Equal(t, tc.wantCode, ExitCode(err))
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestRequestNetworkErrorMapsToNetworkCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // immediately unreachable

	c := newTestClient(t, srv.URL)

	_, err := c.Get(context.Background(), "/x", nil)
	require.Error(t, err)
	assert.Equal(t, ExitNetworkError, ExitCode(err))
	assert.Contains(t, err.Error(), "Network error")
}

func TestRequestNotAuthenticated(t *testing.T) {
	store := credstore.New(filepath.Join(t.TempDir(), "missing.json"))

	c := New("https://api.example.com", store, testLogger())
	c.getenv = func(string) string { return "" }

	_, err := c.Get(context.Background(), "/x", nil)
	require.Error(t, err)
	assert.Equal(t, ExitAuthFailure, ExitCode(err))

	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "Not authenticated", ee.Message)
	assert.Contains(t, ee.Hint, "fz auth login")
}

func TestRequestM2MCredentialsWinOverFile(t *testing.T) {
	var exchanges int

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		exchanges++
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostFormValue("grant_type"))
		assert.Equal(t, "m2m-id", r.PostFormValue("client_id"))

		_, _ = w.Write([]byte(`{"access_token":"m2m-token","expires_in":3600}`))
	})
	mux.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer m2m-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	env := map[string]string{"FZ_CLIENT_ID": "m2m-id", "FZ_CLIENT_SECRET": "m2m-secret"}
	c.getenv = func(key string) string { return env[key] }

	_, err := c.Get(context.Background(), "/x", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, exchanges)
}

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, ExitSuccess, ExitCode(nil))
	assert.Equal(t, ExitGeneralError, ExitCode(assert.AnError))
	assert.Equal(t, ExitTimeout, ExitCode(&ExitError{Code: ExitTimeout}))
}

func TestRetryAfterParsing(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, time.Duration(0), retryAfter(h))

	h.Set("Retry-After", "2")
	assert.Equal(t, 2*time.Second, retryAfter(h))

	h.Set("Retry-After", "0.5")
	assert.Equal(t, 500*time.Millisecond, retryAfter(h))

	// HTTP-date form is unsupported and reads as zero.
	h.Set("Retry-After", "Wed, 21 Oct 2015 07:28:00 GMT")
	assert.Equal(t, time.Duration(0), retryAfter(h))
}
