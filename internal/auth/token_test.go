package auth

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluidzero/fz-go/internal/credstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

// noSleep makes retry loops instantaneous in tests.
func noSleep(_ context.Context, _ time.Duration) error { return nil }

func newTestManager(t *testing.T, apiURL string) *Manager {
	t.Helper()

	store := credstore.New(filepath.Join(t.TempDir(), "credentials.json"))
	m := NewManager(apiURL, store, testLogger())
	m.sleepFunc = noSleep

	return m
}

func TestSetTokensPersists(t *testing.T) {
	m := newTestManager(t, "https://api.example.com")

	require.NoError(t, m.SetTokens("access", "refresh", 3600, "client_1"))

	fresh := NewManager("https://api.example.com", m.store, testLogger())
	require.True(t, fresh.LoadFromCredentials())
	assert.Equal(t, "access", fresh.accessToken)
	assert.Equal(t, "refresh", fresh.refreshToken)
	assert.Equal(t, "client_1", fresh.clientID)
}

func TestLoadFromCredentialsAdoptsAPIURL(t *testing.T) {
	store := credstore.New(filepath.Join(t.TempDir(), "credentials.json"))
	require.NoError(t, store.Save(&credstore.Credentials{
		AccessToken: "tok",
		APIURL:      "https://api.other.com/",
	}))

	m := NewManager("https://api.example.com", store, testLogger())
	require.True(t, m.LoadFromCredentials())
	assert.Equal(t, "https://api.other.com", m.APIURL())
}

func TestIsExpiredAppliesSkew(t *testing.T) {
	m := newTestManager(t, "https://api.example.com")
	now := time.Now()
	m.now = func() time.Time { return now }

	m.expiresAt = now.Add(2 * time.Minute).Unix()
	assert.False(t, m.IsExpired())

	// Within the 60s skew window counts as expired.
	m.expiresAt = now.Add(30 * time.Second).Unix()
	assert.True(t, m.IsExpired())

	m.expiresAt = now.Add(-time.Minute).Unix()
	assert.True(t, m.IsExpired())
}

func TestAccessTokenReturnsValidTokenWithoutRefresh(t *testing.T) {
	m := newTestManager(t, "https://api.example.com")
	m.accessToken = "tok"
	m.expiresAt = time.Now().Add(time.Hour).Unix()

	assert.Equal(t, "tok", m.AccessToken(context.Background()))
}

func TestAccessTokenExpiredWithoutRefreshTokenReturnsEmpty(t *testing.T) {
	m := newTestManager(t, "https://api.example.com")
	m.accessToken = "tok"
	m.expiresAt = 0

	assert.Empty(t, m.AccessToken(context.Background()))
}

func TestRefreshRotatesTokens(t *testing.T) {
	var gotForm map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/token", r.URL.Path)
		require.NoError(t, r.ParseForm())

		gotForm = map[string]string{
			"grant_type":    r.PostFormValue("grant_type"),
			"refresh_token": r.PostFormValue("refresh_token"),
			"source":        r.PostFormValue("source"),
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":1800}`))
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	m.accessToken = "old-access"
	m.refreshToken = "old-refresh"

	now := time.Now()
	m.now = func() time.Time { return now }

	require.True(t, m.Refresh(context.Background()))

	assert.Equal(t, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": "old-refresh",
		"source":        "device",
	}, gotForm)

	assert.Equal(t, "new-access", m.accessToken)
	assert.Equal(t, "new-refresh", m.refreshToken)
	assert.Equal(t, now.Unix()+1800, m.expiresAt)

	// Rotation is persisted.
	creds := m.store.Load()
	require.NotNil(t, creds)
	assert.Equal(t, "new-refresh", creds.RefreshToken)
}

func TestRefreshKeepsOldRefreshTokenWhenOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"new-access","expires_in":60}`))
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	m.accessToken = "old"
	m.refreshToken = "keep-me"

	require.True(t, m.Refresh(context.Background()))
	assert.Equal(t, "keep-me", m.refreshToken)
}

func TestRefreshExpiryFallsBackToExpClaim(t *testing.T) {
	exp := time.Now().Add(45 * time.Minute).Unix()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp}).
		SignedString([]byte("k"))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"` + token + `"}`))
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	m.refreshToken = "r"

	require.True(t, m.Refresh(context.Background()))
	assert.Equal(t, exp, m.expiresAt)
}

func TestRefreshExpiryFallsBackToConservativeWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"opaque-token"}`))
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	m.refreshToken = "r"

	now := time.Now()
	m.now = func() time.Time { return now }

	require.True(t, m.Refresh(context.Background()))
	assert.Equal(t, now.Add(fallbackTokenTTL).Unix(), m.expiresAt)
}

func TestRefreshReturnsFalseOnRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	m.accessToken = "old"
	m.refreshToken = "r"

	assert.False(t, m.Refresh(context.Background()))
	assert.Equal(t, "old", m.accessToken, "state unchanged on failure")
}

func TestRefreshRetriesTransientStatus(t *testing.T) {
	var calls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		_, _ = w.Write([]byte(`{"access_token":"new","expires_in":60}`))
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	m.refreshToken = "r"

	require.True(t, m.Refresh(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	m := newTestManager(t, "https://api.example.com")
	assert.False(t, m.Refresh(context.Background()))
}
