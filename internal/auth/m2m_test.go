package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestM2MExchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostFormValue("grant_type"))
		assert.Equal(t, "cid", r.PostFormValue("client_id"))
		assert.Equal(t, "secret", r.PostFormValue("client_secret"))

		_, _ = w.Write([]byte(`{"access_token":"m2m-token","expires_in":3600}`))
	}))
	defer srv.Close()

	x := &M2MExchanger{APIURL: srv.URL, sleepFunc: noSleep}

	tr, err := x.Exchange(context.Background(), "cid", "secret")
	require.NoError(t, err)
	assert.Equal(t, "m2m-token", tr.AccessToken)
	assert.Equal(t, int64(3600), tr.ExpiresIn)
	assert.Empty(t, tr.RefreshToken, "client-credentials grants carry no refresh token")
}

func TestM2MExchangeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"bad secret"}`))
	}))
	defer srv.Close()

	x := &M2MExchanger{APIURL: srv.URL, sleepFunc: noSleep}

	_, err := x.Exchange(context.Background(), "cid", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad secret")
}

func TestM2MExchangeRetriesTransient(t *testing.T) {
	var calls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		_, _ = w.Write([]byte(`{"access_token":"tok"}`))
	}))
	defer srv.Close()

	x := &M2MExchanger{APIURL: srv.URL, sleepFunc: noSleep}

	tr, err := x.Exchange(context.Background(), "cid", "secret")
	require.NoError(t, err)
	assert.Equal(t, "tok", tr.AccessToken)
	assert.Equal(t, 3, calls)
}

func TestM2MExchangeMissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	x := &M2MExchanger{APIURL: srv.URL, sleepFunc: noSleep}

	_, err := x.Exchange(context.Background(), "cid", "secret")
	require.Error(t, err)
}
