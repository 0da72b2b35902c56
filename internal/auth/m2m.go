package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const m2mRequestTimeout = 30 * time.Second

// M2MExchanger performs the client-credentials grant against the backend's
// /oauth/token proxy. M2M tokens carry no refresh token; callers re-exchange
// on expiry.
type M2MExchanger struct {
	APIURL     string
	HTTPClient *http.Client

	sleepFunc SleepFunc
}

// Exchange swaps a client ID and secret for a short-lived access token.
// Transient failures are retried on the shared backoff schedule.
func (x *M2MExchanger) Exchange(ctx context.Context, clientID, clientSecret string) (*TokenResponse, error) {
	if x.HTTPClient == nil {
		x.HTTPClient = &http.Client{Timeout: m2mRequestTimeout}
	}

	if x.sleepFunc == nil {
		x.sleepFunc = Sleep
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	}

	endpoint := strings.TrimRight(x.APIURL, "/") + "/oauth/token"

	var (
		status int
		body   []byte
	)

	for attempt := 0; attempt < MaxTransientRetries; attempt++ {
		var err error

		status, body, err = x.postForm(ctx, endpoint, form)
		if err != nil {
			if attempt == MaxTransientRetries-1 {
				return nil, fmt.Errorf("auth: M2M authentication failed: network error: %w", err)
			}

			if sleepErr := x.sleepFunc(ctx, RetryDelay(attempt)); sleepErr != nil {
				return nil, fmt.Errorf("auth: M2M authentication canceled: %w", sleepErr)
			}

			continue
		}

		if !IsTransientStatus(status) || attempt == MaxTransientRetries-1 {
			break
		}

		if sleepErr := x.sleepFunc(ctx, RetryDelay(attempt)); sleepErr != nil {
			return nil, fmt.Errorf("auth: M2M authentication canceled: %w", sleepErr)
		}
	}

	if status != http.StatusOK {
		var oe oauthError
		_ = json.Unmarshal(body, &oe)

		return nil, fmt.Errorf("auth: M2M authentication failed: %s", oe.description(string(body)))
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return nil, fmt.Errorf("auth: M2M token response missing access_token")
	}

	return &tr, nil
}

func (x *M2MExchanger) postForm(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := x.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}

	return resp.StatusCode, body, nil
}
