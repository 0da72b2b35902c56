package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WorkOS User Management endpoints for first-party CLI auth (RFC 8628).
const (
	deviceAuthURL  = "https://api.workos.com/user_management/authorize/device"
	deviceTokenURL = "https://api.workos.com/user_management/authenticate"
)

// Defaults applied when the device authorization response omits them.
const (
	defaultDeviceExpiry   = 300 * time.Second
	defaultPollInterval   = 5 * time.Second
	slowDownIncrement     = 5 * time.Second
	deviceRequestTimeout  = 30 * time.Second
	statusPreconditionReq = 428
)

// DeviceAuthorization is what the CLI shows the user: a short code and the
// URL where it is entered.
type DeviceAuthorization struct {
	UserCode        string
	VerificationURI string
}

// TokenResponse is a successful token grant. ExpiresIn may be zero when the
// identity provider relies on the token's exp claim instead.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// deviceAuthResponse is the device authorization endpoint's shape.
type deviceAuthResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// oauthError is the error shape shared by the identity provider's endpoints.
type oauthError struct {
	Error            string `json:"error"`
	Code             string `json:"code"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
}

func (e oauthError) code() string {
	if e.Error != "" {
		return e.Error
	}

	return e.Code
}

func (e oauthError) description(fallback string) string {
	if e.ErrorDescription != "" {
		return e.ErrorDescription
	}

	if e.Message != "" {
		return e.Message
	}

	return fallback
}

// DeviceFlow runs the RFC 8628 device authorization grant against WorkOS.
type DeviceFlow struct {
	ClientID string

	// Display is called once with the user code and verification URI; the
	// command layer prints the code and opens the browser.
	Display func(DeviceAuthorization)

	HTTPClient *http.Client
	Logger     *slog.Logger

	// Injection points for tests.
	authURL   string
	tokenURL  string
	sleepFunc SleepFunc
	now       func() time.Time
}

// Login requests a device code, hands the user code to Display, then polls
// the token endpoint until the user approves, the grant expires, or the
// provider rejects it.
func (f *DeviceFlow) Login(ctx context.Context) (*TokenResponse, error) {
	if f.ClientID == "" {
		return nil, fmt.Errorf("auth: OAuth client ID not configured; set FZ_OAUTH_CLIENT_ID or oauth_client_id in config.toml")
	}

	f.setDefaults()

	da, err := f.requestDeviceAuthorization(ctx)
	if err != nil {
		return nil, err
	}

	verificationURI := da.VerificationURIComplete
	if verificationURI == "" {
		verificationURI = da.VerificationURI
	}

	if f.Display != nil {
		f.Display(DeviceAuthorization{
			UserCode:        da.UserCode,
			VerificationURI: verificationURI,
		})
	}

	expiresIn := defaultDeviceExpiry
	if da.ExpiresIn > 0 {
		expiresIn = time.Duration(da.ExpiresIn) * time.Second
	}

	interval := defaultPollInterval
	if da.Interval > 0 {
		interval = time.Duration(da.Interval) * time.Second
	}

	return f.poll(ctx, da.DeviceCode, expiresIn, interval)
}

func (f *DeviceFlow) setDefaults() {
	if f.HTTPClient == nil {
		f.HTTPClient = &http.Client{Timeout: deviceRequestTimeout}
	}

	if f.Logger == nil {
		f.Logger = slog.Default()
	}

	if f.authURL == "" {
		f.authURL = deviceAuthURL
	}

	if f.tokenURL == "" {
		f.tokenURL = deviceTokenURL
	}

	if f.sleepFunc == nil {
		f.sleepFunc = Sleep
	}

	if f.now == nil {
		f.now = time.Now
	}
}

// requestDeviceAuthorization posts the client ID to the device authorization
// endpoint, retrying transient failures.
func (f *DeviceFlow) requestDeviceAuthorization(ctx context.Context) (*deviceAuthResponse, error) {
	form := url.Values{"client_id": {f.ClientID}}

	var (
		status int
		body   []byte
	)

	for attempt := 0; attempt < MaxTransientRetries; attempt++ {
		var err error

		status, body, err = f.postForm(ctx, f.authURL, form)
		if err != nil {
			if attempt == MaxTransientRetries-1 {
				return nil, fmt.Errorf("auth: device authorization failed: network error: %w", err)
			}

			if sleepErr := f.sleepFunc(ctx, RetryDelay(attempt)); sleepErr != nil {
				return nil, fmt.Errorf("auth: device authorization canceled: %w", sleepErr)
			}

			continue
		}

		if !IsTransientStatus(status) || attempt == MaxTransientRetries-1 {
			break
		}

		f.Logger.Debug("retrying device authorization",
			slog.Int("status", status),
			slog.Int("attempt", attempt+1),
		)

		if sleepErr := f.sleepFunc(ctx, RetryDelay(attempt)); sleepErr != nil {
			return nil, fmt.Errorf("auth: device authorization canceled: %w", sleepErr)
		}
	}

	if status != http.StatusOK {
		var oe oauthError
		_ = json.Unmarshal(body, &oe)

		return nil, fmt.Errorf("auth: device authorization failed: %s", oe.description(string(body)))
	}

	var da deviceAuthResponse
	if err := json.Unmarshal(body, &da); err != nil {
		return nil, fmt.Errorf("auth: decoding device authorization response: %w", err)
	}

	if da.DeviceCode == "" || da.UserCode == "" {
		return nil, fmt.Errorf("auth: device authorization response missing device or user code")
	}

	return &da, nil
}

// poll requests the token endpoint every interval until a terminal outcome.
// Per RFC 8628 §3.5 a slow_down error adds 5 seconds to the interval.
// Network errors during polling are absorbed; the next tick retries.
func (f *DeviceFlow) poll(
	ctx context.Context, deviceCode string, expiresIn, interval time.Duration,
) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {deviceCode},
		"client_id":   {f.ClientID},
	}

	deadline := f.now().Add(expiresIn)

	for f.now().Before(deadline) {
		if err := f.sleepFunc(ctx, interval); err != nil {
			return nil, fmt.Errorf("auth: login canceled: %w", err)
		}

		status, body, err := f.postForm(ctx, f.tokenURL, form)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("auth: login canceled: %w", ctx.Err())
			}

			f.Logger.Debug("network error while polling, will retry",
				slog.String("error", err.Error()),
			)

			continue
		}

		if status == http.StatusOK {
			var tr TokenResponse
			if decErr := json.Unmarshal(body, &tr); decErr != nil || tr.AccessToken == "" {
				return nil, fmt.Errorf("auth: unexpected token response format; please report this issue")
			}

			return &tr, nil
		}

		var oe oauthError
		_ = json.Unmarshal(body, &oe)

		switch oe.code() {
		case "authorization_pending":
			continue
		case "slow_down":
			interval += slowDownIncrement
			continue
		case "access_denied", "expired_token":
			return nil, fmt.Errorf("auth: authentication failed: %s", oe.description(oe.code()))
		default:
			// 428 Precondition Required with an unrecognized error code is
			// treated as still pending; any other hard failure is terminal.
			if status >= http.StatusBadRequest && status != statusPreconditionReq {
				return nil, fmt.Errorf("auth: authentication failed: %s", oe.description(string(body)))
			}
		}
	}

	return nil, fmt.Errorf("auth: authentication timed out after %s; try again with `fz auth login`",
		expiresIn.Truncate(time.Second))
}

func (f *DeviceFlow) postForm(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.HTTPClient.Do(req)
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
