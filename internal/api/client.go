package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fluidzero/fz-go/internal/auth"
	"github.com/fluidzero/fz-go/internal/config"
	"github.com/fluidzero/fz-go/internal/credstore"
)

// requestTimeout bounds each API call. Presigned-URL part uploads use their
// own size-proportional timeouts and never go through this client.
const requestTimeout = 60 * time.Second

// Client is the authenticated HTTP engine. It resolves credentials lazily on
// first use (env-var M2M credentials win over the credentials file), retries
// transient failures with backoff honoring Retry-After, and replays a request
// exactly once after recovering from a 401, unless the token was revoked.
//
// Client is not safe for concurrent use. Upload workers talk to object
// storage directly; only part acknowledgements and control calls come here,
// serialized by the report pool.
type Client struct {
	apiURL     string
	httpClient *http.Client
	tokens     *auth.Manager
	logger     *slog.Logger

	resolved        bool
	m2mClientID     string
	m2mClientSecret string
	exchanger       *auth.M2MExchanger

	// Injection points for tests.
	sleepFunc auth.SleepFunc
	getenv    func(string) string
}

// New creates a Client for the given API base URL, persisting token state
// through store.
func New(apiURL string, store *credstore.Store, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	apiURL = strings.TrimRight(apiURL, "/")

	return &Client{
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		tokens:     auth.NewManager(apiURL, store, logger),
		logger:     logger,
		exchanger:  &auth.M2MExchanger{APIURL: apiURL},
		sleepFunc:  auth.Sleep,
		getenv:     os.Getenv,
	}
}

// APIURL returns the base URL all paths are resolved against.
func (c *Client) APIURL() string {
	return c.apiURL
}

// TokenManager exposes the underlying manager for auth commands.
func (c *Client) TokenManager() *auth.Manager {
	return c.tokens
}

// isM2M reports whether env-var client credentials drive this client.
func (c *Client) isM2M() bool {
	return c.m2mClientID != "" && c.m2mClientSecret != ""
}

// resolveAuth picks the auth mode on first use: FZ_CLIENT_ID/FZ_CLIENT_SECRET
// mean M2M (exchanged immediately); otherwise the credentials file from a
// prior `fz auth login`.
func (c *Client) resolveAuth(ctx context.Context) error {
	if c.resolved {
		return nil
	}

	c.resolved = true

	c.m2mClientID = c.getenv(config.EnvClientID)
	c.m2mClientSecret = c.getenv(config.EnvClientSecret)

	if c.isM2M() {
		return c.exchangeM2M(ctx)
	}

	if !c.tokens.LoadFromCredentials() {
		return &ExitError{
			Code:    ExitAuthFailure,
			Message: "Not authenticated",
			Hint:    "Run `fz auth login` first.",
		}
	}

	return nil
}

// exchangeM2M swaps the env-var client credentials for a fresh access token.
// M2M tokens carry no refresh token, so expiry is handled by re-exchange.
func (c *Client) exchangeM2M(ctx context.Context) error {
	tr, err := c.exchanger.Exchange(ctx, c.m2mClientID, c.m2mClientSecret)
	if err != nil {
		return err
	}

	expiresIn := tr.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}

	if err := c.tokens.SetTokens(tr.AccessToken, "", expiresIn, ""); err != nil {
		c.logger.Warn("failed to persist M2M token", slog.String("error", err.Error()))
	}

	return nil
}

// bearerToken returns a valid access token, re-exchanging M2M credentials
// once when the manager comes up empty.
func (c *Client) bearerToken(ctx context.Context) (string, error) {
	if err := c.resolveAuth(ctx); err != nil {
		return "", err
	}

	token := c.tokens.AccessToken(ctx)

	if token == "" && c.isM2M() {
		if err := c.exchangeM2M(ctx); err != nil {
			return "", err
		}

		token = c.tokens.AccessToken(ctx)
	}

	if token == "" {
		return "", &ExitError{
			Code:    ExitAuthFailure,
			Message: "No valid access token",
			Hint:    "Run `fz auth login`.",
		}
	}

	return token, nil
}

// recoverAuth attempts to restore auth after a 401: token refresh for the
// browser flow, credential re-exchange for M2M.
func (c *Client) recoverAuth(ctx context.Context) bool {
	if c.isM2M() {
		if err := c.exchangeM2M(ctx); err != nil {
			c.logger.Debug("M2M re-exchange failed", slog.String("error", err.Error()))
			return false
		}

		return true
	}

	return c.tokens.Refresh(ctx)
}

// RequestOptions carries the optional request payload. At most one of JSON
// and Form may be set.
type RequestOptions struct {
	JSON   any
	Form   url.Values
	Params url.Values
}

// Request executes an authenticated API request and returns the raw response
// body. Transient failures (429, 502, 503, 504, network errors) are retried
// up to 3 attempts with exponential backoff and jitter; a numeric Retry-After
// header raises the delay floor. A 401 triggers exactly one auth recovery and
// replay, except when WWW-Authenticate marks the token revoked. Any remaining
// response >= 400 maps through the exit-code taxonomy.
func (c *Client) Request(ctx context.Context, method, path string, opts *RequestOptions) (json.RawMessage, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	body, contentType, err := encodeBody(opts)
	if err != nil {
		return nil, err
	}

	reqURL := c.apiURL + path
	if len(opts.Params) > 0 {
		reqURL += "?" + opts.Params.Encode()
	}

	c.logger.Debug("api request", slog.String("method", method), slog.String("url", reqURL))

	var resp *http.Response

	for attempt := 0; attempt < auth.MaxTransientRetries; attempt++ {
		resp, err = c.send(ctx, method, reqURL, body, contentType)
		if err != nil {
			var are *authResolutionError
			if errors.As(err, &are) {
				return nil, are.err
			}

			if attempt == auth.MaxTransientRetries-1 {
				return nil, networkError(err)
			}

			c.logger.Debug("retrying after network error",
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)

			if sleepErr := c.sleepFunc(ctx, auth.RetryDelay(attempt)); sleepErr != nil {
				return nil, networkError(sleepErr)
			}

			continue
		}

		if auth.IsTransientStatus(resp.StatusCode) && attempt < auth.MaxTransientRetries-1 {
			delay := auth.RetryDelay(attempt)
			if floor := retryAfter(resp.Header); floor > delay {
				delay = floor
			}

			drain(resp)

			c.logger.Debug("retrying after transient status",
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
			)

			if sleepErr := c.sleepFunc(ctx, delay); sleepErr != nil {
				return nil, networkError(sleepErr)
			}

			continue
		}

		break
	}

	// One-shot 401 replay. A revoked token is never recovered; refreshing
	// would just mint another dead token.
	if resp.StatusCode == http.StatusUnauthorized {
		wwwAuth := strings.ToLower(resp.Header.Get("WWW-Authenticate"))
		if !strings.Contains(wwwAuth, "revoked") && c.recoverAuth(ctx) {
			drain(resp)

			resp, err = c.send(ctx, method, reqURL, body, contentType)
			if err != nil {
				var are *authResolutionError
				if errors.As(err, &are) {
					return nil, are.err
				}

				return nil, networkError(err)
			}
		}
	}

	respBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, errorFromResponse(resp.StatusCode, resp.Header, respBody)
	}

	if readErr != nil {
		return nil, networkError(readErr)
	}

	return respBody, nil
}

// Get issues an authenticated GET.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodGet, path, &RequestOptions{Params: params})
}

// Post issues an authenticated POST with an optional JSON body.
func (c *Client) Post(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodPost, path, &RequestOptions{JSON: payload})
}

// Put issues an authenticated PUT with an optional JSON body.
func (c *Client) Put(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodPut, path, &RequestOptions{JSON: payload})
}

// Delete issues an authenticated DELETE.
func (c *Client) Delete(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodDelete, path, nil)
}

// GetJSON issues a GET and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, path string, params url.Values, out any) error {
	body, err := c.Get(ctx, path, params)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("api: decoding %s response: %w", path, err)
	}

	return nil
}

// PostJSON issues a POST and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, path string, payload, out any) error {
	body, err := c.Post(ctx, path, payload)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("api: decoding %s response: %w", path, err)
	}

	return nil
}

// send executes a single attempt with fresh auth headers.
func (c *Client) send(ctx context.Context, method, reqURL string, body []byte, contentType string) (*http.Response, error) {
	token, err := c.bearerToken(ctx)
	if err != nil {
		return nil, &authResolutionError{err: err}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, reqErr := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if reqErr != nil {
		return nil, reqErr
	}

	req.Header.Set("Authorization", "Bearer "+token)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return c.httpClient.Do(req)
}

// authResolutionError distinguishes "could not obtain a token" from real
// network errors so the retry loop surfaces it immediately.
type authResolutionError struct {
	err error
}

func (e *authResolutionError) Error() string { return e.err.Error() }
func (e *authResolutionError) Unwrap() error { return e.err }

// encodeBody marshals the request payload once; each retry attempt replays
// the same bytes.
func encodeBody(opts *RequestOptions) ([]byte, string, error) {
	switch {
	case opts.JSON != nil:
		data, err := json.Marshal(opts.JSON)
		if err != nil {
			return nil, "", fmt.Errorf("api: encoding request body: %w", err)
		}

		return data, "application/json", nil
	case len(opts.Form) > 0:
		return []byte(opts.Form.Encode()), "application/x-www-form-urlencoded", nil
	default:
		return nil, "", nil
	}
}

// retryAfter parses a numeric Retry-After header as seconds. The HTTP-date
// form is not supported and reads as zero.
func retryAfter(header http.Header) time.Duration {
	ra := header.Get("Retry-After")
	if ra == "" {
		return 0
	}

	seconds, err := strconv.ParseFloat(ra, 64)
	if err != nil || seconds <= 0 {
		return 0
	}

	return time.Duration(seconds * float64(time.Second))
}

// drain discards and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
