package auth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fluidzero/fz-go/internal/credstore"
)

// expirySkew treats a token as expired this long before its actual expiry,
// so a request never leaves with a token that dies in flight.
const expirySkew = 60 * time.Second

// fallbackTokenTTL is assumed when a refresh response carries neither
// expires_in nor a decodable exp claim.
const fallbackTokenTTL = 300 * time.Second

// refreshTimeout bounds each refresh POST.
const refreshTimeout = 30 * time.Second

// Manager owns the in-memory token state: access token, refresh token,
// expiry instant, API URL, and client ID. Every successful mutation is
// persisted through the credential store. Manager is not safe for concurrent
// use; the HTTP engine calls it serially.
type Manager struct {
	store      *credstore.Store
	apiURL     string
	httpClient *http.Client
	logger     *slog.Logger

	accessToken  string
	refreshToken string
	expiresAt    int64
	clientID     string

	// Injection points for tests.
	now       func() time.Time
	sleepFunc SleepFunc
}

// NewManager creates a Manager bound to the given API base URL and store.
func NewManager(apiURL string, store *credstore.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		store:      store,
		apiURL:     strings.TrimRight(apiURL, "/"),
		httpClient: &http.Client{Timeout: refreshTimeout},
		logger:     logger,
		now:        time.Now,
		sleepFunc:  Sleep,
	}
}

// APIURL returns the active API base URL, which a loaded credentials record
// may have overridden.
func (m *Manager) APIURL() string {
	return m.apiURL
}

// HasTokens reports whether an access token is held.
func (m *Manager) HasTokens() bool {
	return m.accessToken != ""
}

// LoadFromCredentials populates state from the credential store.
// Returns whether a record was found.
func (m *Manager) LoadFromCredentials() bool {
	creds := m.store.Load()
	if creds == nil {
		return false
	}

	m.accessToken = creds.AccessToken
	m.refreshToken = creds.RefreshToken
	m.expiresAt = creds.ExpiresAt
	m.clientID = creds.ClientID

	if creds.APIURL != "" {
		m.apiURL = strings.TrimRight(creds.APIURL, "/")
	}

	return true
}

// SetTokens installs freshly obtained tokens and persists them.
// expiresIn is the token lifetime in seconds.
func (m *Manager) SetTokens(accessToken, refreshToken string, expiresIn int64, clientID string) error {
	m.accessToken = accessToken
	m.refreshToken = refreshToken
	m.expiresAt = m.now().Unix() + expiresIn

	if clientID != "" {
		m.clientID = clientID
	}

	return m.persist()
}

// IsExpired reports whether the access token is expired or expires within
// the skew window.
func (m *Manager) IsExpired() bool {
	return m.expiresAt-int64(expirySkew.Seconds()) < m.now().Unix()
}

// AccessToken returns a valid access token, refreshing transparently when
// expired. Returns "" when no token is held, or when the token is expired
// and cannot be refreshed.
func (m *Manager) AccessToken(ctx context.Context) string {
	if m.accessToken == "" {
		return ""
	}

	if m.IsExpired() {
		if m.refreshToken == "" {
			return ""
		}

		m.Refresh(ctx)
	}

	return m.accessToken
}

// refreshResponse is the token endpoint's shape; unknown fields are ignored.
type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Refresh exchanges the refresh token at the backend's /oauth/token proxy.
// The source=device hint routes the proxy to the identity provider endpoint
// that issued device-flow tokens. The refresh token rotates on every use; if
// the response omits a new one, the old one is kept. Transient failures
// (429, 502, 503, 504, network) are retried up to 3 attempts with backoff.
// Refresh never fails the process: any terminal failure logs a warning and
// returns false.
func (m *Manager) Refresh(ctx context.Context) bool {
	if m.refreshToken == "" {
		return false
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {m.refreshToken},
		"source":        {"device"},
	}

	var (
		status int
		body   []byte
	)

	for attempt := 0; attempt < MaxTransientRetries; attempt++ {
		var err error

		status, body, err = m.postForm(ctx, m.apiURL+"/oauth/token", form)
		if err != nil {
			if attempt == MaxTransientRetries-1 {
				m.logger.Warn("token refresh failed", slog.String("error", err.Error()))
				return false
			}

			if m.sleepFunc(ctx, RetryDelay(attempt)) != nil {
				return false
			}

			continue
		}

		if !IsTransientStatus(status) || attempt == MaxTransientRetries-1 {
			break
		}

		if m.sleepFunc(ctx, RetryDelay(attempt)) != nil {
			return false
		}
	}

	if status != http.StatusOK {
		m.logger.Warn("token refresh failed, run `fz auth login` if requests fail",
			slog.Int("status", status),
		)

		return false
	}

	var resp refreshResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.AccessToken == "" {
		m.logger.Warn("token refresh returned an invalid response")
		return false
	}

	m.accessToken = resp.AccessToken

	if resp.RefreshToken != "" {
		m.refreshToken = resp.RefreshToken
	}

	// Derive expiry: expires_in from the response, else the new token's exp
	// claim, else a short conservative window.
	switch {
	case resp.ExpiresIn > 0:
		m.expiresAt = m.now().Unix() + resp.ExpiresIn
	default:
		if exp := ClaimInt64(DecodeClaims(m.accessToken), "exp"); exp > 0 {
			m.expiresAt = exp
		} else {
			m.expiresAt = m.now().Add(fallbackTokenTTL).Unix()
		}
	}

	if err := m.persist(); err != nil {
		m.logger.Warn("failed to persist refreshed tokens", slog.String("error", err.Error()))
	}

	m.logger.Debug("token refreshed", slog.Int64("expires_at", m.expiresAt))

	return true
}

// DecodeClaims returns the current access token's claims, empty on any error.
func (m *Manager) DecodeClaims() map[string]any {
	if m.accessToken == "" {
		return map[string]any{}
	}

	return DecodeClaims(m.accessToken)
}

// postForm sends one form-encoded POST and reads the full body.
func (m *Manager) postForm(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
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

func (m *Manager) persist() error {
	return m.store.Save(&credstore.Credentials{
		AccessToken:  m.accessToken,
		RefreshToken: m.refreshToken,
		ExpiresAt:    m.expiresAt,
		APIURL:       m.apiURL,
		ClientID:     m.clientID,
	})
}
