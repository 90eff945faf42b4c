package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agenticmem/membridge/internal/config"
	"github.com/agenticmem/membridge/internal/core"
)

// Manager owns the authentication session state machine:
//
//	Unauthenticated -> (login success) -> Authenticated
//	Authenticated   -> (expiry | Logout | 401) -> Unauthenticated
//
// There is no refreshing state: the implicit flow hands out no refresh
// credential, so a dead token always forces a fresh interactive login.
type Manager struct {
	cfg        config.AuthConfig
	apiBase    string
	store      Store
	authorizer Authorizer
	logger     *slog.Logger

	// HTTPClient issues graph and authenticated API calls; replaceable in tests.
	HTTPClient *http.Client
	// Now is the clock used for expiry checks; replaceable in tests.
	Now func() time.Time

	mu          sync.Mutex
	session     Session
	initialized bool
}

// NewManager constructs a session manager. Nothing is loaded until Init.
func NewManager(cfg config.AuthConfig, apiBase string, store Store, authorizer Authorizer, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		apiBase:    strings.TrimRight(apiBase, "/"),
		store:      store,
		authorizer: authorizer,
		logger:     logger,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Now:        time.Now,
	}
}

// Init restores the persisted session. Idempotent: only the first call does
// work. A session that is already expired at restore time is cleared and the
// manager stays unauthenticated.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	session, found, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}

	if found {
		if m.Now().UnixMilli() >= session.ExpiresAt {
			m.logger.Info("stored session expired, clearing")
			m.clearLocked()
		} else {
			m.session = session
			m.logger.Info("restored session",
				"user_id", session.PrimaryUserID,
				"expires_at", time.UnixMilli(session.ExpiresAt).Format(time.RFC3339))
		}
	}

	m.initialized = true
	return nil
}

// Login runs the interactive implicit-flow login and persists the resulting
// session. No token is persisted before every check has passed.
func (m *Manager) Login(ctx context.Context) error {
	state := randomHex(16)
	nonce := randomHex(16)

	authParams := url.Values{
		"client_id":     {m.cfg.ClientID},
		"response_type": {"id_token token"},
		"redirect_uri":  {m.authorizer.RedirectURI()},
		"scope":         {m.cfg.Scope},
		"state":         {state},
		"nonce":         {nonce},
		"response_mode": {"fragment"},
	}
	authorizeURL := m.cfg.Authority + "/authorize?" + authParams.Encode()

	fragment, err := m.authorizer.Authorize(ctx, authorizeURL)
	if err != nil {
		return NewAuthError(KindProviderError, "authorization flow: %v", err)
	}

	values, err := url.ParseQuery(fragment)
	if err != nil {
		return NewAuthError(KindProviderError, "malformed response fragment: %v", err)
	}

	if providerErr := values.Get("error"); providerErr != "" {
		return NewAuthError(KindProviderError, "%s: %s",
			providerErr, friendlyProviderError(providerErr, values.Get("error_description")))
	}

	if returned := values.Get("state"); returned != state {
		return NewAuthError(KindStateMismatch, "returned state does not match")
	}

	accessToken := values.Get("access_token")
	idToken := values.Get("id_token")
	if accessToken == "" || idToken == "" {
		return NewAuthError(KindMissingToken, "provider response missing required tokens")
	}

	claims, _ := decodeTokenClaims(idToken)
	primaryUserID := claims.PrimaryUserID()
	if primaryUserID == "" {
		return NewAuthError(KindMissingIdentity, "identity token has neither sub nor oid claim")
	}

	expiresIn, err := strconv.Atoi(values.Get("expires_in"))
	if err != nil || expiresIn <= 0 {
		expiresIn = 3600
	}
	expiresAt := m.Now().UnixMilli() + int64(expiresIn)*1000

	profile, err := m.fetchProfile(ctx, accessToken)
	if err != nil {
		return NewAuthError(KindProfileFetchFailed, "%v", err)
	}

	session := Session{
		AccessToken:   accessToken,
		IDToken:       idToken,
		User:          profile,
		ExpiresAt:     expiresAt,
		Claims:        claims,
		PrimaryUserID: primaryUserID,
	}

	if err := m.store.Save(session); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}

	m.mu.Lock()
	m.session = session
	m.initialized = true
	m.mu.Unlock()

	m.logger.Info("login succeeded", "user_id", primaryUserID)
	return nil
}

// Logout unconditionally clears persisted and in-memory session state.
// Idempotent and infallible: a failing store only gets a warning.
func (m *Manager) Logout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked()
}

func (m *Manager) clearLocked() {
	if err := m.store.Clear(); err != nil {
		m.logger.Warn("failed to clear session store", "error", err)
	}
	m.session = Session{}
}

// validSession returns the current session when valid. When the in-memory
// session is invalid it re-reads the store once: another process (the popup
// CLI and the relay share one durable record) may have logged in or out
// since this manager initialized.
func (m *Manager) validSession() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.Valid(m.Now()) {
		return m.session, true
	}

	if session, found, err := m.store.Load(); err == nil && found && session.Valid(m.Now()) {
		m.session = session
		return session, true
	}

	return Session{}, false
}

// IsAuthenticated reports whether a valid session exists right now.
func (m *Manager) IsAuthenticated() bool {
	_, ok := m.validSession()
	return ok
}

// UserID returns the primary user id of the valid session.
func (m *Manager) UserID() (string, error) {
	session, ok := m.validSession()
	if !ok {
		return "", NewAuthError(KindNotAuthenticated, "no valid session")
	}
	return session.PrimaryUserID, nil
}

// Profile returns the stored user profile of the valid session.
func (m *Manager) Profile() (*core.Profile, error) {
	session, ok := m.validSession()
	if !ok {
		return nil, NewAuthError(KindNotAuthenticated, "no valid session")
	}
	return session.User, nil
}

// Claims returns the decoded identity-token claims of the valid session.
func (m *Manager) Claims() (core.Claims, error) {
	session, ok := m.validSession()
	if !ok {
		return core.Claims{}, NewAuthError(KindNotAuthenticated, "no valid session")
	}
	return session.Claims, nil
}

// NewRequest builds a request against the API base; absolute URLs pass
// through untouched.
func (m *Manager) NewRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = m.apiBase + "/" + strings.TrimLeft(target, "/")
	}
	return http.NewRequestWithContext(ctx, method, target, body)
}

// Do issues an authenticated request with the identity token as bearer
// credential. A 401 response tears the session down and fails with
// Unauthorized; there is no retry because no refresh credential exists.
func (m *Manager) Do(req *http.Request) (*http.Response, error) {
	session, ok := m.validSession()
	if !ok {
		return nil, NewAuthError(KindNotAuthenticated, "no valid identity token")
	}

	req.Header.Set("Authorization", "Bearer "+session.IDToken)
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authenticated request: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		m.logger.Warn("authenticated request returned 401, tearing down session")
		m.Logout()
		return nil, NewAuthError(KindUnauthorized, "server rejected identity token")
	}

	return resp, nil
}

func (m *Manager) fetchProfile(ctx context.Context, accessToken string) (*core.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.GraphEndpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity graph request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("identity graph returned status %d", resp.StatusCode)
	}

	var profile core.Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decode identity graph response: %w", err)
	}
	return &profile, nil
}

// friendlyProviderError maps known provider error codes onto readable
// explanations, falling back to the raw description.
func friendlyProviderError(code, description string) string {
	description = strings.ReplaceAll(description, "+", " ")

	switch {
	case code == "access_denied":
		return "access was denied (dialog closed or permissions declined)"
	case strings.Contains(description, "AADSTS65001"):
		return "the application needs admin consent for the requested permissions"
	case strings.Contains(description, "AADSTS900144"):
		return "invalid or mismatched redirect URI; confirm the app registration"
	case strings.Contains(description, "AADSTS500113"):
		return "the reply URL is not registered for the application"
	case description != "":
		return description
	default:
		return code
	}
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
