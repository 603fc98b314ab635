package array

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	apperrors "kv-shepherd.io/storjanitor/internal/pkg/errors"
	"kv-shepherd.io/storjanitor/internal/pkg/logger"
)

// TokenHeader is the vendor session-token header. PowerStore issues the
// token on the login endpoint and expects it echoed on every call.
const TokenHeader = "DELL-EMC-TOKEN"

const loginPath = "/api/rest/login_session"

// Credentials are the array management credentials.
type Credentials struct {
	User     string
	Password string
}

// SessionConfig controls session establishment.
type SessionConfig struct {
	// Retries is the number of login attempts before giving up.
	Retries int
	// BackoffBase is the initial delay between attempts; delays grow
	// exponentially from here.
	BackoffBase time.Duration
	// ForceRelogin clears any cached handle before the first attempt.
	ForceRelogin bool
}

// DefaultSessionConfig mirrors the operational defaults: 10 attempts,
// 2s base delay.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{Retries: 10, BackoffBase: 2 * time.Second}
}

// SessionManager obtains, validates, caches and refreshes the array
// session. The store backend is injected: file-backed between runs,
// memory-backed for --no-session-cache.
type SessionManager struct {
	baseURL string
	creds   Credentials
	hc      *http.Client
	store   SessionStore
	cfg     SessionConfig

	mu      sync.Mutex
	current *Session
}

// NewSessionManager creates a session manager.
func NewSessionManager(baseURL string, creds Credentials, hc *http.Client, store SessionStore, cfg SessionConfig) *SessionManager {
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	return &SessionManager{
		baseURL: baseURL,
		creds:   creds,
		hc:      hc,
		store:   store,
		cfg:     cfg,
	}
}

// Ensure returns a validated session. A cached handle is probed with a
// cheap listing call before being trusted; a stale or missing handle
// triggers a retried login. Authentication failure after all retries is
// fatal to the run.
func (m *SessionManager) Ensure(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.ForceRelogin {
		m.cfg.ForceRelogin = false
		m.current = nil
		if err := m.store.Clear(); err != nil {
			return nil, fmt.Errorf("clear session cache: %w", err)
		}
	}

	if m.current != nil {
		return m.current, nil
	}

	if cached, err := m.store.Load(); err != nil {
		return nil, err
	} else if cached != nil {
		if err := m.validate(ctx, cached); err == nil {
			logger.Debug("Reusing cached array session",
				zap.Time("validated_at", cached.ValidatedAt))
			m.current = cached
			return cached, nil
		}
		logger.Info("Cached array session rejected, logging in again")
		_ = m.store.Clear()
	}

	return m.loginLocked(ctx)
}

// Relogin discards the current handle and establishes a fresh one. Used
// once when a 401 surfaces mid-run on an unrelated call.
func (m *SessionManager) Relogin(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = nil
	_ = m.store.Clear()
	return m.loginLocked(ctx)
}

// loginLocked performs the retried login. Caller holds m.mu.
func (m *SessionManager) loginLocked(ctx context.Context) (*Session, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.BackoffBase
	bo.MaxInterval = 2 * time.Minute
	bo.MaxElapsedTime = 0 // bounded by retry count, not wall clock

	var session *Session
	attempt := 0
	op := func() error {
		attempt++
		s, err := m.loginOnce(ctx)
		if err != nil {
			logger.Warn("Array login attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", m.cfg.Retries),
				zap.Error(err),
			)
			return err
		}
		if err := m.validate(ctx, s); err != nil {
			logger.Warn("Array session failed validation probe",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		session = s
		return nil
	}

	err := backoff.Retry(op,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(m.cfg.Retries-1)), ctx))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeArrayAuthFailed,
			fmt.Sprintf("array login failed after %d attempts", attempt), 0)
	}

	session.ValidatedAt = time.Now()
	if err := m.store.Save(session); err != nil {
		// A cache write failure degrades reuse, not the run.
		logger.Warn("Failed to persist array session", zap.Error(err))
	}
	m.current = session
	return session, nil
}

// loginOnce issues one login request and extracts the token header and
// session cookies.
func (m *SessionManager) loginOnce(ctx context.Context) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+loginPath, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(m.creds.User, m.creds.Password)

	resp, err := m.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.New(apperrors.CodeArrayAuthFailed,
			fmt.Sprintf("login returned %d: %s", resp.StatusCode, vendorMessage(body)),
			resp.StatusCode)
	}

	token := resp.Header.Get(TokenHeader)
	if token == "" {
		return nil, apperrors.New(apperrors.CodeArrayTokenMissing,
			"login response carried no "+TokenHeader+" header", resp.StatusCode)
	}

	s := &Session{Token: token}
	for _, c := range resp.Cookies() {
		s.Cookies = append(s.Cookies, SessionCookie{Name: c.Name, Value: c.Value, Path: c.Path})
	}
	return s, nil
}

// validate probes the session against the cheapest listing endpoint.
func (m *SessionManager) validate(ctx context.Context, s *Session) error {
	q := url.Values{}
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		m.baseURL+"/api/rest/volume?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	applySession(req, s)

	resp, err := m.hc.Do(req)
	if err != nil {
		return fmt.Errorf("session probe: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return apperrors.New(apperrors.CodeArraySessionExpired,
			"session probe rejected", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("session probe returned %d", resp.StatusCode)
	}
	return nil
}

// applySession attaches the token header and session cookies to a request.
func applySession(req *http.Request, s *Session) {
	req.Header.Set(TokenHeader, s.Token)
	for _, c := range s.HTTPCookies() {
		req.AddCookie(c)
	}
}
