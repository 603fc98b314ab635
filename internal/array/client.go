package array

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	apperrors "kv-shepherd.io/storjanitor/internal/pkg/errors"
	"kv-shepherd.io/storjanitor/internal/pkg/logger"
)

// ClientConfig controls the REST client.
type ClientConfig struct {
	BaseURL        string
	InsecureTLS    bool
	RequestTimeout time.Duration
	PageSize       int
	OffsetCeiling  int
}

// Client is the array REST client. All calls go through the session
// manager; a 401 mid-run gets exactly one relogin-and-retry before
// surfacing as an error.
type Client struct {
	cfg      ClientConfig
	hc       *http.Client
	sessions *SessionManager
}

// NewClient builds the REST client and its session manager.
func NewClient(cfg ClientConfig, creds Credentials, store SessionStore, sessionCfg SessionConfig) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if cfg.OffsetCeiling <= 0 {
		cfg.OffsetCeiling = 100000
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	hc := &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
	}

	return &Client{
		cfg:      cfg,
		hc:       hc,
		sessions: NewSessionManager(cfg.BaseURL, creds, hc, store, sessionCfg),
	}
}

// Sessions exposes the session manager (for forced relogin plumbing).
func (c *Client) Sessions() *SessionManager {
	return c.sessions
}

// do issues an authenticated request. On 401 it relogs in once and
// retries; a second 401 surfaces as a session-expired error.
func (c *Client) do(ctx context.Context, method, path string, query url.Values) (int, []byte, error) {
	session, err := c.sessions.Ensure(ctx)
	if err != nil {
		return 0, nil, err
	}

	status, body, err := c.doWith(ctx, session, method, path, query)
	if err != nil {
		return 0, nil, err
	}
	if status != http.StatusUnauthorized {
		return status, body, nil
	}

	logger.Info("Array returned 401 mid-run, reauthenticating once",
		zap.String("path", path))
	session, err = c.sessions.Relogin(ctx)
	if err != nil {
		return 0, nil, err
	}
	status, body, err = c.doWith(ctx, session, method, path, query)
	if err != nil {
		return 0, nil, err
	}
	if status == http.StatusUnauthorized {
		return status, body, apperrors.New(apperrors.CodeArraySessionExpired,
			"array rejected a freshly established session", status)
	}
	return status, body, nil
}

func (c *Client) doWith(ctx context.Context, s *Session, method, path string, query url.Values) (int, []byte, error) {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return 0, nil, err
	}
	applySession(req, s)
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read %s response: %w", path, err)
	}
	return resp.StatusCode, body, nil
}

// FetchAllVolumes walks the volume listing page by page. Pages are
// deduplicated by id because the array does not guarantee strictly
// non-overlapping pages. Terminates on a page with no new ids, a short
// page, or the offset ceiling. Any page failure is fatal: a partial
// listing must never be treated as complete.
func (c *Client) FetchAllVolumes(ctx context.Context) ([]Volume, error) {
	var (
		out    []Volume
		seen   = make(map[string]struct{})
		offset = 0
	)

	for {
		if offset >= c.cfg.OffsetCeiling {
			return nil, apperrors.New(apperrors.CodeArrayOffsetCeiling,
				fmt.Sprintf("listing exceeded offset ceiling %d without terminating", c.cfg.OffsetCeiling), 0)
		}

		page, err := c.fetchPage(ctx, offset)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		newIDs := 0
		for _, v := range page {
			if v.ID == "" {
				continue
			}
			if _, dup := seen[v.ID]; dup {
				continue
			}
			seen[v.ID] = struct{}{}
			out = append(out, v)
			newIDs++
		}

		logger.Debug("Fetched volume page",
			zap.Int("offset", offset),
			zap.Int("page_items", len(page)),
			zap.Int("new_ids", newIDs),
		)

		if newIDs == 0 || len(page) < c.cfg.PageSize {
			break
		}
		offset += len(page)
	}

	logger.Info("Array volume listing complete", zap.Int("volumes", len(out)))
	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, offset int) ([]Volume, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.cfg.PageSize))
	q.Set("offset", strconv.Itoa(offset))

	status, body, err := c.do(ctx, http.MethodGet, "/api/rest/volume", q)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, apperrors.New(apperrors.CodeArrayPageFetchFailed,
			fmt.Sprintf("volume page at offset %d returned %d: %s", offset, status, vendorMessage(body)),
			status)
	}
	return parsePage(body)
}

// parsePage tolerates the observed response envelopes: a bare array,
// an {"items": [...]} wrapper, and a {"content": [...]} wrapper. Anything
// else is fatal rather than silently treated as an empty listing.
func parsePage(body []byte) ([]Volume, error) {
	var bare []Volume
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare, nil
	}

	var wrapped struct {
		Items   []Volume `json:"items"`
		Content []Volume `json:"content"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		if wrapped.Items != nil {
			return wrapped.Items, nil
		}
		if wrapped.Content != nil {
			return wrapped.Content, nil
		}
	}

	return nil, apperrors.Wrap(apperrors.ErrBadResponse, apperrors.CodeArrayBadEnvelope,
		"volume listing has an unrecognized envelope", 0)
}

// GetVolume fetches the per-volume detail record.
func (c *Client) GetVolume(ctx context.Context, id string) (*Volume, error) {
	q := url.Values{}
	q.Set("select", "id,name,state,host_ids,metadata,creation_timestamp")

	status, body, err := c.do(ctx, http.MethodGet, "/api/rest/volume/"+url.PathEscape(id), q)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, apperrors.CodeArrayDetailFailed,
			fmt.Sprintf("volume %s not found", id), status)
	}
	if status < 200 || status >= 300 {
		return nil, apperrors.New(apperrors.CodeArrayDetailFailed,
			fmt.Sprintf("volume %s detail returned %d: %s", id, status, vendorMessage(body)),
			status)
	}

	var v Volume
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeArrayBadEnvelope,
			fmt.Sprintf("volume %s detail is not parseable", id), status)
	}
	return &v, nil
}

// DeleteVolume attempts deletion. The array's own guardrail is the final
// safety authority: a 422 policy refusal is a correct outcome, recorded
// with the vendor's reason, not an error.
func (c *Client) DeleteVolume(ctx context.Context, id string) (*DeletionOutcome, error) {
	outcome := &DeletionOutcome{
		VolumeID:    id,
		AttemptedAt: time.Now(),
	}

	status, body, err := c.do(ctx, http.MethodDelete, "/api/rest/volume/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	outcome.HTTPStatus = status

	switch {
	case status >= 200 && status < 300:
		outcome.Deleted = true
	case status == http.StatusUnprocessableEntity || status == http.StatusConflict:
		outcome.Refused = true
		outcome.VendorMessage = vendorMessage(body)
		logger.Info("Array refused deletion (its guardrail held)",
			zap.String("volume_id", id),
			zap.Int("status", status),
			zap.String("vendor_message", outcome.VendorMessage),
		)
	default:
		return nil, apperrors.New(apperrors.CodeDeleteFailed,
			fmt.Sprintf("delete of %s returned %d: %s", id, status, vendorMessage(body)),
			status)
	}
	return outcome, nil
}
