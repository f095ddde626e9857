package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/decred/slog"

	"threadkx/internal/domain"
)

const (
	sendChunkSize = 50
	maxPullLimit  = 200
	maxAckBatch   = 500
)

// Config configures the HTTP client.
type Config struct {
	BaseURL string
	// Token is sent as a bearer token on every request.
	Token string
	HTTP  *http.Client
	Log   slog.Logger
}

// HTTP implements domain.ServerClient over the collaborator's JSON API.
type HTTP struct {
	base  string
	token string
	hc    *http.Client
	log   slog.Logger

	mu       sync.RWMutex
	deviceID domain.DeviceID
}

// NewHTTP returns a client for cfg.BaseURL.
func NewHTTP(cfg Config) *HTTP {
	hc := cfg.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &HTTP{
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		token: cfg.Token,
		hc:    hc,
		log:   log,
	}
}

// SetDeviceID selects the device subsequent calls act as.
func (c *HTTP) SetDeviceID(id domain.DeviceID) {
	c.mu.Lock()
	c.deviceID = id
	c.mu.Unlock()
}

// DeviceID returns the currently selected device.
func (c *HTTP) DeviceID() domain.DeviceID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

func (c *HTTP) RegisterDevice(ctx context.Context, req domain.RegisterDeviceRequest) error {
	err := c.do(ctx, http.MethodPost, "/devices/register", nil, req, nil)
	return remapStatus(err, http.StatusConflict, domain.ErrDeviceConflict)
}

func (c *HTTP) ListDevices(ctx context.Context) ([]domain.DeviceInfo, error) {
	var out struct {
		Devices []domain.DeviceInfo `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/devices", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

func (c *HTTP) PublishPrekeys(ctx context.Context, deviceID domain.DeviceID, prekeys []domain.OnePrekeyPublic) error {
	in := struct {
		Prekeys []domain.OnePrekeyPublic `json:"prekeys"`
	}{Prekeys: prekeys}
	return c.do(ctx, http.MethodPost, "/devices/"+url.PathEscape(string(deviceID))+"/prekeys", nil, in, nil)
}

func (c *HTTP) ClaimPrekey(ctx context.Context, deviceID domain.DeviceID) (domain.ClaimedPrekey, error) {
	in := struct {
		DeviceID domain.DeviceID `json:"deviceId"`
	}{DeviceID: deviceID}
	var out domain.ClaimedPrekey
	err := c.do(ctx, http.MethodPost, "/e2ee/prekeys/claim", nil, in, &out)
	if err != nil {
		return domain.ClaimedPrekey{}, remapStatus(err, http.StatusNotFound, domain.ErrNoPrekeysAvailable)
	}
	return out, nil
}

func (c *HTTP) ListUserDevices(ctx context.Context, userID domain.UserID) ([]domain.DeviceBundle, error) {
	var out struct {
		UserID  domain.UserID         `json:"userId"`
		Bundles []domain.DeviceBundle `json:"bundles"`
	}
	q := url.Values{"userId": {string(userID)}}
	if err := c.do(ctx, http.MethodGet, "/e2ee/prekeys/bundles", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Bundles, nil
}

// SendEnvelopes submits envs in chunks. Results of chunks sent before a
// failure are returned along with the error.
func (c *HTTP) SendEnvelopes(ctx context.Context, envs []domain.Envelope) ([]domain.SendResult, error) {
	results := make([]domain.SendResult, 0, len(envs))
	for start := 0; start < len(envs); start += sendChunkSize {
		end := min(start+sendChunkSize, len(envs))
		in := struct {
			Messages []domain.Envelope `json:"messages"`
		}{Messages: envs[start:end]}
		var out struct {
			Delivery string              `json:"delivery"`
			Results  []domain.SendResult `json:"results"`
		}
		if err := c.do(ctx, http.MethodPost, "/secret/send", nil, in, &out); err != nil {
			return results, err
		}
		results = append(results, out.Results...)
	}
	return results, nil
}

func (c *HTTP) PullInbox(ctx context.Context, limit int) ([]domain.InboxItem, error) {
	limit = max(1, min(limit, maxPullLimit))
	var out struct {
		DeviceID domain.DeviceID    `json:"deviceId"`
		Delivery string             `json:"delivery"`
		Messages []domain.InboxItem `json:"messages"`
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if err := c.do(ctx, http.MethodGet, "/secret/inbox/pull", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *HTTP) AckInbox(ctx context.Context, ids []domain.MsgID) (int, error) {
	acked := 0
	for start := 0; start < len(ids); start += maxAckBatch {
		end := min(start+maxAckBatch, len(ids))
		in := struct {
			MsgIDs []domain.MsgID `json:"msgIds"`
		}{MsgIDs: ids[start:end]}
		var out struct {
			Acked int `json:"acked"`
		}
		if err := c.do(ctx, http.MethodPost, "/secret/inbox/ack", nil, in, &out); err != nil {
			return acked, err
		}
		acked += out.Acked
	}
	return acked, nil
}

func (c *HTTP) History(ctx context.Context, threadID domain.ThreadID, cursor string, limit int) (domain.HistoryPage, error) {
	q := url.Values{"threadId": {string(threadID)}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out domain.HistoryPage
	if err := c.do(ctx, http.MethodGet, "/secret/history", q, nil, &out); err != nil {
		return domain.HistoryPage{}, err
	}
	return out, nil
}

func (c *HTTP) PushThreadMessage(ctx context.Context, msg domain.ThreadMessagePush) error {
	return c.do(ctx, http.MethodPost, "/secret/messages/push", nil, msg, nil)
}

func (c *HTTP) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	// Inbox reads must never be answered from a cache.
	req.Header.Set("Cache-Control", "no-store")
	c.authorize(req.Header)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: relay %s %s: %w", domain.ErrNetwork, strings.ToLower(method), path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		serr := newStatusError(method, path, resp)
		c.log.Debugf("%v", serr)
		return serr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: relay %s %s: decode: %w", domain.ErrServerRejected, strings.ToLower(method), path, err)
	}
	return nil
}

func (c *HTTP) authorize(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	if dev := c.DeviceID(); dev != "" {
		h.Set("X-Device-Id", string(dev))
	}
}

var _ domain.ServerClient = (*HTTP)(nil)
