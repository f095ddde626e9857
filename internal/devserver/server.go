package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"

	"threadkx/internal/domain"
	"threadkx/internal/relay"
)

const (
	defaultPullLimit    = 100
	defaultHistoryLimit = 50
	pingInterval        = 30 * time.Second
	writeTimeout        = 10 * time.Second
)

// Config configures a Server.
type Config struct {
	Now func() time.Time
	Log slog.Logger
}

type deviceRecord struct {
	user    domain.UserID
	info    domain.DeviceInfo
	prekeys []domain.OnePrekeyPublic
}

type queued struct {
	item    domain.InboxItem
	expires time.Time
}

type subscriber struct {
	device domain.DeviceID
	events chan relay.NotifyEvent
}

type claimFault struct {
	status int
	left   int
}

// memoryStore is the whole server state.
type memoryStore struct {
	mu      sync.Mutex
	devices map[domain.DeviceID]*deviceRecord
	inbox   map[domain.DeviceID][]queued
	seen    map[domain.DeviceID]map[domain.MsgID]bool
	history map[domain.ThreadID][]domain.InboxItem
	faults  map[domain.DeviceID]*claimFault
	subs    map[int]subscriber
	nextSub int
}

// Server is an in-memory collaborator server for local runs and tests.
// Requests are identified by "Authorization: Bearer <userId>" and the
// X-Device-Id header.
type Server struct {
	cfg      Config
	log      slog.Logger
	ms       memoryStore
	upgrader websocket.Upgrader
}

// New returns an empty server.
func New(cfg Config) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Server{
		cfg: cfg,
		log: log,
		ms: memoryStore{
			devices: make(map[domain.DeviceID]*deviceRecord),
			inbox:   make(map[domain.DeviceID][]queued),
			seen:    make(map[domain.DeviceID]map[domain.MsgID]bool),
			history: make(map[domain.ThreadID][]domain.InboxItem),
			faults:  make(map[domain.DeviceID]*claimFault),
			subs:    make(map[int]subscriber),
		},
	}
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /devices/register", s.handleRegister)
	mux.HandleFunc("GET /devices", s.handleListDevices)
	mux.HandleFunc("POST /devices/{id}/prekeys", s.handlePublish)
	mux.HandleFunc("POST /e2ee/prekeys/claim", s.handleClaim)
	mux.HandleFunc("GET /e2ee/prekeys/bundles", s.handleBundles)
	mux.HandleFunc("POST /secret/send", s.handleSend)
	mux.HandleFunc("GET /secret/inbox/pull", s.handlePull)
	mux.HandleFunc("POST /secret/inbox/ack", s.handleAck)
	mux.HandleFunc("POST /secret/messages/push", s.handlePush)
	mux.HandleFunc("GET /secret/history", s.handleHistory)
	mux.HandleFunc("GET "+relay.NotifyPath, s.handleNotify)
	return s.accessLog(mux)
}

// FailClaims makes the next n claims against dev fail with status.
func (s *Server) FailClaims(dev domain.DeviceID, status, n int) {
	s.ms.mu.Lock()
	s.ms.faults[dev] = &claimFault{status: status, left: n}
	s.ms.mu.Unlock()
}

// DrainPrekeys drops every published prekey of dev.
func (s *Server) DrainPrekeys(dev domain.DeviceID) {
	s.ms.mu.Lock()
	if rec, ok := s.ms.devices[dev]; ok {
		rec.prekeys = nil
	}
	s.ms.mu.Unlock()
}

// RevokeDevice marks dev as revoked.
func (s *Server) RevokeDevice(dev domain.DeviceID) {
	now := s.cfg.Now().UTC()
	s.ms.mu.Lock()
	if rec, ok := s.ms.devices[dev]; ok {
		rec.info.RevokedAt = &now
	}
	s.ms.mu.Unlock()
}

// AvailablePrekeys returns how many prekeys of dev can still be claimed.
func (s *Server) AvailablePrekeys(dev domain.DeviceID) int {
	s.ms.mu.Lock()
	defer s.ms.mu.Unlock()
	if rec, ok := s.ms.devices[dev]; ok {
		return len(rec.prekeys)
	}
	return 0
}

// Pending returns the inbox of dev.
func (s *Server) Pending(dev domain.DeviceID) []domain.InboxItem {
	s.ms.mu.Lock()
	defer s.ms.mu.Unlock()
	out := make([]domain.InboxItem, 0, len(s.ms.inbox[dev]))
	for _, q := range s.ms.inbox[dev] {
		out = append(out, q.item)
	}
	return out
}

// Drop removes msgID from the inbox of dev without it being acknowledged,
// as a lossy network would.
func (s *Server) Drop(dev domain.DeviceID, msgID domain.MsgID) {
	s.ms.mu.Lock()
	defer s.ms.mu.Unlock()
	s.removeLocked(dev, []domain.MsgID{msgID})
}

type caller struct {
	user   domain.UserID
	device domain.DeviceID
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, needDevice bool) (caller, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return caller{}, false
	}
	c := caller{user: domain.UserID(token), device: domain.DeviceID(r.Header.Get("X-Device-Id"))}
	if !needDevice {
		return c, true
	}
	if c.device == "" {
		writeError(w, http.StatusBadRequest, "missing X-Device-Id")
		return caller{}, false
	}
	s.ms.mu.Lock()
	rec, ok := s.ms.devices[c.device]
	s.ms.mu.Unlock()
	if !ok || rec.user != c.user {
		writeError(w, http.StatusForbidden, "device not registered to caller")
		return caller{}, false
	}
	return c, true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	c, ok := s.authenticate(w, r, false)
	if !ok {
		return
	}
	var req domain.RegisterDeviceRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.DeviceID == "" || req.PublicKey.IsZero() {
		writeError(w, http.StatusBadRequest, "deviceId and publicKey are required")
		return
	}

	s.ms.mu.Lock()
	rec, exists := s.ms.devices[req.DeviceID]
	if exists && rec.user != c.user {
		s.ms.mu.Unlock()
		writeError(w, http.StatusConflict, "device belongs to another user")
		return
	}
	if !exists {
		rec = &deviceRecord{user: c.user}
		s.ms.devices[req.DeviceID] = rec
	}
	rec.info.ID = req.DeviceID
	rec.info.Name = req.Name
	rec.info.Platform = req.Platform
	rec.info.PublicKey = req.PublicKey
	rec.info.RevokedAt = nil
	rec.prekeys = append(rec.prekeys, req.Prekeys...)
	s.ms.mu.Unlock()

	s.log.Debugf("Registered device %s of %s (%d prekeys)", req.DeviceID, c.user, len(req.Prekeys))
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	c, ok := s.authenticate(w, r, false)
	if !ok {
		return
	}
	s.ms.mu.Lock()
	var out []domain.DeviceInfo
	for _, rec := range s.ms.devices {
		if rec.user == c.user {
			info := rec.info
			info.AvailablePrekeys = len(rec.prekeys)
			out = append(out, info)
		}
	}
	s.ms.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, map[string]any{"devices": out})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	c, ok := s.authenticate(w, r, false)
	if !ok {
		return
	}
	var in struct {
		Prekeys []domain.OnePrekeyPublic `json:"prekeys"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	dev := domain.DeviceID(r.PathValue("id"))

	s.ms.mu.Lock()
	defer s.ms.mu.Unlock()
	rec, ok := s.ms.devices[dev]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	if rec.user != c.user {
		writeError(w, http.StatusForbidden, "device not registered to caller")
		return
	}
	rec.prekeys = append(rec.prekeys, in.Prekeys...)
	writeJSON(w, map[string]any{"available": len(rec.prekeys)})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r, false); !ok {
		return
	}
	var in struct {
		DeviceID domain.DeviceID `json:"deviceId"`
	}
	if !readJSON(w, r, &in) {
		return
	}

	s.ms.mu.Lock()
	defer s.ms.mu.Unlock()
	if f, ok := s.ms.faults[in.DeviceID]; ok && f.left > 0 {
		f.left--
		writeError(w, f.status, "injected failure")
		return
	}
	rec, ok := s.ms.devices[in.DeviceID]
	if !ok || rec.info.RevokedAt != nil || len(rec.prekeys) == 0 {
		writeError(w, http.StatusNotFound, "no prekeys available")
		return
	}
	pk := rec.prekeys[0]
	rec.prekeys = rec.prekeys[1:]
	writeJSON(w, domain.ClaimedPrekey{
		DeviceID:    in.DeviceID,
		IdentityKey: rec.info.PublicKey,
		Prekey:      pk,
	})
}

func (s *Server) handleBundles(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r, false); !ok {
		return
	}
	user := domain.UserID(r.URL.Query().Get("userId"))
	s.ms.mu.Lock()
	bundles := []domain.DeviceBundle{}
	for id, rec := range s.ms.devices {
		if rec.user != user || rec.info.RevokedAt != nil {
			continue
		}
		bundles = append(bundles, domain.DeviceBundle{
			DeviceID:          id,
			IdentityPublicKey: rec.info.PublicKey,
			AvailablePrekeys:  len(rec.prekeys),
		})
	}
	s.ms.mu.Unlock()
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].DeviceID < bundles[j].DeviceID })
	writeJSON(w, map[string]any{"userId": user, "bundles": bundles})
}

// enqueueLocked stores item for dev unless dev already received its id.
func (s *Server) enqueueLocked(dev domain.DeviceID, item domain.InboxItem, ttl time.Duration) bool {
	seen := s.ms.seen[dev]
	if seen == nil {
		seen = make(map[domain.MsgID]bool)
		s.ms.seen[dev] = seen
	}
	if seen[item.MsgID] {
		return false
	}
	seen[item.MsgID] = true
	q := queued{item: item}
	if ttl > 0 {
		q.expires = s.cfg.Now().Add(ttl)
	}
	s.ms.inbox[dev] = append(s.ms.inbox[dev], q)
	s.notifyLocked(dev, item.MsgID)
	return true
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	c, ok := s.authenticate(w, r, true)
	if !ok {
		return
	}
	var in struct {
		Messages []domain.Envelope `json:"messages"`
	}
	if !readJSON(w, r, &in) {
		return
	}

	s.ms.mu.Lock()
	results := make([]domain.SendResult, 0, len(in.Messages))
	for _, env := range in.Messages {
		res := domain.SendResult{MsgID: env.MsgID, ToDeviceID: env.ToDeviceID}
		if _, ok := s.ms.devices[env.ToDeviceID]; !ok || env.MsgID == "" {
			results = append(results, res)
			continue
		}
		item := domain.InboxItem{
			MsgID:          env.MsgID,
			SenderUserID:   c.user,
			SenderDeviceID: c.device,
			CreatedAt:      env.CreatedAt,
			Header:         env.Header,
			Ciphertext:     env.Ciphertext,
			ContentType:    env.ContentType,
			SchemaVersion:  env.SchemaVersion,
		}
		res.Inserted = s.enqueueLocked(env.ToDeviceID, item, time.Duration(env.TTLSeconds)*time.Second)
		res.SkippedSeen = !res.Inserted
		results = append(results, res)
	}
	s.ms.mu.Unlock()
	writeJSON(w, map[string]any{"delivery": "inbox", "results": results})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	c, ok := s.authenticate(w, r, true)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultPullLimit
	}

	now := s.cfg.Now()
	s.ms.mu.Lock()
	live := s.ms.inbox[c.device][:0]
	for _, q := range s.ms.inbox[c.device] {
		if q.expires.IsZero() || now.Before(q.expires) {
			live = append(live, q)
		}
	}
	s.ms.inbox[c.device] = live
	items := make([]domain.InboxItem, 0, min(limit, len(live)))
	for _, q := range live {
		if len(items) == limit {
			break
		}
		items = append(items, q.item)
	}
	s.ms.mu.Unlock()

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, map[string]any{"deviceId": c.device, "delivery": "inbox", "messages": items})
}

func (s *Server) removeLocked(dev domain.DeviceID, ids []domain.MsgID) int {
	drop := make(map[domain.MsgID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.ms.inbox[dev][:0]
	removed := 0
	for _, q := range s.ms.inbox[dev] {
		if drop[q.item.MsgID] {
			removed++
			continue
		}
		kept = append(kept, q)
	}
	s.ms.inbox[dev] = kept
	return removed
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	c, ok := s.authenticate(w, r, true)
	if !ok {
		return
	}
	var in struct {
		MsgIDs []domain.MsgID `json:"msgIds"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	s.ms.mu.Lock()
	n := s.removeLocked(c.device, in.MsgIDs)
	s.ms.mu.Unlock()
	writeJSON(w, map[string]any{"acked": n})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	c, ok := s.authenticate(w, r, true)
	if !ok {
		return
	}
	var msg domain.ThreadMessagePush
	if !readJSON(w, r, &msg) {
		return
	}
	if msg.ThreadID == "" || msg.MsgID == "" {
		writeError(w, http.StatusBadRequest, "threadId and msgId are required")
		return
	}
	item := domain.InboxItem{
		MsgID:          msg.MsgID,
		ThreadID:       msg.ThreadID,
		SenderUserID:   c.user,
		SenderDeviceID: c.device,
		CreatedAt:      msg.CreatedAt,
		Header:         msg.Header,
		Ciphertext:     msg.Ciphertext,
		ContentType:    msg.ContentType,
		SchemaVersion:  msg.SchemaVersion,
	}

	s.ms.mu.Lock()
	s.ms.history[msg.ThreadID] = append(s.ms.history[msg.ThreadID], item)
	for _, dev := range msg.ReceiverDeviceIDs {
		if _, ok := s.ms.devices[dev]; ok {
			s.enqueueLocked(dev, item, 0)
		}
	}
	s.ms.mu.Unlock()
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r, false); !ok {
		return
	}
	q := r.URL.Query()
	thread := domain.ThreadID(q.Get("threadId"))
	start, _ := strconv.Atoi(q.Get("cursor"))
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultHistoryLimit
	}

	s.ms.mu.Lock()
	all := s.ms.history[thread]
	start = max(0, min(start, len(all)))
	end := min(start+limit, len(all))
	page := domain.HistoryPage{Items: append([]domain.InboxItem{}, all[start:end]...)}
	if end < len(all) {
		page.HasMore = true
		page.NextCursor = strconv.Itoa(end)
	}
	s.ms.mu.Unlock()
	writeJSON(w, page)
}

func (s *Server) notifyLocked(dev domain.DeviceID, id domain.MsgID) {
	ev := relay.NotifyEvent{Type: relay.NotifyEventType, ToDeviceID: dev, MsgID: id}
	for _, sub := range s.ms.subs {
		if sub.device != dev {
			continue
		}
		select {
		case sub.events <- ev:
		default:
		}
	}
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	c, ok := s.authenticate(w, r, true)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugf("Notify upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := subscriber{device: c.device, events: make(chan relay.NotifyEvent, 16)}
	s.ms.mu.Lock()
	id := s.ms.nextSub
	s.ms.nextSub++
	s.ms.subs[id] = sub
	s.ms.mu.Unlock()
	defer func() {
		s.ms.mu.Lock()
		delete(s.ms.subs, id)
		s.ms.mu.Unlock()
	}()

	// The read loop only exists to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev := <-sub.events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				return
			}
		}
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
