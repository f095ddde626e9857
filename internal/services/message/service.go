package message

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"

	"threadkx/internal/crypto"
	"threadkx/internal/domain"
	"threadkx/internal/metrics"
)

const headerVersion = 1

// DefaultMaxQueued caps the texts held per thread while its key is missing.
const DefaultMaxQueued = 50

// DeviceSource returns the local device.
type DeviceSource interface {
	Current() (domain.Device, error)
}

// Config configures a Service.
type Config struct {
	Server  domain.ServerClient
	Devices DeviceSource
	Keys    domain.ThreadKeys
	Now     func() time.Time
	Metrics *metrics.Metrics
	Log     slog.Logger

	// MaxQueued is the number of texts a thread without a key may hold.
	MaxQueued int
}

// Service sends and reads secret thread messages.
//
// Messages are sealed with the thread key and a random nonce carried in the
// clear header. Anything that cannot be opened is handed out locked rather
// than as an error, so a thread with a missing key still renders. Texts sent
// before the key arrives are queued and go out once it is set.
type Service struct {
	cfg Config
	log slog.Logger

	mu       sync.Mutex
	queue    map[domain.ThreadID][]queued
	flushing map[domain.ThreadID]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a message Service. Stop must be called to end background
// flushes.
func New(cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = DefaultMaxQueued
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg,
		log:      log,
		queue:    make(map[domain.ThreadID][]queued),
		flushing: make(map[domain.ThreadID]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Stop cancels background flushes and waits for them. Queued texts are
// dropped with the process.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Decrypt opens item with the key of its thread.
func (s *Service) Decrypt(item domain.InboxItem) domain.DecryptedMessage {
	msg := domain.DecryptedMessage{
		MsgID:          item.MsgID,
		ThreadID:       item.ThreadID,
		SenderUserID:   item.SenderUserID,
		SenderDeviceID: item.SenderDeviceID,
		CreatedAt:      item.CreatedAt,
		Locked:         true,
	}

	var h domain.MessageHeader
	if err := json.Unmarshal(item.Header, &h); err != nil || h.Kind != domain.KindMessage {
		s.log.Debugf("Message %s has no usable header", item.MsgID)
		return msg
	}
	key, ok, err := s.cfg.Keys.Get(item.ThreadID)
	if err != nil || !ok {
		return msg
	}
	ct, err := crypto.FromB64(item.Ciphertext)
	if err != nil {
		return msg
	}
	raw := [32]byte(key.Key)
	plain, err := crypto.Open(&raw, h.Nonce, ct)
	if err != nil {
		s.log.Debugf("Unable to open message %s of thread %s: %v", item.MsgID, item.ThreadID, err)
		return msg
	}
	msg.Text = string(plain)
	msg.Locked = false
	return msg
}

// Send encrypts text with the key of threadID and pushes it to every other
// device of the local user and every device of peer. Without a key the text
// is queued and sent once the key is set; the returned id stays the same.
// Texts queue behind earlier ones still waiting, so order is kept.
func (s *Service) Send(
	ctx context.Context,
	threadID domain.ThreadID,
	peer domain.UserID,
	text string,
) (domain.MsgID, error) {
	_, ok, err := s.cfg.Keys.Get(threadID)
	if err != nil {
		return "", err
	}
	if !ok || s.Queued(threadID) > 0 {
		return s.enqueue(threadID, peer, text)
	}
	return s.send(ctx, queued{
		MsgID:     domain.MsgID(uuid.NewString()),
		ThreadID:  threadID,
		Peer:      peer,
		Text:      text,
		CreatedAt: s.cfg.Now().UTC(),
	})
}

func (s *Service) send(ctx context.Context, q queued) (domain.MsgID, error) {
	key, ok, err := s.cfg.Keys.Get(q.ThreadID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("send to thread %s: %w", q.ThreadID, domain.ErrNoThreadKey)
	}
	self, err := s.cfg.Devices.Current()
	if err != nil {
		return "", err
	}
	receivers, err := s.receivers(ctx, self.ID, q.Peer)
	if err != nil {
		return "", err
	}
	if len(receivers) == 0 {
		return "", domain.ErrNoPeerDevices
	}

	raw := [32]byte(key.Key)
	nonce, ct, err := crypto.Seal(&raw, []byte(q.Text))
	if err != nil {
		return "", err
	}
	hb, err := json.Marshal(domain.MessageHeader{V: headerVersion, Kind: domain.KindMessage, Nonce: nonce[:]})
	if err != nil {
		return "", err
	}

	push := domain.ThreadMessagePush{
		ThreadID:          q.ThreadID,
		MsgID:             q.MsgID,
		CreatedAt:         q.CreatedAt,
		Header:            hb,
		Ciphertext:        crypto.B64(ct),
		ContentType:       domain.ContentText,
		SchemaVersion:     domain.SchemaVersion,
		ReceiverDeviceIDs: receivers,
	}
	if err := s.cfg.Server.PushThreadMessage(ctx, push); err != nil {
		return "", fmt.Errorf("push message to thread %s: %w", q.ThreadID, err)
	}
	s.cfg.Metrics.EnvelopesSent(string(domain.KindMessage), len(receivers))
	s.log.Debugf("Sent message %s to %d devices of thread %s", push.MsgID, len(receivers), q.ThreadID)
	return push.MsgID, nil
}

func (s *Service) receivers(ctx context.Context, self domain.DeviceID, peer domain.UserID) ([]domain.DeviceID, error) {
	seen := map[domain.DeviceID]bool{self: true}
	var out []domain.DeviceID

	own, err := s.cfg.Server.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list own devices: %w", err)
	}
	for _, d := range own {
		if d.Active() && !seen[d.ID] {
			seen[d.ID] = true
			out = append(out, d.ID)
		}
	}
	peers, err := s.cfg.Server.ListUserDevices(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("list devices of %s: %w", peer, err)
	}
	for _, b := range peers {
		if !seen[b.DeviceID] {
			seen[b.DeviceID] = true
			out = append(out, b.DeviceID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// History fetches one page of past messages of threadID and decrypts them
// locally. next is empty on the last page.
func (s *Service) History(
	ctx context.Context,
	threadID domain.ThreadID,
	cursor string,
	limit int,
) (msgs []domain.DecryptedMessage, next string, err error) {
	page, err := s.cfg.Server.History(ctx, threadID, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	msgs = make([]domain.DecryptedMessage, 0, len(page.Items))
	for _, item := range page.Items {
		if item.ThreadID == "" {
			item.ThreadID = threadID
		}
		msgs = append(msgs, s.Decrypt(item))
	}
	if page.HasMore {
		next = page.NextCursor
	}
	return msgs, next, nil
}

// Compile-time assertion that Service implements domain.MessageDecrypter.
var _ domain.MessageDecrypter = (*Service)(nil)
