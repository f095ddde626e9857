package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/decred/slog"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"threadkx/internal/domain"
)

const (
	// NotifyPath is the websocket endpoint streaming new inbox item signals.
	NotifyPath = "/secret/notify"

	// NotifyEventType is the type of the event sent for a new inbox item.
	NotifyEventType = "secret:notify"

	notifyReadTimeout = 90 * time.Second
	notifyPongTimeout = 10 * time.Second
)

// NotifyEvent is one message of the notify stream.
type NotifyEvent struct {
	Type       string          `json:"type"`
	ToDeviceID domain.DeviceID `json:"toDeviceId,omitempty"`
	MsgID      domain.MsgID    `json:"msgId,omitempty"`
}

// Notifier keeps a websocket open to the notify stream and calls OnNotify
// for every signal addressed to the local device. Signals only shorten the
// wait before the next pull, so lost signals are harmless.
type Notifier struct {
	c        *HTTP
	dialer   *websocket.Dialer
	onNotify func(domain.MsgID)
	log      slog.Logger

	// minBackoff and maxBackoff bound the reconnect delay.
	minBackoff time.Duration
	maxBackoff time.Duration
}

// Notifier returns a notifier that authenticates like c.
func (c *HTTP) Notifier(onNotify func(domain.MsgID)) *Notifier {
	return &Notifier{
		c:          c,
		dialer:     websocket.DefaultDialer,
		onNotify:   onNotify,
		log:        c.log,
		minBackoff: time.Second,
		maxBackoff: time.Minute,
	}
}

// SetBackoff changes the reconnect delay bounds.
func (n *Notifier) SetBackoff(minDelay, maxDelay time.Duration) {
	n.minBackoff, n.maxBackoff = minDelay, maxDelay
}

// Run keeps the stream connected until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = n.minBackoff
	bo.MaxInterval = n.maxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		start := time.Now()
		err := n.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > n.maxBackoff {
			bo.Reset()
		}
		delay := bo.NextBackOff()
		n.log.Debugf("Notify stream closed (%v); reconnecting in %s", err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (n *Notifier) session(ctx context.Context) error {
	hdr := http.Header{}
	n.c.authorize(hdr)
	conn, _, err := n.dialer.DialContext(ctx, wsURL(n.c.base)+NotifyPath, hdr)
	if err != nil {
		return err
	}
	defer conn.Close()
	n.log.Debugf("Notify stream connected")

	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(notifyReadTimeout)) }
	extend()
	conn.SetPingHandler(func(payload string) error {
		extend()
		var netErr net.Error
		err := conn.WriteControl(websocket.PongMessage, []byte(payload),
			time.Now().Add(notifyPongTimeout))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) &&
			!(errors.As(err, &netErr) && netErr.Timeout()) {
			return err
		}
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			_ = conn.Close()
		case <-done:
		}
		return nil
	})
	g.Go(func() error {
		defer close(done)
		me := n.c.DeviceID()
		for {
			var ev NotifyEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return err
			}
			extend()
			if ev.Type != NotifyEventType {
				continue
			}
			if ev.ToDeviceID != "" && me != "" && ev.ToDeviceID != me {
				continue
			}
			n.log.Tracef("Notify %s", ev.MsgID)
			n.onNotify(ev.MsgID)
		}
	})
	return g.Wait()
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
