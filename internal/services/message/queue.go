package message

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"threadkx/internal/domain"
	"threadkx/internal/services/threadkey"
)

// queued is a text waiting for the key of its thread.
type queued struct {
	MsgID     domain.MsgID
	ThreadID  domain.ThreadID
	Peer      domain.UserID
	Text      string
	CreatedAt time.Time
}

func (s *Service) enqueue(threadID domain.ThreadID, peer domain.UserID, text string) (domain.MsgID, error) {
	q := queued{
		MsgID:     domain.MsgID(uuid.NewString()),
		ThreadID:  threadID,
		Peer:      peer,
		Text:      text,
		CreatedAt: s.cfg.Now().UTC(),
	}
	s.mu.Lock()
	if len(s.queue[threadID]) >= s.cfg.MaxQueued {
		s.mu.Unlock()
		return "", fmt.Errorf("send to thread %s: %d texts queued: %w", threadID, s.cfg.MaxQueued, domain.ErrNoThreadKey)
	}
	s.queue[threadID] = append(s.queue[threadID], q)
	n := len(s.queue[threadID])
	s.mu.Unlock()
	s.log.Debugf("Queued message %s until thread %s has a key (%d waiting)", q.MsgID, threadID, n)

	// The key may have landed after Send looked for it.
	if s.cfg.Keys.Has(threadID) {
		s.flushLater(threadID)
	}
	return q.MsgID, nil
}

// Queued returns the number of texts of threadID waiting for its key.
func (s *Service) Queued(threadID domain.ThreadID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue[threadID])
}

// Unqueue drops a waiting text. It reports whether id was still queued.
func (s *Service) Unqueue(threadID domain.ThreadID, id domain.MsgID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(threadID, id)
}

// remove must be called with mu held.
func (s *Service) remove(threadID domain.ThreadID, id domain.MsgID) bool {
	list := s.queue[threadID]
	for i, q := range list {
		if q.MsgID != id {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(s.queue, threadID)
		} else {
			s.queue[threadID] = list
		}
		return true
	}
	return false
}

// Flush sends the queued texts of threadID in order while its key is held.
// The first failure stops the flush and keeps the rest queued. Only one
// flush per thread runs at a time; a concurrent call returns right away.
func (s *Service) Flush(ctx context.Context, threadID domain.ThreadID) (int, error) {
	s.mu.Lock()
	if s.flushing[threadID] {
		s.mu.Unlock()
		return 0, nil
	}
	s.flushing[threadID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.flushing, threadID)
		s.mu.Unlock()
	}()

	sent := 0
	for {
		s.mu.Lock()
		list := s.queue[threadID]
		if len(list) == 0 {
			s.mu.Unlock()
			return sent, nil
		}
		q := list[0]
		s.mu.Unlock()

		if _, err := s.send(ctx, q); err != nil {
			s.log.Warnf("Unable to flush queued message %s of thread %s: %v", q.MsgID, threadID, err)
			return sent, err
		}
		s.mu.Lock()
		s.remove(threadID, q.MsgID)
		s.mu.Unlock()
		sent++
	}
}

// HandleKeyEvent flushes the queue of a thread once its key is set.
func (s *Service) HandleKeyEvent(ev threadkey.Event) {
	if ev.Kind != threadkey.EventSet || s.Queued(ev.ThreadID) == 0 {
		return
	}
	s.flushLater(ev.ThreadID)
}

func (s *Service) flushLater(threadID domain.ThreadID) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		n, err := s.Flush(s.ctx, threadID)
		if err == nil && n > 0 {
			s.log.Debugf("Flushed %d queued messages of thread %s", n, threadID)
		}
	}()
}
