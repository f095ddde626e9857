// Package testutils holds helpers shared by the package tests.
package testutils

import (
	"fmt"
	"sync"
	"testing"

	"github.com/decred/slog"
)

// testLogBackend forwards log lines to t.Log until the test ends.
type testLogBackend struct {
	mtx  sync.Mutex
	tb   testing.TB
	done bool
}

func (b *testLogBackend) Write(p []byte) (int, error) {
	b.mtx.Lock()
	if !b.done && len(p) > 0 {
		b.tb.Log(string(p[:len(p)-1]))
	}
	b.mtx.Unlock()
	return len(p), nil
}

func newTestLogBackend(t testing.TB) *testLogBackend {
	b := &testLogBackend{tb: t}
	t.Cleanup(func() {
		b.mtx.Lock()
		b.done = true
		b.mtx.Unlock()
	})
	return b
}

// TestLoggerSys returns an slog.Logger that logs by issuing t.Log calls.
// Goroutines that outlive the test stop logging once it finishes.
func TestLoggerSys(t testing.TB, sys string) slog.Logger {
	logg := slog.NewBackend(newTestLogBackend(t)).Logger(sys)
	logg.SetLevel(slog.LevelTrace)
	return logg
}

// TestLoggerBackend returns a function that generates loggers for
// subsystems of the named instance, all of which log through t.Log.
func TestLoggerBackend(t testing.TB, name string) func(subsys string) slog.Logger {
	bknd := slog.NewBackend(newTestLogBackend(t))
	return func(subsys string) slog.Logger {
		logg := bknd.Logger(fmt.Sprintf("%7s - %s", name, subsys))
		logg.SetLevel(slog.LevelTrace)
		return logg
	}
}
