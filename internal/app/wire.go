package app

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/decred/slog"

	"threadkx/internal/metrics"
	"threadkx/internal/relay"
	"threadkx/internal/services/claim"
	"threadkx/internal/services/control"
	"threadkx/internal/services/identity"
	"threadkx/internal/services/inbox"
	"threadkx/internal/services/keypackage"
	"threadkx/internal/services/keyshare"
	"threadkx/internal/services/message"
	"threadkx/internal/services/prekey"
	"threadkx/internal/services/readiness"
	"threadkx/internal/services/session"
	"threadkx/internal/services/threadkey"
	"threadkx/internal/store"
)

const runtimeDBDir = "runtime.db"

// Wire bundles all stores, services, and clients for the CLI.
type Wire struct {
	Config Config

	Relay     *relay.HTTP
	Identity  *identity.Service
	Prekeys   *prekey.Service
	Claims    *claim.Client
	Codec     *keypackage.Codec
	Keys      *threadkey.Store
	Control   *control.Channel
	Readiness *readiness.Machine
	KeyShare  *keyshare.Orchestrator
	Sessions  *session.Engine
	Messages  *message.Service
	Pump      *inbox.Pump
	Metrics   *metrics.Metrics

	runtime *store.RuntimeDB
	keyring *store.Keyring
	logs    *logBackend
	unsub   func()
}

// Logger returns the logger of a subsystem.
func (w *Wire) Logger(subsys string) slog.Logger { return w.logs.logger(subsys) }

// NewWire constructs the dependency graph from cfg.
func NewWire(cfg Config) (*Wire, error) {
	if cfg.Home == "" {
		return nil, fmt.Errorf("home directory not set")
	}
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, err
	}
	stdout := cfg.LogStdout
	if stdout == nil {
		stdout = os.Stdout
	}
	logs, err := newLogBackend(cfg.LogFile, cfg.DebugLevel, stdout)
	if err != nil {
		return nil, err
	}

	// Local stores
	kr := store.NewKeyring(cfg.Passphrase)
	devices := store.NewDeviceFileStore(cfg.Home, kr)
	prekeySecrets := store.NewPrekeyFileStore(cfg.Home, kr)
	threadKeys := store.NewThreadKeyFileStore(cfg.Home, kr)
	rt, err := store.OpenRuntimeDB(filepath.Join(cfg.Home, runtimeDBDir))
	if err != nil {
		logs.Close()
		return nil, err
	}

	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	m := metrics.New()

	// Collaborator client; the device id is known before any bootstrap
	// when an identity already exists.
	rc := relay.NewHTTP(relay.Config{
		BaseURL: cfg.ServerURL,
		Token:   cfg.Token,
		HTTP:    httpClient,
		Log:     logs.logger("RELY"),
	})
	if dev, ok, err := devices.LoadDevice(); err == nil && ok {
		rc.SetDeviceID(dev.ID)
	}

	// High-level services
	prekeySvc := prekey.New(prekey.Config{
		Server:     rc,
		Identities: devices,
		Prekeys:    prekeySecrets,
		BatchSize:  cfg.PrekeyBatch,
		Reserve:    cfg.PrekeyReserve,
		Cooldown:   cfg.PrekeyCooldown,
		Metrics:    m,
		Log:        logs.logger("PKEY"),
	})
	identitySvc := identity.New(identity.Config{
		Server:         rc,
		Store:          devices,
		Prekeys:        prekeySvc,
		Name:           cfg.DeviceName,
		Platform:       cfg.Platform,
		InitialPrekeys: cfg.PrekeyBatch,
		Log:            logs.logger("IDTY"),
	})
	claims := claim.New(claim.Config{
		Server:  rc,
		Metrics: m,
		Log:     logs.logger("CLAM"),
	})
	codec := keypackage.New(keypackage.Config{
		Identities: devices,
		Prekeys:    prekeySecrets,
		Claimer:    claims,
		InfoPrefix: cfg.InfoPrefix,
		Log:        logs.logger("KPKG"),
	})
	keys := threadkey.New(threadkey.Config{
		Keys: threadKeys,
		Log:  logs.logger("TKEY"),
	})
	rdns := readiness.New(readiness.Config{
		Runtime: rt,
		Keys:    keys,
		Log:     logs.logger("RDNS"),
	})
	unsub := keys.Subscribe(rdns.HandleKeyEvent)
	ctl := control.New(control.Config{
		Server:  rc,
		Metrics: m,
		Log:     logs.logger("CTRL"),
	})
	orch := keyshare.New(keyshare.Config{
		Server:    rc,
		Devices:   identitySvc,
		Packager:  codec,
		Keys:      keys,
		Control:   ctl,
		Readiness: rdns,
		Runtime:   rt,
		Metrics:   m,
		Log:       logs.logger("KSHR"),
	})
	sessions := session.New(session.Config{
		Server:    rc,
		Devices:   identitySvc,
		Prekeys:   prekeySvc,
		Keys:      keys,
		KeyShare:  orch,
		Control:   ctl,
		Readiness: rdns,
		Runtime:   rt,
		Log:       logs.logger("SESS"),
	})
	messages := message.New(message.Config{
		Server:  rc,
		Devices: identitySvc,
		Keys:    keys,
		Metrics: m,
		Log:     logs.logger("MSGS"),
	})
	unsubMsgs := keys.Subscribe(messages.HandleKeyEvent)
	unsubAll := func() {
		unsub()
		unsubMsgs()
	}
	pump := inbox.New(inbox.Config{
		Server:    rc,
		Devices:   identitySvc,
		Packager:  codec,
		Keys:      keys,
		KeyShare:  orch,
		Control:   ctl,
		Readiness: rdns,
		Prekeys:   prekeySvc,
		Messages:  messages,
		OnMessage: cfg.OnMessage,
		Interval:  cfg.PumpInterval,
		Batch:     cfg.PumpBatch,
		Metrics:   m,
		Log:       logs.logger("PUMP"),
	})

	return &Wire{
		Config:    cfg,
		Relay:     rc,
		Identity:  identitySvc,
		Prekeys:   prekeySvc,
		Claims:    claims,
		Codec:     codec,
		Keys:      keys,
		Control:   ctl,
		Readiness: rdns,
		KeyShare:  orch,
		Sessions:  sessions,
		Messages:  messages,
		Pump:      pump,
		Metrics:   m,
		runtime:   rt,
		keyring:   kr,
		logs:      logs,
		unsub:     unsubAll,
	}, nil
}

// Close stops background work and releases the stores.
func (w *Wire) Close() error {
	w.unsub()
	w.Sessions.Stop()
	w.KeyShare.Stop()
	w.Messages.Stop()
	w.keyring.Forget()
	err := w.runtime.Close()
	if cerr := w.logs.Close(); err == nil {
		err = cerr
	}
	return err
}
