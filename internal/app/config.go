package app

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/vaughan0/go-ini"
	strduration "github.com/xhit/go-str2duration/v2"

	"threadkx/internal/domain"
	"threadkx/internal/protocol/x3dh"
	"threadkx/internal/services/inbox"
	"threadkx/internal/services/prekey"
)

// Config holds runtime wiring options for building the app.
type Config struct {
	Home       string // state directory, e.g. $HOME/.threadkx
	ServerURL  string // collaborator base URL, e.g. http://127.0.0.1:8080
	Token      string // bearer token of the local user
	Passphrase string // unlocks the local key files

	DeviceName string
	Platform   string
	InfoPrefix string

	PrekeyBatch    int
	PrekeyReserve  int
	PrekeyCooldown time.Duration

	PumpInterval time.Duration
	PumpBatch    int

	LogFile    string
	DebugLevel string
	LogStdout  io.Writer // defaults to os.Stdout

	MetricsListen string

	HTTP *http.Client // optional; defaults to a client with a 30s timeout

	// OnMessage receives thread messages pulled by the inbox pump.
	OnMessage func(domain.DecryptedMessage)
}

// DefaultConfig returns the configuration used when nothing else is set.
func DefaultConfig(home string) Config {
	host, _ := os.Hostname()
	return Config{
		Home:           home,
		ServerURL:      "http://127.0.0.1:8080",
		DeviceName:     host,
		Platform:       "cli",
		InfoPrefix:     x3dh.DefaultInfoPrefix,
		PrekeyBatch:    prekey.DefaultBatchSize,
		PrekeyReserve:  prekey.DefaultReserve,
		PrekeyCooldown: prekey.DefaultCooldown,
		PumpInterval:   inbox.DefaultInterval,
		PumpBatch:      inbox.DefaultBatch,
		LogFile:        filepath.Join(home, "logs", "threadkx.log"),
		DebugLevel:     "info",
	}
}

// ConfigPath is the default location of the config file under home.
func ConfigPath(home string) string {
	return filepath.Join(home, "threadkx.conf")
}

// LoadConfigFile overlays the values set in the ini file at path onto cfg.
// A missing file is not an error.
func LoadConfigFile(path string, cfg *Config) error {
	f, err := ini.LoadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	get := func(s *string, section, field string) {
		if v, ok := f.Get(section, field); ok {
			*s = v
		}
	}
	getInt := func(i *int, section, field string) error {
		v, ok := f.Get(section, field)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("[%s] %s: %w", section, field, err)
		}
		*i = n
		return nil
	}
	getPath := func(s *string, section, field string) error {
		v, ok := f.Get(section, field)
		if !ok {
			return nil
		}
		p, err := homedir.Expand(v)
		if err != nil {
			return fmt.Errorf("[%s] %s: %w", section, field, err)
		}
		*s = p
		return nil
	}
	getDuration := func(d *time.Duration, section, field string) error {
		v, ok := f.Get(section, field)
		if !ok {
			return nil
		}
		dur, err := strduration.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("[%s] %s: %w", section, field, err)
		}
		*d = dur
		return nil
	}

	get(&cfg.ServerURL, "server", "url")
	get(&cfg.Token, "server", "token")
	get(&cfg.DeviceName, "device", "name")
	get(&cfg.Platform, "device", "platform")
	get(&cfg.InfoPrefix, "device", "infoprefix")
	get(&cfg.DebugLevel, "log", "debuglevel")
	get(&cfg.MetricsListen, "metrics", "listen")

	return errors.Join(
		getPath(&cfg.LogFile, "log", "logfile"),
		getInt(&cfg.PrekeyBatch, "prekeys", "batch"),
		getInt(&cfg.PrekeyReserve, "prekeys", "reserve"),
		getDuration(&cfg.PrekeyCooldown, "prekeys", "cooldown"),
		getDuration(&cfg.PumpInterval, "pump", "interval"),
		getInt(&cfg.PumpBatch, "pump", "batch"),
	)
}
