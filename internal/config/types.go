package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Engine   EngineConfig   `json:"engine"`
	Sessions SessionsConfig `json:"sessions"`
	Dispatch DispatchConfig `json:"dispatch"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	// Path to the SQLite database file.
	Path string `json:"path"`

	// BusyTimeout is a Go duration string (e.g. "5s"). Zero means driver default.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// EngineConfig points at the protocol-engine sidecar.
//
// The sidecar owns the wire protocol and the cryptographic handshake; wacron
// only drives it over a WebSocket JSON-RPC channel.
type EngineConfig struct {
	// URL of the sidecar websocket endpoint, e.g. "ws://127.0.0.1:8780/engine".
	URL string `json:"url"`

	// DialTimeout is a Go duration string. Default "15s".
	DialTimeout string `json:"dial_timeout,omitempty"`

	// DirectSuffix is appended to normalized phone-number targets to form a
	// direct chat id. Default "@s.whatsapp.net".
	DirectSuffix string `json:"direct_suffix,omitempty"`
}

// SessionsConfig tunes per-user session behavior.
type SessionsConfig struct {
	// ReconnectBackoff is the flat delay before re-dialing after an
	// unexpected close. Default "3s".
	ReconnectBackoff string `json:"reconnect_backoff,omitempty"`

	// CredentialDebounce is the coalescing window for credential writes.
	// Default "500ms".
	CredentialDebounce string `json:"credential_debounce,omitempty"`

	// SendRatePerSec caps outbound messages per user. Default 1, burst 5.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
	SendBurst      int `json:"send_burst,omitempty"`
}

type DispatchConfig struct {
	// Timezone is an IANA zone name for cron evaluation. Empty means the
	// host's local timezone.
	Timezone string `json:"timezone,omitempty"`
}

// Validate checks cross-field constraints that strict decoding can't express.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if s := strings.TrimSpace(c.Engine.URL); s == "" {
		return errors.New("engine.url is required")
	} else if u, err := url.Parse(s); err != nil {
		return fmt.Errorf("engine.url: %w", err)
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("engine.url: unsupported scheme %q", u.Scheme)
	}
	if tz := strings.TrimSpace(c.Dispatch.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("dispatch.timezone: %w", err)
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"engine.dial_timeout", c.Engine.DialTimeout},
		{"sessions.reconnect_backoff", c.Sessions.ReconnectBackoff},
		{"sessions.credential_debounce", c.Sessions.CredentialDebounce},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Sessions.SendRatePerSec < 0 {
		return errors.New("sessions.send_rate_per_sec must be >= 0")
	}
	return nil
}
