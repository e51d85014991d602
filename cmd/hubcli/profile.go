package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"gitlab.com/techviking/signalr/v3"
)

type fileProfile struct {
	URL              string            `toml:"url"`
	Transport        string            `toml:"transport"`
	Headers          map[string]string `toml:"headers"`
	SkipNegotiation  bool              `toml:"skip_negotiation"`
	HandshakeTimeout string            `toml:"handshake_timeout"`
	KeepAlive        string            `toml:"keep_alive"`
	ServerTimeout    string            `toml:"server_timeout"`
	InvokeTimeout    string            `toml:"invocation_timeout"`
}

// loadProfile reads a connection profile from path and applies every key it
// defines on top of cfg.
func loadProfile(path string, cfg signalr.Config) (signalr.Config, error) {
	var raw fileProfile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return signalr.Config{}, fmt.Errorf("load profile: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) != 0 {
		return signalr.Config{}, fmt.Errorf("load profile: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("url") {
		u := strings.TrimSpace(raw.URL)
		c, err := signalr.WithURL(u, cfg.Transport)
		if err != nil {
			return signalr.Config{}, fmt.Errorf("parse url: %w", err)
		}
		cfg.ConnectionURL = c.ConnectionURL
	}
	if meta.IsDefined("transport") {
		cfg.Transport = signalr.TransportType(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("headers") {
		if cfg.RequestHeaders == nil {
			cfg.RequestHeaders = make(http.Header)
		}
		for k, v := range raw.Headers {
			cfg.RequestHeaders.Set(k, v)
		}
	}
	if meta.IsDefined("skip_negotiation") {
		cfg.SkipNegotiation = raw.SkipNegotiation
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"keep_alive", raw.KeepAlive, &cfg.KeepAliveInterval},
		{"server_timeout", raw.ServerTimeout, &cfg.ServerTimeout},
		{"invocation_timeout", raw.InvokeTimeout, &cfg.InvocationTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return signalr.Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return cfg, nil
}
