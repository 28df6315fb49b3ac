package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateChannel(cfg, ve)
	validateSession(cfg, ve)
	validateGateway(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var (
	validLevels    = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validFormats   = map[string]bool{"text": true, "json": true}
	validExporters = map[string]bool{"noop": true, "stdout": true}
	validSchemes   = map[string]bool{"ws": true, "wss": true, "http": true, "https": true}
)

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if !validFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if cfg.Tracer.Enabled && !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}

func validateChannel(cfg *Config, ve *ValidationError) {
	ch := cfg.Channel
	if !ch.Offline() {
		u, err := url.Parse(ch.URL)
		switch {
		case err != nil:
			ve.Add("channel.url %q is not a valid URL", ch.URL)
		case !validSchemes[u.Scheme]:
			ve.Add("channel.url scheme %q is invalid (want: ws, wss, http, https)", u.Scheme)
		case u.Host == "":
			ve.Add("channel.url %q has no host", ch.URL)
		}
	}
	if ch.HeartbeatInterval <= 0 {
		ve.Add("channel.heartbeat_interval must be > 0")
	}
	if ch.JoinTimeout <= 0 {
		ve.Add("channel.join_timeout must be > 0")
	}
	if ch.PushTimeout <= 0 {
		ve.Add("channel.push_timeout must be > 0")
	}
	if ch.SendBuffer <= 0 {
		ve.Add("channel.send_buffer must be > 0")
	}
}

func validateSession(cfg *Config, ve *ValidationError) {
	if cfg.Session.QueueSize <= 0 {
		ve.Add("session.queue_size must be > 0")
	}
	seen := make(map[string]bool, len(cfg.Session.IDs))
	for i, id := range cfg.Session.IDs {
		if strings.TrimSpace(id) == "" {
			ve.Add("session.ids[%d] must not be empty", i)
			continue
		}
		if seen[id] {
			ve.Add("session.ids[%d]: duplicate session id %q", i, id)
		}
		seen[id] = true
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	gw := cfg.Gateway
	if !gw.Enabled {
		return
	}
	if gw.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
	} else if _, _, err := net.SplitHostPort(gw.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", gw.Addr)
	}

	if len(gw.Auth.Tokens) == 0 {
		ve.Add("gateway.auth.tokens must have at least one entry when gateway is enabled (or set %sGATEWAY_TOKEN)", EnvPrefix)
	}
	for i, tok := range gw.Auth.Tokens {
		if tok.Token == "" {
			ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
		}
	}

	rl := gw.RateLimit
	if rl.RequestsPerMin < 0 {
		ve.Add("gateway.rate_limit.requests_per_min must be >= 0")
	}
	if rl.RequestsPerMin > 0 && rl.Burst <= 0 {
		ve.Add("gateway.rate_limit.burst must be > 0 when rate limiting is enabled")
	}
	for i, cidr := range rl.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil && net.ParseIP(cidr) == nil {
			ve.Add("gateway.rate_limit.trusted_proxies[%d] %q is not an IP or CIDR", i, cidr)
		}
	}
}
