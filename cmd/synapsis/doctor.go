package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"synapsis/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string
}

// Check is a named health check function. cfg is nil when loading failed.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

const probeTimeout = 3 * time.Second

func runDoctor(out io.Writer) error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Agent socket", Fn: checkAgentSocket},
		{Name: "Sessions", Fn: checkSessions},
		{Name: "Gateway address", Fn: checkGatewayAddr},
	}

	fmt.Fprintln(out, "synapsis doctor")
	fmt.Fprintln(out, strings.Repeat("=", 50))

	results := runChecks(checks, cfg)
	var pass, warn, fail int
	for _, r := range results {
		fmt.Fprintf(out, "  [%s] %s: %s\n", r.Status, r.Name, r.Message)
		if r.Fix != "" {
			fmt.Fprintf(out, "         Fix: %s\n", r.Fix)
		}
		switch r.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}
	fmt.Fprintf(out, "\n%d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func runChecks(checks []Check, cfg *config.Config) []CheckResult {
	results := make([]CheckResult, 0, len(checks))
	for _, c := range checks {
		r := c.Fn(cfg)
		r.Name = c.Name
		results = append(results, r)
	}
	return results
}

func checkConfigFile(path string, loadErr error) func(*config.Config) CheckResult {
	return func(*config.Config) CheckResult {
		if loadErr != nil {
			return CheckResult{Status: StatusFail, Message: loadErr.Error(), Fix: "fix " + path + " or the SYNAPSIS_* variables"}
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return CheckResult{Status: StatusWarn, Message: path + " not found, using defaults", Fix: "create " + path + " or pass --config"}
		}
		return CheckResult{Status: StatusPass, Message: "loaded " + path}
	}
}

func checkAgentSocket(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "skipped, config not loaded"}
	}
	if cfg.Channel.Offline() {
		return CheckResult{Status: StatusWarn, Message: "no channel.url, sessions run offline", Fix: "set channel.url or SYNAPSIS_CHANNEL_URL"}
	}
	host, err := dialHost(cfg.Channel.URL)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	conn, err := net.DialTimeout("tcp", host, probeTimeout)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s unreachable: %v", host, err)}
	}
	conn.Close()
	return CheckResult{Status: StatusPass, Message: host + " reachable"}
}

// dialHost returns host:port for a socket URL, defaulting the port by scheme.
func dialHost(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse channel url: %w", err)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	switch u.Scheme {
	case "wss", "https":
		return net.JoinHostPort(u.Hostname(), "443"), nil
	default:
		return net.JoinHostPort(u.Hostname(), "80"), nil
	}
}

func checkSessions(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "skipped, config not loaded"}
	}
	if len(cfg.Session.IDs) == 0 && !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusWarn, Message: "no session ids and gateway disabled, nothing will be opened", Fix: "set session.ids or enable the gateway"}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d session(s) opened at start", len(cfg.Session.IDs))}
}

func checkGatewayAddr(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "skipped, config not loaded"}
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusPass, Message: "gateway disabled"}
	}
	var lc net.ListenConfig
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	ln, err := lc.Listen(ctx, "tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot bind %s: %v", cfg.Gateway.Addr, err), Fix: "pick a free gateway.addr"}
	}
	ln.Close()
	return CheckResult{Status: StatusPass, Message: cfg.Gateway.Addr + " is free"}
}
