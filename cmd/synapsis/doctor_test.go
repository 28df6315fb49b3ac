package main

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"synapsis/internal/infra/config"
)

func TestCheckConfigFile(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "synapsis.yaml")
	if err := os.WriteFile(present, []byte("logger:\n  level: info\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		err  error
		want CheckStatus
	}{
		{"missing file", filepath.Join(dir, "none.yaml"), nil, StatusWarn},
		{"load error", present, &config.ValidationError{Errors: []string{"bad"}}, StatusFail},
		{"valid", present, nil, StatusPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := checkConfigFile(tt.path, tt.err)(nil)
			if r.Status != tt.want {
				t.Errorf("status = %s, want %s (%s)", r.Status, tt.want, r.Message)
			}
			if r.Status != StatusPass && r.Fix == "" {
				t.Error("expected a fix suggestion")
			}
		})
	}
}

func TestChecksSkipWithoutConfig(t *testing.T) {
	for _, fn := range []func(*config.Config) CheckResult{checkAgentSocket, checkSessions, checkGatewayAddr} {
		if r := fn(nil); r.Status != StatusWarn {
			t.Errorf("nil config: status = %s", r.Status)
		}
	}
}

func TestCheckAgentSocket(t *testing.T) {
	cfg := config.Defaults()
	if r := checkAgentSocket(cfg); r.Status != StatusWarn {
		t.Errorf("offline: status = %s", r.Status)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	cfg.Channel.URL = "ws://" + ln.Addr().String() + "/socket"
	if r := checkAgentSocket(cfg); r.Status != StatusPass {
		t.Errorf("reachable: status = %s (%s)", r.Status, r.Message)
	}

	addr := ln.Addr().String()
	ln.Close()
	cfg.Channel.URL = "ws://" + addr + "/socket"
	if r := checkAgentSocket(cfg); r.Status != StatusFail {
		t.Errorf("closed port: status = %s", r.Status)
	}
}

func TestDialHost(t *testing.T) {
	tests := map[string]string{
		"ws://localhost:4000/socket":  "localhost:4000",
		"wss://agent.example.com/s":   "agent.example.com:443",
		"https://agent.example.com":   "agent.example.com:443",
		"http://agent.example.com/ws": "agent.example.com:80",
	}
	for raw, want := range tests {
		got, err := dialHost(raw)
		if err != nil {
			t.Fatalf("dialHost(%q): %v", raw, err)
		}
		if got != want {
			t.Errorf("dialHost(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestCheckSessions(t *testing.T) {
	cfg := config.Defaults()
	if r := checkSessions(cfg); r.Status != StatusWarn {
		t.Errorf("nothing to open: status = %s", r.Status)
	}
	cfg.Session.IDs = []string{"a"}
	if r := checkSessions(cfg); r.Status != StatusPass {
		t.Errorf("with ids: status = %s", r.Status)
	}
}

func TestCheckGatewayAddr(t *testing.T) {
	cfg := config.Defaults()
	if r := checkGatewayAddr(cfg); r.Status != StatusPass {
		t.Errorf("disabled: status = %s", r.Status)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg.Gateway.Enabled = true
	cfg.Gateway.Addr = ln.Addr().String()
	if r := checkGatewayAddr(cfg); r.Status != StatusFail {
		t.Errorf("port in use: status = %s", r.Status)
	}
	cfg.Gateway.Addr = "127.0.0.1:0"
	if r := checkGatewayAddr(cfg); r.Status != StatusPass {
		t.Errorf("free port: status = %s (%s)", r.Status, r.Message)
	}
}

func TestRunChecksNamesResults(t *testing.T) {
	results := runChecks([]Check{
		{Name: "one", Fn: func(*config.Config) CheckResult { return CheckResult{Status: StatusPass} }},
		{Name: "two", Fn: func(*config.Config) CheckResult { return CheckResult{Status: StatusFail} }},
	}, nil)
	if len(results) != 2 || results[0].Name != "one" || results[1].Status != StatusFail {
		t.Errorf("results = %+v", results)
	}
}

func TestRunDoctorReportsFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "synapsis.yaml")
	if err := os.WriteFile(path, []byte("session:\n  queue_size: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SYNAPSIS_CONFIG", path)

	var out bytes.Buffer
	if err := runDoctor(&out); err == nil {
		t.Fatal("expected failure for invalid config")
	}
	if !strings.Contains(out.String(), "[FAIL] Config file") {
		t.Errorf("output:\n%s", out.String())
	}
}
