package main

import (
	"bytes"
	"testing"
	"time"

	"pkt.systems/kolabd"
	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("KOLABD_CONFIG_DIR", t.TempDir())
	cmd := newRootCommand(pslog.NoopLogger())
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(pslog.NoopLogger())
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--store", "mem://"}, want: true},
		{name: "root flag with equals", args: []string{"--udp=6000"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "subcommand", args: []string{"client", "tasks", "alice"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "version"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown long before subcommand", args: []string{"--bogus", "config", "gen"}, want: false},
		{name: "stray positional", args: []string{"serve"}, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := invocationTargetsRootCommand(root, tc.args); got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestBindConfigFromFlags(t *testing.T) {
	t.Setenv("KOLABD_CONFIG_DIR", t.TempDir())
	root := newRootCommand(pslog.NoopLogger())
	err := root.ParseFlags([]string{
		"--bind", "127.0.0.1",
		"--udp", "6001",
		"--tcp", "6002",
		"--timeout", "400",
		"--store", "mem://",
		"--audit-log", "",
		"--max-line", "1KiB",
		"--connguard-failure-threshold", "3",
		"--storage-retry-attempts", "7",
	})
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	var cfg kolabd.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.Bind != "127.0.0.1" || cfg.UDPPort != 6001 || cfg.TCPPort != 6002 {
		t.Fatalf("unexpected addresses %+v", cfg)
	}
	if cfg.Timeout != 400*time.Millisecond {
		t.Fatalf("timeout = %s", cfg.Timeout)
	}
	if !cfg.AuditLogSet || cfg.AuditLog != "" {
		t.Fatalf("expected explicitly disabled audit log, got %q set=%v", cfg.AuditLog, cfg.AuditLogSet)
	}
	if cfg.MaxLineBytes != 1024 {
		t.Fatalf("max line = %d", cfg.MaxLineBytes)
	}
	if !cfg.ConnguardEnabled || cfg.ConnguardFailureThreshold != 3 || cfg.StorageRetryMaxAttempts != 7 {
		t.Fatalf("unexpected tunables %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestBindConfigDefaults(t *testing.T) {
	t.Setenv("KOLABD_CONFIG_DIR", t.TempDir())
	root := newRootCommand(pslog.NoopLogger())
	if err := root.ParseFlags(nil); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	var cfg kolabd.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.UDPPort != kolabd.DefaultUDPPort || cfg.TCPPort != kolabd.DefaultTCPPort {
		t.Fatalf("unexpected default ports %d/%d", cfg.UDPPort, cfg.TCPPort)
	}
	if cfg.Timeout != kolabd.DefaultTimeout {
		t.Fatalf("timeout = %s", cfg.Timeout)
	}
	if cfg.AuditLogSet {
		t.Fatal("audit log should not be marked as set by default")
	}
	if cfg.MaxLineBytes != kolabd.DefaultMaxLineBytes {
		t.Fatalf("max line = %d", cfg.MaxLineBytes)
	}
}

func TestBindConfigRejectsBadValues(t *testing.T) {
	cases := map[string][]string{
		"timeout":  {"--timeout", "0"},
		"max-line": {"--max-line", "lots"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("KOLABD_CONFIG_DIR", t.TempDir())
			root := newRootCommand(pslog.NoopLogger())
			if err := root.ParseFlags(args); err != nil {
				t.Fatalf("parse flags: %v", err)
			}
			var cfg kolabd.Config
			if err := bindConfig(&cfg); err == nil {
				t.Fatalf("expected error for %v", args)
			}
		})
	}
}

func TestRootRejectsInvalidLogLevel(t *testing.T) {
	_, _, err := executeRootCommand(t, "--store", "mem://", "--log-level", "loud")
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
}
