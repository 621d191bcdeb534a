package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "rotor version") {
		t.Errorf("expected version output, got %q", out.String())
	}
}

func TestValidateCommand_ReportsDeadProxy(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	dead := ln.Addr().String()
	_ = ln.Close()

	proxies := filepath.Join(dir, "proxies.txt")
	if err := os.WriteFile(proxies, []byte("http://"+dead+"\n"), 0o644); err != nil {
		t.Fatalf("write proxies: %v", err)
	}
	cfgFile := filepath.Join(dir, "rotor.yaml")
	cfg := "fetch:\n  fingerprint: go\nvalidation:\n  timeout: 2s\n  urls:\n    - http://example.invalid/\n"
	if err := os.WriteFile(cfgFile, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--config", cfgFile, "--proxies", proxies, "--log-level", "error"})

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "Proxies: 1 total, 0 working, 1 dead") {
		t.Errorf("expected dead proxy in report, got:\n%s", out.String())
	}
}

func TestRunCommand_NoTargets(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	proxies := filepath.Join(dir, "proxies.txt")
	if err := os.WriteFile(proxies, []byte("127.0.0.1:1080\n"), 0o644); err != nil {
		t.Fatalf("write proxies: %v", err)
	}

	cmd := newRootCmd()
	cmd.SetArgs([]string{"run", "--proxies", proxies, "--skip-validation", "--storage", "none"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error when no targets are given")
	}
}
