package tunnel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kage-kao/VK-Music-Saver/model"
)

const testVless = "vless://uid@127.0.0.1:443?type=tcp&security=none"

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xray")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestSupervisorStartStop(t *testing.T) {
	bin := writeScript(t, "exec sleep 30")
	dir := t.TempDir()
	s := NewSupervisor(bin, dir, 100*time.Millisecond, 2*time.Second)

	port, err := s.Start(context.Background(), "proxy-1", testVless)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if port <= 0 {
		t.Fatalf("port = %d", port)
	}
	if !s.Running("proxy-1") {
		t.Fatal("process should be running")
	}
	configPath := filepath.Join(dir, "proxy-1.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if !strings.Contains(string(data), `"protocol": "socks"`) {
		t.Fatalf("unexpected config: %s", data)
	}

	if err := s.Stop("proxy-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.Running("proxy-1") {
		t.Fatal("process still running after stop")
	}
	if _, err := os.Stat(configPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("config file left behind: %v", err)
	}
	if err := s.Stop("proxy-1"); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestSupervisorEarlyExit(t *testing.T) {
	bin := writeScript(t, "echo 'failed to parse config' >&2\nexit 1")
	s := NewSupervisor(bin, t.TempDir(), time.Second, time.Second)
	_, err := s.Start(context.Background(), "proxy-1", testVless)
	if !errors.Is(err, model.ErrTunnel) {
		t.Fatalf("err = %v, want tunnel error", err)
	}
	if !strings.Contains(err.Error(), "failed to parse config") {
		t.Fatalf("stderr excerpt missing: %v", err)
	}
	if s.Running("proxy-1") {
		t.Fatal("exited process reported running")
	}
}

func TestSupervisorBinaryChecks(t *testing.T) {
	dir := t.TempDir()
	s := NewSupervisor(filepath.Join(dir, "missing"), dir, time.Millisecond, time.Millisecond)
	if _, err := s.Start(context.Background(), "k", testVless); !errors.Is(err, model.ErrTunnel) || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("missing binary err = %v", err)
	}

	plain := filepath.Join(dir, "plain")
	if err := os.WriteFile(plain, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	s = NewSupervisor(plain, dir, time.Millisecond, time.Millisecond)
	if _, err := s.Start(context.Background(), "k", testVless); !errors.Is(err, model.ErrTunnel) || !strings.Contains(err.Error(), "not executable") {
		t.Fatalf("non-executable err = %v", err)
	}

	s = NewSupervisor(writeScript(t, "exec sleep 30"), dir, time.Millisecond, time.Millisecond)
	if _, err := s.Start(context.Background(), "k", "socks5://1.2.3.4:1080"); !errors.Is(err, model.ErrTunnel) {
		t.Fatalf("bad uri err = %v", err)
	}
}

func TestSupervisorKillsStubbornProcess(t *testing.T) {
	bin := writeScript(t, "trap '' TERM\nwhile true; do sleep 1; done")
	s := NewSupervisor(bin, t.TempDir(), 100*time.Millisecond, 200*time.Millisecond)
	if _, err := s.Start(context.Background(), "k", testVless); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = s.Stop("k")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}
	if s.Running("k") {
		t.Fatal("stubborn process survived stop")
	}
}

func TestStopAll(t *testing.T) {
	bin := writeScript(t, "exec sleep 30")
	s := NewSupervisor(bin, t.TempDir(), 50*time.Millisecond, time.Second)
	for _, key := range []string{"a", "b"} {
		if _, err := s.Start(context.Background(), key, testVless); err != nil {
			t.Fatalf("start %s: %v", key, err)
		}
	}
	s.StopAll()
	if s.Running("a") || s.Running("b") {
		t.Fatal("processes survived StopAll")
	}
}
