// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/bpagent/lib/bpv7"
	"github.com/bureau-foundation/bpagent/lib/cla"
	"github.com/bureau-foundation/bpagent/lib/config"
	"github.com/bureau-foundation/bpagent/lib/process"
	"github.com/bureau-foundation/bpagent/lib/testutil"
)

// testConfig returns a node 100 configuration rooted in dir with one
// channel (id 1, ipn:100.1) sending to destination through a socket.
func testConfig(t *testing.T, dir string, destination bpv7.EID) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node = 100
	cfg.Paths.Root = dir
	cfg.Paths.State = filepath.Join(dir, "state")
	cfg.Pool.Capacity = 1024
	cfg.Queue.MaintenanceInterval = 20 * time.Millisecond
	cfg.Storage.Path = filepath.Join(dir, "state", "bundles.db")
	cfg.Channels = []config.ChannelConfig{{
		ID:          1,
		Local:       bpv7.IPN(100, 1),
		Destination: destination,
		Lifetime:    time.Hour,
		Socket:      filepath.Join(dir, "app.sock"),
	}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	return cfg
}

// startDaemon runs a daemon until the returned stop function is
// called or the test ends.
func startDaemon(t *testing.T, cfg *config.Config) (*daemon, func()) {
	t.Helper()
	d, err := newDaemon(cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()
	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		if err := testutil.RequireReceive(t, done, 10*time.Second, "waiting for daemon"); err != nil {
			t.Errorf("run: %v", err)
		}
	}
	t.Cleanup(stop)
	return d, stop
}

func dialSocket(t *testing.T, path string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second)) //nolint:realclock test deadline
	return conn
}

func TestDaemonLoopsApplicationData(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), bpv7.IPN(100, 1))
	startDaemon(t, cfg)

	conn := dialSocket(t, cfg.Channels[0].Socket)
	if err := cla.WriteFrame(conn, []byte("housekeeping")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	buf := make([]byte, 64)
	n, err := cla.ReadFrame(conn, buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(buf[:n]) != "housekeeping" {
		t.Errorf("delivered %q", buf[:n])
	}
}

func waitForStored(t *testing.T, d *daemon, want int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second) //nolint:realclock test deadline
	for {
		count, err := d.store.Count(context.Background())
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if count == want {
			return
		}
		if time.Now().After(deadline) { //nolint:realclock test deadline
			t.Fatalf("store holds %d bundles, want %d", count, want)
		}
		time.Sleep(10 * time.Millisecond) //nolint:realclock polling
	}
}

func TestDaemonForwardsStoredBundlesAfterRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, bpv7.IPN(200, 1))
	cfg.Contacts = []config.ContactConfig{{
		ID:           1,
		Destinations: []bpv7.Pattern{{NodeMin: 200, NodeMax: 200, ServiceMax: ^uint64(0)}},
		Listen:       "127.0.0.1:0",
	}}

	// No peer is connected: the bundle waits in storage.
	first, stop := startDaemon(t, cfg)
	conn := dialSocket(t, cfg.Channels[0].Socket)
	if err := cla.WriteFrame(conn, []byte("for the orbiter")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	waitForStored(t, first, 1)
	stop()

	second, _ := startDaemon(t, cfg)
	waitForStored(t, second, 1)

	peer, err := net.Dial("tcp", second.links[0].listener.Address())
	if err != nil {
		t.Fatalf("Dial contact: %v", err)
	}
	defer peer.Close()
	peer.SetDeadline(time.Now().Add(10 * time.Second)) //nolint:realclock test deadline
	buf := make([]byte, 1024)
	n, err := cla.ReadFrame(peer, buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Contains(buf[:n], []byte("for the orbiter")) {
		t.Errorf("forwarded bundle does not carry the payload: %x", buf[:n])
	}
}

func TestNewDaemonWithoutStorage(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), bpv7.IPN(100, 1))
	cfg.Storage.Disabled = true
	d, _ := startDaemon(t, cfg)
	if d.store != nil {
		t.Error("store opened although storage is disabled")
	}
}

func TestNewDaemonReportsBusyAddress(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer occupied.Close()

	cfg := testConfig(t, t.TempDir(), bpv7.IPN(200, 1))
	cfg.Contacts = []config.ContactConfig{{
		ID:           1,
		Destinations: []bpv7.Pattern{{NodeMin: 200, NodeMax: 200}},
		Listen:       occupied.Addr().String(),
	}}
	if _, err := newDaemon(cfg, slog.New(slog.DiscardHandler)); err == nil {
		t.Fatal("newDaemon bound an address already in use")
	}
	// The failed start released the socket and the database.
	if _, err := os.Stat(cfg.Channels[0].Socket); !os.IsNotExist(err) {
		t.Errorf("application socket left behind: %v", err)
	}
}

func TestRunFlags(t *testing.T) {
	t.Setenv("BPAGENT_CONFIG", "")

	if err := run([]string{"--version"}); err != nil {
		t.Errorf("--version: %v", err)
	}

	err := run(nil)
	var configErr *process.ConfigError
	if !errors.As(err, &configErr) {
		t.Errorf("run without config = %v, want a ConfigError", err)
	}

	if err := run([]string{"--no-such-flag"}); process.ExitCode(err) != process.ExitConfig {
		t.Errorf("unknown flag exit code = %d", process.ExitCode(err))
	}

	path := filepath.Join(t.TempDir(), "bpagent.yaml")
	if err := os.WriteFile(path, []byte("node: 7\nchannels:\n  - id: 1\n    local: ipn:7.1\n    destination: ipn:8.1\n    lifetime: 1m\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := run([]string{"--config", path, "--check"}); err != nil {
		t.Errorf("--check on a valid config: %v", err)
	}

	if err := os.WriteFile(path, []byte("node: 0\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := run([]string{"--config", path, "--check"}); process.ExitCode(err) != process.ExitConfig {
		t.Errorf("--check on an invalid config = %v", err)
	}
}
