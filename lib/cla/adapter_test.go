// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cla

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/bpagent/lib/bpa"
	"github.com/bureau-foundation/bpagent/lib/bundle"
	"github.com/bureau-foundation/bpagent/lib/testutil"
	"github.com/bureau-foundation/bpagent/lib/waitqueue"
)

// fakeAgent records ingress and serves egress from a channel.
type fakeAgent struct {
	ingress chan []byte
	egress  chan []byte
	refuse  bool

	mu      sync.Mutex
	started map[int]bool
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		ingress: make(chan []byte, 16),
		egress:  make(chan []byte, 16),
		started: make(map[int]bool),
	}
}

func (f *fakeAgent) StartContact(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[id] = true
	return nil
}

func (f *fakeAgent) StopContact(id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[id] = false
	return nil
}

func (f *fakeAgent) isStarted(id int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[id]
}

func (f *fakeAgent) Ingress(_ int, data []byte, _ waitqueue.Timeout) error {
	if f.refuse {
		return bpa.ErrDropped
	}
	f.ingress <- bytes.Clone(data)
	return nil
}

func (f *fakeAgent) Egress(ctx context.Context, _ int, buf []byte, _ waitqueue.Timeout) (int, error) {
	select {
	case data := <-f.egress:
		if len(data) > len(buf) {
			return 0, bundle.ErrShortBuffer
		}
		return copy(buf, data), nil
	case <-ctx.Done():
		return 0, bpa.ErrTimeout
	case <-time.After(5 * time.Millisecond): //nolint:realclock poll slice
		return 0, bpa.ErrTimeout
	}
}

func newTestAdapter(t *testing.T, agent Agent, registerer prometheus.Registerer) *TCPAdapter {
	t.Helper()
	metrics, err := NewMetrics(registerer)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	adapter, err := NewTCPAdapter(Config{
		ContactID:     3,
		Agent:         agent,
		MaxBundleSize: 1024,
		PollInterval:  5 * time.Millisecond,
		Metrics:       metrics,
	})
	if err != nil {
		t.Fatalf("NewTCPAdapter: %v", err)
	}
	return adapter
}

// serve runs adapter.Serve on one end of a pipe and returns the other
// end with a channel carrying Serve's result.
func serve(ctx context.Context, adapter *TCPAdapter) (net.Conn, <-chan error) {
	local, remote := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- adapter.Serve(ctx, local) }()
	return remote, done
}

func TestAdapterCarriesBothDirections(t *testing.T) {
	agent := newFakeAgent()
	registry := prometheus.NewRegistry()
	adapter := newTestAdapter(t, agent, registry)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	peer, done := serve(ctx, adapter)

	if err := WriteFrame(peer, []byte("inbound bundle")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if got := testutil.RequireReceive(t, agent.ingress, 5*time.Second, "waiting for ingress"); string(got) != "inbound bundle" {
		t.Errorf("ingress = %q", got)
	}
	if !agent.isStarted(3) {
		t.Error("contact not started while connected")
	}

	agent.egress <- []byte("outbound bundle")
	buf := make([]byte, 64)
	n, err := ReadFrame(peer, buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(buf[:n]) != "outbound bundle" {
		t.Errorf("egress frame = %q", buf[:n])
	}

	peer.Close()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for Serve"); err != nil {
		t.Errorf("Serve after peer close: %v", err)
	}
	if agent.isStarted(3) {
		t.Error("contact still started after disconnect")
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	counted := make(map[string]float64)
	for _, family := range families {
		if family.GetName() != "bpagent_cla_frames_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "direction" {
					counted[label.GetValue()] = metric.GetCounter().GetValue()
				}
			}
		}
	}
	if counted["in"] != 1 || counted["out"] != 1 {
		t.Errorf("frames counted = %v, want in=1 out=1", counted)
	}
}

func TestAdapterSkipsKeepalivesAndRefusals(t *testing.T) {
	agent := newFakeAgent()
	agent.refuse = true
	adapter := newTestAdapter(t, agent, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	peer, done := serve(ctx, adapter)

	WriteFrame(peer, nil)
	WriteFrame(peer, []byte("refused"))
	WriteFrame(peer, testutil.Payload(2000))
	if len(agent.ingress) != 0 {
		t.Errorf("%d frames reached ingress", len(agent.ingress))
	}

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for Serve"); err != nil {
		t.Errorf("Serve after cancel: %v", err)
	}
}

func TestAdapterLeavesOversizeEgress(t *testing.T) {
	agent := newFakeAgent()
	adapter := newTestAdapter(t, agent, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	peer, done := serve(ctx, adapter)

	agent.egress <- testutil.Payload(2000)
	agent.egress <- []byte("small")
	buf := make([]byte, 64)
	n, err := ReadFrame(peer, buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(buf[:n]) != "small" {
		t.Errorf("first frame = %q, want the small bundle", buf[:n])
	}

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for Serve"); err != nil {
		t.Errorf("Serve after cancel: %v", err)
	}
}

func TestAdapterReportsTruncatedStream(t *testing.T) {
	agent := newFakeAgent()
	adapter := newTestAdapter(t, agent, nil)
	peer, done := serve(context.Background(), adapter)

	peer.Write([]byte{0, 0, 0, 10, 'x'})
	peer.Close()
	err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for Serve")
	if err == nil {
		t.Fatal("Serve returned nil for a truncated frame")
	}
	if errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Serve = %v, want a read error", err)
	}
}

func TestNewTCPAdapterRequiresAgent(t *testing.T) {
	if _, err := NewTCPAdapter(Config{ContactID: 1}); err == nil {
		t.Error("NewTCPAdapter accepted a nil Agent")
	}
}
