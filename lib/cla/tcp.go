// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cla

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/bureau-foundation/bpagent/lib/clock"
)

// TCPListener accepts peer connections for one adapter. It serves one
// connection at a time; a second peer waits in the accept backlog
// until the first disconnects.
type TCPListener struct {
	listener net.Listener
}

// Listen creates a listener on address (e.g. ":4556" or
// "10.0.0.2:4556"). Use ":0" for a random available port.
func Listen(address string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{listener: listener}, nil
}

// Serve accepts connections and hands each to adapter until ctx is
// cancelled or the listener is closed. A connection that fails is
// logged by the adapter and the next one is accepted.
func (l *TCPListener) Serve(ctx context.Context, adapter *TCPAdapter) error {
	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		adapter.Serve(ctx, conn)
	}
}

// Address returns the listening address in "host:port" format.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Close stops accepting connections.
func (l *TCPListener) Close() error {
	return l.listener.Close()
}

// TCPDialer keeps an outbound connection to a peer up, reconnecting
// after each failure.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a TCP connection to be
	// established. Zero means only the context deadline applies.
	Timeout time.Duration

	// RetryInterval is the wait between connection attempts.
	RetryInterval time.Duration

	Clock clock.Clock
}

// DialContext opens a TCP connection to address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
}

// Run connects to address and serves the connection with adapter,
// then reconnects, until ctx is cancelled.
func (d *TCPDialer) Run(ctx context.Context, address string, adapter *TCPAdapter) error {
	wallClock := d.Clock
	if wallClock == nil {
		wallClock = clock.Real()
	}
	retry := d.RetryInterval
	if retry <= 0 {
		retry = time.Second
	}

	for ctx.Err() == nil {
		conn, err := d.DialContext(ctx, address)
		if err != nil {
			adapter.logger.Debug("dial failed", "address", address, "error", err)
		} else {
			adapter.Serve(ctx, conn)
		}
		select {
		case <-ctx.Done():
		case <-wallClock.After(retry):
		}
	}
	return nil
}
