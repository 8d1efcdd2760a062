// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cla

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/bpagent/lib/bpa"
	"github.com/bureau-foundation/bpagent/lib/bundle"
	"github.com/bureau-foundation/bpagent/lib/waitqueue"
)

const (
	DefaultMaxBundleSize  = 64 << 10
	DefaultIngressTimeout = time.Second
	DefaultPollInterval   = 100 * time.Millisecond
)

// Agent is the side of bpa.Instance an adapter drives.
type Agent interface {
	StartContact(ctx context.Context, id int) error
	StopContact(id int) error
	Ingress(contactID int, data []byte, timeout waitqueue.Timeout) error
	Egress(ctx context.Context, contactID int, buf []byte, timeout waitqueue.Timeout) (int, error)
}

// Config holds the parameters for NewTCPAdapter.
type Config struct {
	// ContactID is the contact this adapter carries. The contact must
	// already be added to the agent.
	ContactID int

	// Agent receives and supplies bundles. Required.
	Agent Agent

	// MaxBundleSize bounds one frame in either direction.
	MaxBundleSize int

	// IngressTimeout bounds how long a received bundle waits for pool
	// space and a job queue slot before it is refused.
	IngressTimeout time.Duration

	// PollInterval is how long one Egress call waits for a bundle
	// before the adapter checks for cancellation.
	PollInterval time.Duration

	Metrics *Metrics
	Logger  *slog.Logger
}

// TCPAdapter moves bundles between one contact and a stream
// connection.
type TCPAdapter struct {
	contactID      int
	agent          Agent
	maxBundleSize  int
	ingressTimeout waitqueue.Timeout
	pollTimeout    waitqueue.Timeout
	metrics        *Metrics
	logger         *slog.Logger
}

// NewTCPAdapter creates an adapter for config.ContactID.
func NewTCPAdapter(config Config) (*TCPAdapter, error) {
	if config.Agent == nil {
		return nil, errors.New("cla: Agent is required")
	}
	if config.MaxBundleSize <= 0 {
		config.MaxBundleSize = DefaultMaxBundleSize
	}
	if config.IngressTimeout <= 0 {
		config.IngressTimeout = DefaultIngressTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &TCPAdapter{
		contactID:      config.ContactID,
		agent:          config.Agent,
		maxBundleSize:  config.MaxBundleSize,
		ingressTimeout: waitqueue.After(config.IngressTimeout),
		pollTimeout:    waitqueue.After(config.PollInterval),
		metrics:        config.Metrics,
		logger:         config.Logger.With("contact", config.ContactID),
	}, nil
}

// Serve carries bundles over conn until the peer disconnects, a read
// or write fails, or ctx is done. The contact is started for the
// lifetime of the connection. Serve closes conn.
func (a *TCPAdapter) Serve(ctx context.Context, conn net.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.agent.StartContact(ctx, a.contactID); err != nil {
		conn.Close()
		return fmt.Errorf("cla: starting contact %d: %w", a.contactID, err)
	}
	defer func() {
		if err := a.agent.StopContact(a.contactID); err != nil {
			a.logger.Warn("stopping contact", "error", err)
		}
	}()

	logger := a.logger.With("remote", conn.RemoteAddr().String())
	logger.Info("contact connected")
	a.metrics.connected(a.contactID)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-groupCtx.Done()
		conn.Close()
		return nil
	})
	group.Go(func() error {
		defer cancel()
		return a.receive(groupCtx, conn, logger)
	})
	group.Go(func() error {
		defer cancel()
		return a.transmit(groupCtx, conn, logger)
	})
	err := group.Wait()
	if err != nil {
		logger.Warn("contact disconnected", "error", err)
	} else {
		logger.Info("contact disconnected")
	}
	return err
}

// receive hands every frame read from conn to Ingress. A bundle the
// agent refuses is dropped and the connection carries on.
func (a *TCPAdapter) receive(ctx context.Context, conn net.Conn, logger *slog.Logger) error {
	buf := make([]byte, a.maxBundleSize)
	for {
		n, err := ReadFrame(conn, buf)
		switch {
		case errors.Is(err, ErrFrameTooLarge):
			logger.Warn("dropping oversize bundle", "error", err)
			a.metrics.frame(a.contactID, "oversize", 0)
			continue
		case err != nil:
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("cla: contact %d: reading bundle: %w", a.contactID, err)
		case n == 0:
			// Keepalive.
			continue
		}

		if err := a.agent.Ingress(a.contactID, buf[:n], a.ingressTimeout); err != nil {
			logger.Warn("bundle refused", "size", n, "error", err)
			a.metrics.frame(a.contactID, "refused", n)
			continue
		}
		a.metrics.frame(a.contactID, "in", n)
	}
}

// transmit writes every bundle Egress yields to conn. A bundle taken
// from the agent whose write then fails is lost with the connection.
func (a *TCPAdapter) transmit(ctx context.Context, conn net.Conn, logger *slog.Logger) error {
	buf := make([]byte, a.maxBundleSize)
	for ctx.Err() == nil {
		n, err := a.agent.Egress(ctx, a.contactID, buf, a.pollTimeout)
		switch {
		case errors.Is(err, bpa.ErrTimeout):
			continue
		case errors.Is(err, bundle.ErrShortBuffer):
			logger.Warn("bundle exceeds the frame limit; left in storage", "error", err)
			a.metrics.frame(a.contactID, "oversize", 0)
			continue
		case err != nil:
			return fmt.Errorf("cla: contact %d: %w", a.contactID, err)
		}

		if err := WriteFrame(conn, buf[:n]); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("cla: contact %d: writing bundle: %w", a.contactID, err)
		}
		a.metrics.frame(a.contactID, "out", n)
	}
	return nil
}
