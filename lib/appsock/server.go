// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package appsock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/bpagent/lib/bpa"
	"github.com/bureau-foundation/bpagent/lib/bundle"
	"github.com/bureau-foundation/bpagent/lib/cla"
	"github.com/bureau-foundation/bpagent/lib/waitqueue"
)

const (
	DefaultMaxADUSize   = 64 * 1024
	DefaultSendTimeout  = time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// Channel is the application side of the agent.
type Channel interface {
	Send(channelID int, adu []byte, timeout waitqueue.Timeout) error
	Receive(ctx context.Context, channelID int, buf []byte, timeout waitqueue.Timeout) (int, error)
}

// Config configures a Server.
type Config struct {
	// Path is the socket file. A stale file at Path is removed.
	Path string

	ChannelID int
	Channel   Channel

	// MaxADUSize bounds one frame in either direction. A delivered
	// payload larger than this goes back to storage.
	MaxADUSize int

	// SendTimeout bounds the wait for pool space or queue room.
	SendTimeout time.Duration

	// PollInterval bounds each wait for a delivery.
	PollInterval time.Duration

	Logger *slog.Logger
}

// Server serves one channel on a Unix socket.
type Server struct {
	path        string
	channelID   int
	channel     Channel
	maxADUSize  int
	sendTimeout waitqueue.Timeout
	pollTimeout waitqueue.Timeout
	logger      *slog.Logger
	listener    net.Listener
}

// Listen binds the socket.
func Listen(config Config) (*Server, error) {
	if config.Path == "" {
		return nil, errors.New("appsock: Path is required")
	}
	if config.Channel == nil {
		return nil, errors.New("appsock: Channel is required")
	}
	if config.MaxADUSize <= 0 {
		config.MaxADUSize = DefaultMaxADUSize
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = DefaultSendTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	if err := os.Remove(config.Path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("appsock: removing stale socket %s: %w", config.Path, err)
	}
	listener, err := net.Listen("unix", config.Path)
	if err != nil {
		return nil, fmt.Errorf("appsock: listening on %s: %w", config.Path, err)
	}
	return &Server{
		path:        config.Path,
		channelID:   config.ChannelID,
		channel:     config.Channel,
		maxADUSize:  config.MaxADUSize,
		sendTimeout: waitqueue.After(config.SendTimeout),
		pollTimeout: waitqueue.After(config.PollInterval),
		logger:      config.Logger.With("channel", config.ChannelID, "socket", config.Path),
		listener:    listener,
	}, nil
}

// Path returns the socket file.
func (s *Server) Path() string { return s.path }

// Serve accepts applications one after another until ctx is done or
// the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	s.logger.Info("application socket listening")
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("appsock: accepting: %w", err)
		}
		if err := s.handle(ctx, conn); err != nil {
			s.logger.Warn("application disconnected", "error", err)
		} else {
			s.logger.Info("application disconnected")
		}
	}
}

// Close stops accepting applications and removes the socket file.
func (s *Server) Close() error {
	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if removeErr := os.Remove(s.path); removeErr != nil && !os.IsNotExist(removeErr) {
		err = errors.Join(err, removeErr)
	}
	return err
}

func (s *Server) handle(ctx context.Context, conn net.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.logger.Info("application connected")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-groupCtx.Done()
		conn.Close()
		return nil
	})
	group.Go(func() error {
		defer cancel()
		return s.send(groupCtx, conn)
	})
	group.Go(func() error {
		defer cancel()
		return s.deliver(groupCtx, conn)
	})
	return group.Wait()
}

// send turns every frame from the application into a bundle. An ADU
// the agent refuses is dropped and the connection carries on.
func (s *Server) send(ctx context.Context, conn net.Conn) error {
	buf := make([]byte, s.maxADUSize)
	for {
		n, err := cla.ReadFrame(conn, buf)
		switch {
		case errors.Is(err, cla.ErrFrameTooLarge):
			s.logger.Warn("dropping oversize application data", "error", err)
			continue
		case err != nil:
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("appsock: reading: %w", err)
		case n == 0:
			continue
		}
		if err := s.channel.Send(s.channelID, buf[:n], s.sendTimeout); err != nil {
			s.logger.Warn("send refused", "size", n, "error", err)
		}
	}
}

// deliver writes the payload of every bundle delivered to the channel.
func (s *Server) deliver(ctx context.Context, conn net.Conn) error {
	buf := make([]byte, s.maxADUSize)
	for ctx.Err() == nil {
		n, err := s.channel.Receive(ctx, s.channelID, buf, s.pollTimeout)
		switch {
		case errors.Is(err, bpa.ErrTimeout):
			continue
		case errors.Is(err, bundle.ErrShortBuffer):
			s.logger.Warn("payload exceeds the frame limit; left in storage", "error", err)
			continue
		case err != nil:
			return fmt.Errorf("appsock: receiving: %w", err)
		}
		if err := cla.WriteFrame(conn, buf[:n]); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("appsock: writing: %w", err)
		}
	}
	return nil
}
