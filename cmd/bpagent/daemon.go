// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/bpagent/lib/appsock"
	"github.com/bureau-foundation/bpagent/lib/bpa"
	"github.com/bureau-foundation/bpagent/lib/bundle"
	"github.com/bureau-foundation/bpagent/lib/cla"
	"github.com/bureau-foundation/bpagent/lib/config"
	"github.com/bureau-foundation/bpagent/lib/mpool"
	"github.com/bureau-foundation/bpagent/lib/service"
	"github.com/bureau-foundation/bpagent/lib/storage"
)

// dialRetryInterval is the wait between attempts to reach a peer that
// is out of contact.
const dialRetryInterval = 5 * time.Second

// shutdownTimeout bounds the move of queued bundles into storage.
const shutdownTimeout = 30 * time.Second

// daemon owns every long-lived component built from one configuration.
type daemon struct {
	config   *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	instance *bpa.Instance
	store    *storage.Store
	links    []*link
	sockets  []*appsock.Server
}

// link is one contact's convergence layer: an adapter plus either a
// bound listener or a peer address to dial.
type link struct {
	contact  config.ContactConfig
	adapter  *cla.TCPAdapter
	listener *cla.TCPListener
}

// newDaemon builds the agent and binds every listener and socket, so
// address conflicts surface before anything runs.
func newDaemon(cfg *config.Config, logger *slog.Logger) (_ *daemon, err error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pool, err := mpool.New(mpool.Config{
		Capacity:  cfg.Pool.Capacity,
		ChunkSize: cfg.Pool.ChunkSize,
	})
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	d := &daemon{config: cfg, logger: logger, registry: registry}
	defer func() {
		if err != nil {
			d.close(context.Background())
		}
	}()

	// A nil *storage.Store must not reach bpa as a non-nil interface.
	var agentStorage bpa.Storage
	if !cfg.Storage.Disabled {
		compression, err := storage.ParseCompression(cfg.Storage.Compression)
		if err != nil {
			return nil, err
		}
		d.store, err = storage.OpenStore(storage.StoreConfig{
			Path:           cfg.Storage.Path,
			Durable:        cfg.Storage.Durable,
			Arena:          bundle.NewArena(pool),
			Compression:    compression,
			BatchSize:      cfg.Storage.BatchSize,
			CustodyTimeout: cfg.Storage.CustodyTimeout,
			Registerer:     registry,
			Logger:         logger.With("component", "storage"),
		})
		if err != nil {
			return nil, fmt.Errorf("opening bundle store: %w", err)
		}
		agentStorage = d.store
	}

	d.instance, err = bpa.New(bpa.Config{
		LocalNode:           cfg.Node,
		Pool:                pool,
		Storage:             agentStorage,
		Workers:             cfg.Queue.Workers,
		JobQueueDepth:       cfg.Queue.JobQueueDepth,
		EgressDepth:         cfg.Queue.EgressDepth,
		MaintenanceInterval: cfg.Queue.MaintenanceInterval,
		Registerer:          registry,
		Logger:              logger.With("component", "bpa"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	if d.store != nil {
		d.store.Attach(d.instance)
	}

	claMetrics, err := cla.NewMetrics(registry)
	if err != nil {
		return nil, err
	}
	for _, contact := range cfg.Contacts {
		if err := d.instance.AddContact(contact.ID, contact.Destinations); err != nil {
			return nil, err
		}
		adapter, err := cla.NewTCPAdapter(cla.Config{
			ContactID:     contact.ID,
			Agent:         d.instance,
			MaxBundleSize: contact.MaxBundleSize,
			Metrics:       claMetrics,
			Logger:        logger.With("component", "cla"),
		})
		if err != nil {
			return nil, err
		}
		l := &link{contact: contact, adapter: adapter}
		if contact.Listen != "" {
			if l.listener, err = cla.Listen(contact.Listen); err != nil {
				return nil, fmt.Errorf("contact %d: %w", contact.ID, err)
			}
		}
		d.links = append(d.links, l)
	}

	ctx := context.Background()
	for _, channel := range cfg.Channels {
		err := d.instance.AddChannel(channel.ID, bpa.ChannelConfig{
			Local:       channel.Local,
			Destination: channel.Destination,
			ReportTo:    channel.ReportTo,
			Lifetime:    channel.Lifetime,
			CRCType:     channel.CRCType(),
			Priority:    channel.Priority,
			HopLimit:    channel.HopLimit,
			Custody:     channel.Custody,
		})
		if err != nil {
			return nil, err
		}
		if err := d.instance.StartChannel(ctx, channel.ID); err != nil {
			return nil, err
		}
		if channel.Socket == "" {
			continue
		}
		socket, err := appsock.Listen(appsock.Config{
			Path:      channel.Socket,
			ChannelID: channel.ID,
			Channel:   d.instance,
			Logger:    logger.With("component", "appsock"),
		})
		if err != nil {
			return nil, err
		}
		d.sockets = append(d.sockets, socket)
	}
	return d, nil
}

// run serves until ctx is done, then shuts down. Any component
// failing stops the others.
func (d *daemon) run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return d.instance.Run(groupCtx)
	})
	for _, l := range d.links {
		if l.listener != nil {
			d.logger.Info("contact listening", "contact", l.contact.ID, "address", l.listener.Address())
			group.Go(func() error {
				return l.listener.Serve(groupCtx, l.adapter)
			})
			continue
		}
		d.logger.Info("contact dialing", "contact", l.contact.ID, "address", l.contact.Dial)
		dialer := &cla.TCPDialer{Timeout: 10 * time.Second, RetryInterval: dialRetryInterval}
		group.Go(func() error {
			return dialer.Run(groupCtx, l.contact.Dial, l.adapter)
		})
	}
	for _, socket := range d.sockets {
		group.Go(func() error {
			return socket.Serve(groupCtx)
		})
	}
	if d.config.Metrics.Listen != "" {
		server := service.NewHTTPServer(service.HTTPServerConfig{
			Address: d.config.Metrics.Listen,
			Handler: service.NewMetricsHandler(d.registry),
			Logger:  d.logger.With("component", "metrics"),
		})
		group.Go(func() error {
			return server.Serve(groupCtx)
		})
	}

	runErr := group.Wait()
	if runErr != nil {
		d.logger.Error("agent stopped", "error", runErr)
	} else {
		d.logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, d.close(shutdownCtx))
}

// close releases everything newDaemon built. Bundles still queued for
// contacts and channels go to storage first. The run loops must have
// stopped.
func (d *daemon) close(ctx context.Context) error {
	var errs []error
	for _, socket := range d.sockets {
		if err := socket.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, l := range d.links {
		if l.listener != nil {
			l.listener.Close()
		}
	}
	if d.instance != nil {
		for _, contact := range d.config.Contacts {
			if err := d.instance.RemoveContact(ctx, contact.ID); err != nil && !errors.Is(err, bpa.ErrUnknownContact) {
				errs = append(errs, err)
			}
		}
		for _, channel := range d.config.Channels {
			if err := d.instance.RemoveChannel(ctx, channel.ID); err != nil && !errors.Is(err, bpa.ErrUnknownContact) {
				errs = append(errs, err)
			}
		}
		d.instance.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
