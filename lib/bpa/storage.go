// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bpa

import (
	"context"

	"github.com/bureau-foundation/bpagent/lib/mpool"
)

// Storage holds bundles the router cannot forward yet.
type Storage interface {
	// StoreBundle takes ownership of the bundle and releases it on
	// every path, including failure.
	StoreBundle(ctx context.Context, bundle mpool.Ref) error

	// EgressForID re-admits the stored bundles bound for a contact or
	// channel that just started, and returns how many it re-admitted.
	EgressForID(ctx context.Context, id int, isChannel bool) (int, error)

	// ScanCache re-admits up to limit routable stored bundles.
	ScanCache(ctx context.Context, limit int) (int, error)
}

// Expirer is implemented by storage that can drop expired bundles on
// its own. The maintenance loop calls it when present.
type Expirer interface {
	Expire(ctx context.Context) (int, error)
}

// Flusher is implemented by storage that buffers writes.
type Flusher interface {
	Flush(ctx context.Context) error
}
