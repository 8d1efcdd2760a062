// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package appsock connects a local application to one channel over a
// Unix socket.
//
// The application writes application data units as length-prefixed
// frames (the same 4-byte big-endian framing the TCP convergence layer
// uses, see [cla.WriteFrame]); each becomes a Send on the channel.
// Every bundle delivered to the channel comes back to the application
// as one frame holding its payload. A zero-length frame from the
// application is a keepalive.
//
// One application is served at a time: a channel has a single
// delivery queue, and a second reader would split it.
package appsock
