// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cla provides the TCP convergence layer adapter: the link
// that carries encoded bundles between two agents.
//
// Each frame on the connection is a 4-byte big-endian length followed
// by that many bytes of one encoded bundle. A [TCPAdapter] serves one
// contact. While a connection is up the adapter starts the contact,
// feeds every received frame to the agent's Ingress, and writes every
// bundle the agent's Egress hands it. When the connection ends the
// contact is stopped, so the router stores its bundles until the next
// connection.
//
// [TCPListener] accepts connections for an adapter one at a time.
// [TCPDialer] connects out and reconnects after failures. Either side
// may dial; the framing is symmetric.
package cla
