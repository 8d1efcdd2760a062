// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bpa is the bundle protocol agent: an [Instance] owns the
// bundle arena, the queue manager that moves bundles between stages,
// and the contacts and channels through which bundles enter and leave.
//
// # Pipelines
//
// A bundle from a convergence layer adapter enters through
// [Instance.Ingress] and walks the contact-in states: extension block
// processing (decode, expiry, hop count), custody, then the router. A
// bundle from a local application enters through [Instance.Send] and
// walks the mirrored channel-in states. The router sends each bundle
// to one of three places:
//
//   - a started channel whose local endpoint equals the destination,
//     through the channel-out states to the channel's egress queue,
//     drained by [Instance.Receive];
//   - a started contact with a destination pattern matching the
//     destination, through the contact-out states to the contact's
//     egress queue, drained by [Instance.Egress];
//   - otherwise the [Storage] collaborator, which re-admits the bundle
//     later through [Instance.Admit] when a route appears.
//
// Every stage ends its job in exactly one way: the bundle moves to the
// next state, is stored, is queued for egress, or is released.
//
// # Maintenance
//
// [Instance.Run] starts the queue manager's workers and a maintenance
// loop. Each maintenance pass collects recycled pool blocks, moves
// parked jobs back to the job queue, and asks storage to re-admit
// routable bundles and drop expired ones.
package bpa
