// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the HTTP scaffolding the agent daemon runs
// next to the bundle pipeline.
//
// [HTTPServer] manages a TCP listener and graceful shutdown for any
// http.Handler. [NewMetricsHandler] builds the handler the daemon
// serves: Prometheus exposition of the agent's registry on /metrics
// and a liveness probe on /healthz.
//
// The daemon composes these in its own main() function; the package
// provides building blocks, not a runtime.
package service
