// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the agent.
//
// Configuration is loaded from a single file specified by either the
// BPAGENT_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search.
//
// The file names the node, sizes the pool and the job pipeline,
// configures the SQLite bundle store, and lists the contacts (TCP
// links with the ipn patterns routed over them) and channels (local
// application endpoints). Endpoint IDs and patterns are parsed while
// the YAML is decoded, so a malformed "ipn:" string fails the load.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override storage, metrics
// and log settings when [Config].Environment matches. Production
// defaults to JSON logs.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${BPAGENT_ROOT}, ${BPAGENT_STATE} and ${VAR:-default}
// patterns are expanded. No other environment variables override
// config values.
package config
