// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Exit codes. ExitConfig follows sysexits EX_CONFIG so a supervisor
// can stop restarting a daemon whose configuration is broken.
const (
	ExitFailure = 1
	ExitConfig  = 78
)

// ConfigError marks an error that restarting will not fix: a missing,
// malformed or invalid configuration.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "configuration: " + e.Err.Error() }

func (e *ConfigError) Unwrap() error { return e.Err }

// ExitCode returns the exit status for err: 0 for nil, ExitConfig
// for a ConfigError anywhere in its chain, ExitFailure otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return ExitConfig
	}
	return ExitFailure
}

// Report writes "error: err" to w.
func Report(w io.Writer, err error) {
	fmt.Fprintf(w, "error: %v\n", err)
}

// Fatal writes "error: err" to stderr and exits with ExitCode(err).
// Use it in main() for errors from run() where the structured logger
// may not be initialized.
func Fatal(err error) {
	Report(os.Stderr, err)
	os.Exit(ExitCode(err))
}
