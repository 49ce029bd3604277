// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for releasekit.
//
// Each command keeps its Cobra wiring thin and delegates to a runX function
// that receives the App, the global flags and its own parameters, so the
// pipelines can be driven from tests without a terminal.
package cmd
