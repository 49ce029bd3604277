// SPDX-License-Identifier: MPL-2.0

// Package config loads releasekit configuration with Viper, using CUE as the
// file format.
//
// Values are layered: built-in defaults, then the first file found among
// --config, ./releasekit.cue and <config dir>/releasekit/config.cue, then
// RELEASEKIT_* environment variables. Files are validated against the embedded
// #Config schema (config_schema.cue) before they are merged.
package config
