// SPDX-License-Identifier: MPL-2.0

// Package cueutil validates CUE documents against an embedded schema.
//
//	//go:embed config_schema.cue
//	var schema string
//
//	res, err := cueutil.ParseAndDecodeString[map[string]any](
//	    schema, data, "#Config",
//	    cueutil.WithFilename(path),
//	    cueutil.WithConcrete(false),
//	)
package cueutil
