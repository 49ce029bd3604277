// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"errors"
	"strings"
	"testing"
)

const testSchema = `
#Gate: close({
	mode:          "wait" | "watch"
	wait_seconds?: int & >=0
})
`

type gate struct {
	Mode        string `json:"mode"`
	WaitSeconds int    `json:"wait_seconds"`
}

func TestParseAndDecode(t *testing.T) {
	t.Parallel()

	res, err := ParseAndDecodeString[gate](testSchema, []byte(`mode: "watch", wait_seconds: 600`), "#Gate")
	if err != nil {
		t.Fatalf("ParseAndDecode() error = %v", err)
	}
	if res.Value.Mode != "watch" || res.Value.WaitSeconds != 600 {
		t.Errorf("decoded = %+v", res.Value)
	}
	if !res.Unified.Exists() {
		t.Error("unified value should be available")
	}
}

func TestParseAndDecode_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		opts    []Option
		wantSub string
	}{
		{"enum violation", `mode: "sometimes"`, nil, "gate.cue: mode"},
		{"bound violation", `mode: "wait", wait_seconds: -1`, nil, "wait_seconds"},
		{"closed struct", `mode: "wait", window: 5`, nil, "window"},
		{"syntax", `mode: "wait`, nil, "gate.cue"},
		{"missing concrete field", `wait_seconds: 5`, nil, "mode"},
		{"too large", `mode: "wait"`, []Option{WithMaxFileSize(4)}, "exceeds maximum"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opts := append([]Option{WithFilename("gate.cue")}, tt.opts...)
			_, err := ParseAndDecodeString[gate](testSchema, []byte(tt.data), "#Gate", opts...)
			if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestParseAndDecode_NonConcrete(t *testing.T) {
	t.Parallel()

	res, err := ParseAndDecodeString[map[string]any](testSchema, []byte(`mode: "wait"`), "#Gate", WithConcrete(false))
	if err != nil {
		t.Fatalf("ParseAndDecode() error = %v", err)
	}
	if _, ok := (*res.Value)["wait_seconds"]; ok || (*res.Value)["mode"] != "wait" {
		t.Errorf("decoded = %v, want only mode", *res.Value)
	}
}

func TestFormatError(t *testing.T) {
	t.Parallel()

	if FormatError(nil, "x.cue") != nil {
		t.Error("FormatError(nil) should be nil")
	}
	err := FormatError(errors.New("boom"), "x.cue")
	if err == nil || err.Error() != "x.cue: boom" {
		t.Errorf("FormatError() = %v", err)
	}
}

func TestFormatPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path []string
		want string
	}{
		{nil, ""},
		{[]string{"publish"}, "publish"},
		{[]string{"publish", "target"}, "publish.target"},
		{[]string{"items", "0", "name"}, "items[0].name"},
		{[]string{"0"}, "0"},
	}
	for _, tt := range tests {
		if got := formatPath(tt.path); got != tt.want {
			t.Errorf("formatPath(%v) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
