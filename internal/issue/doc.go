// SPDX-License-Identifier: MPL-2.0

// Package issue provides user-facing errors with remediation steps and a
// catalog of Markdown notes, one per release failure kind.
package issue
