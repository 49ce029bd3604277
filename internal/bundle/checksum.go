// SPDX-License-Identifier: MPL-2.0

package bundle

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/afero"
)

// ChecksumsFile is the sha256sum-format listing written into every collection.
const ChecksumsFile = "SHA256SUMS"

var (
	// ErrChecksumMismatch indicates a file's content no longer matches its listed hash.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// errNoValidEntries indicates the checksums file contained no parseable entries.
	errNoValidEntries = errors.New("no valid checksum entries found")
)

type (
	// ChecksumEntry is one line of SHA256SUMS.
	ChecksumEntry struct {
		Hash     string // Hex-encoded SHA256 hash (64 characters)
		Filename string // Path relative to the collection directory
	}

	// ChecksumError provides details about a checksum verification failure.
	// It wraps ErrChecksumMismatch so callers can use errors.Is for classification.
	ChecksumError struct {
		Filename string
		Expected string
		Got      string
	}
)

// Error returns a human-readable description of the checksum mismatch.
func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum verification failed for %s\nExpected: %s\nGot:      %s", e.Filename, e.Expected, e.Got)
}

// Unwrap returns ErrChecksumMismatch so callers can use errors.Is.
func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// ParseChecksums parses sha256sum output: "{sha256_hex}  {filename}" per line.
// Blank and malformed lines are skipped. Returns an error if no valid entries
// are found.
func ParseChecksums(r io.Reader) ([]ChecksumEntry, error) {
	var entries []ChecksumEntry

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		hash, filename, ok := strings.Cut(line, "  ")
		filename = strings.TrimSpace(filename)
		if !ok || filename == "" || !isValidHexHash(hash) {
			continue
		}

		entries = append(entries, ChecksumEntry{
			Hash:     strings.ToLower(hash),
			Filename: filename,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading checksums: %w", err)
	}
	if len(entries) == 0 {
		return nil, errNoValidEntries
	}
	return entries, nil
}

// FormatChecksums renders entries sorted by filename so equal content always
// yields identical text.
func FormatChecksums(entries []ChecksumEntry) string {
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b ChecksumEntry) int { return strings.Compare(a.Filename, b.Filename) })

	var sb strings.Builder
	for _, e := range sorted {
		sb.WriteString(e.Hash)
		sb.WriteString("  ")
		sb.WriteString(e.Filename)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// ComputeFileHash returns the lowercase hex SHA256 of the file at path,
// streaming it through the hash.
func ComputeFileHash(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }() // read-only file handle

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing file %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFile compares the hash of path with expectedHash.
func VerifyFile(fs afero.Fs, path, expectedHash string) error {
	got, err := ComputeFileHash(fs, path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, expectedHash) {
		return &ChecksumError{Filename: path, Expected: strings.ToLower(expectedHash), Got: got}
	}
	return nil
}

func digestOf(checksums string) string {
	sum := sha256.Sum256([]byte(checksums))
	return hex.EncodeToString(sum[:])
}

// isValidHexHash checks if s is a valid 64-character hex-encoded SHA256 hash.
func isValidHexHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
