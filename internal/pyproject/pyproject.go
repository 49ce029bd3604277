// SPDX-License-Identifier: MPL-2.0

// Package pyproject reads and stamps the name and version of a Python project
// manifest (PEP 621 [project] or Poetry's [tool.poetry]).
package pyproject

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// FileName is the conventional manifest name.
const FileName = "pyproject.toml"

var (
	// ErrNoProjectTable is returned when neither [project] nor [tool.poetry] exists.
	ErrNoProjectTable = errors.New("manifest has no [project] or [tool.poetry] table")
	// ErrDynamicVersion is returned by SetVersion when the version is computed at build time.
	ErrDynamicVersion = errors.New("manifest declares a dynamic version")

	versionLine = regexp.MustCompile(`^(\s*version\s*=\s*)(["'])([^"']*)(["'])(.*)$`)
	tableHeader = regexp.MustCompile(`^\s*\[([^\[\]]+)\]\s*(#.*)?$`)
)

type (
	// Manifest is the subset of pyproject.toml a release needs.
	Manifest struct {
		// Name is the distribution name.
		Name string
		// Version is the declared version, empty when dynamic.
		Version string
		// Table is "project" or "tool.poetry", whichever supplied the values.
		Table string
		// Dynamic reports that [project].dynamic lists "version".
		Dynamic bool
	}

	document struct {
		Project *struct {
			Name    string   `toml:"name"`
			Version string   `toml:"version"`
			Dynamic []string `toml:"dynamic"`
		} `toml:"project"`
		Tool struct {
			Poetry *struct {
				Name    string `toml:"name"`
				Version string `toml:"version"`
			} `toml:"poetry"`
		} `toml:"tool"`
	}
)

// Parse decodes manifest bytes. [project] takes precedence over [tool.poetry].
func Parse(data []byte) (*Manifest, error) {
	var doc document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", FileName, err)
	}

	if doc.Project != nil && doc.Project.Name != "" {
		m := &Manifest{Name: doc.Project.Name, Version: doc.Project.Version, Table: "project"}
		for _, d := range doc.Project.Dynamic {
			if d == "version" {
				m.Dynamic = true
			}
		}
		// Poetry 1.x projects may carry a [project] table without a version.
		if m.Version == "" && !m.Dynamic && doc.Tool.Poetry != nil && doc.Tool.Poetry.Version != "" {
			m.Version = doc.Tool.Poetry.Version
			m.Table = "tool.poetry"
		}
		return m, nil
	}
	if doc.Tool.Poetry != nil && doc.Tool.Poetry.Name != "" {
		return &Manifest{Name: doc.Tool.Poetry.Name, Version: doc.Tool.Poetry.Version, Table: "tool.poetry"}, nil
	}
	return nil, ErrNoProjectTable
}

// Read loads and parses the manifest at path.
func Read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return Parse(data)
}

// SetVersion rewrites the version line of the table that owns the version and
// returns the new document. Comments and layout are preserved. The result is
// re-parsed to prove the edit produced the requested version.
func SetVersion(data []byte, version string) ([]byte, error) {
	m, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if m.Dynamic {
		return nil, ErrDynamicVersion
	}

	lines := strings.Split(string(data), "\n")
	current := ""
	replaced := false
	for i, line := range lines {
		if h := tableHeader.FindStringSubmatch(line); h != nil {
			current = strings.TrimSpace(h[1])
			continue
		}
		if current != m.Table || replaced {
			continue
		}
		if sub := versionLine.FindStringSubmatch(line); sub != nil {
			lines[i] = sub[1] + sub[2] + version + sub[4] + sub[5]
			replaced = true
		}
	}
	if !replaced {
		return nil, fmt.Errorf("no version key in [%s]", m.Table)
	}

	out := []byte(strings.Join(lines, "\n"))
	check, err := Parse(out)
	if err != nil {
		return nil, fmt.Errorf("stamped manifest is invalid: %w", err)
	}
	if check.Version != version {
		return nil, fmt.Errorf("stamped manifest has version %q, want %q", check.Version, version)
	}
	return out, nil
}

// StampFile sets the version of the manifest at path, replacing the file
// atomically.
func StampFile(path, version string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}
	out, err := SetVersion(data, version)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pyproject-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }() // no-op after a successful rename

	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, info.Mode().Perm()); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing manifest: %w", err)
	}
	return nil
}
