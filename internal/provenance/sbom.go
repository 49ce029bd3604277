// SPDX-License-Identifier: MPL-2.0

package provenance

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/github/go-spdx/v2/spdxexp"
	"github.com/package-url/packageurl-go"
)

// ErrInvalidSBOM is the sentinel wrapped by InvalidSBOMError.
var ErrInvalidSBOM = errors.New("invalid SBOM")

type (
	// InvalidSBOMError reports an SBOM that is not a usable CycloneDX document.
	InvalidSBOMError struct {
		Path   string
		Reason string
	}

	// SBOMSummary is what validation learned about an SBOM.
	SBOMSummary struct {
		SpecVersion string
		Components  int
		// Warnings lists component-level problems that do not invalidate the document.
		Warnings []string
	}

	cycloneDX struct {
		BOMFormat       string          `json:"bomFormat"`
		SpecVersion     string          `json:"specVersion"`
		Components      []cdxComponent  `json:"components"`
		Vulnerabilities []cdxVulnerable `json:"vulnerabilities"`
	}

	cdxComponent struct {
		Name     string       `json:"name"`
		Version  string       `json:"version"`
		PURL     string       `json:"purl"`
		Licenses []cdxLicense `json:"licenses"`
	}

	cdxLicense struct {
		License *struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"license"`
		Expression string `json:"expression"`
	}

	cdxVulnerable struct {
		ID string `json:"id"`
	}
)

// Error implements the error interface.
func (e *InvalidSBOMError) Error() string {
	return fmt.Sprintf("invalid SBOM %s: %s", e.Path, e.Reason)
}

// Unwrap returns ErrInvalidSBOM for errors.Is() compatibility.
func (e *InvalidSBOMError) Unwrap() error { return ErrInvalidSBOM }

// ValidateSBOM checks that data is a CycloneDX JSON document. Component purls
// are parsed with packageurl-go and license identifiers checked against the
// SPDX list; problems there become warnings.
func ValidateSBOM(path string, data []byte) (*SBOMSummary, error) {
	var doc cycloneDX
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &InvalidSBOMError{Path: path, Reason: "not JSON: " + err.Error()}
	}
	if doc.BOMFormat != "CycloneDX" {
		return nil, &InvalidSBOMError{Path: path, Reason: fmt.Sprintf("bomFormat is %q, want CycloneDX", doc.BOMFormat)}
	}
	if doc.SpecVersion == "" {
		return nil, &InvalidSBOMError{Path: path, Reason: "specVersion missing"}
	}

	sum := &SBOMSummary{SpecVersion: doc.SpecVersion, Components: len(doc.Components)}
	var licenses []string
	for _, c := range doc.Components {
		label := c.Name
		if c.Version != "" {
			label += "@" + c.Version
		}
		if c.PURL == "" {
			sum.Warnings = append(sum.Warnings, fmt.Sprintf("component %s has no purl", label))
		} else if _, err := packageurl.FromString(c.PURL); err != nil {
			sum.Warnings = append(sum.Warnings, fmt.Sprintf("component %s: invalid purl %q: %v", label, c.PURL, err))
		}
		for _, l := range c.Licenses {
			switch {
			case l.Expression != "":
				licenses = append(licenses, l.Expression)
			case l.License != nil && l.License.ID != "":
				licenses = append(licenses, l.License.ID)
			}
		}
	}

	if len(licenses) > 0 {
		slices.Sort(licenses)
		licenses = slices.Compact(licenses)
		if ok, invalid := spdxexp.ValidateLicenses(licenses); !ok {
			for _, l := range invalid {
				sum.Warnings = append(sum.Warnings, fmt.Sprintf("unknown SPDX license expression %q", l))
			}
		}
	}
	return sum, nil
}

// countVulnerabilities returns the number of vulnerabilities in a CycloneDX
// VDR, or -1 if the document cannot be read.
func countVulnerabilities(data []byte) int {
	var doc cycloneDX
	if err := json.Unmarshal(data, &doc); err != nil {
		return -1
	}
	return len(doc.Vulnerabilities)
}
