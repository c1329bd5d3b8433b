// Package manifest reads the versioned model catalog and picks the
// artifact version to load.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// ErrUnavailable means the manifest's latest version is not listed as
// available. The manifest itself is broken, so retrying will not help.
var ErrUnavailable = errors.New("manifest: latest version is not available")

// Manifest is the catalog of deployable model versions and the label
// table they share. Labels are aligned with the model's output indices.
type Manifest struct {
	Latest    string   `json:"latest"`
	Available []string `json:"available"`
	Labels    []string `json:"labels"`
}

// Parse decodes a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse: %w", err)
	}
	if m.Latest == "" {
		return nil, errors.New("manifest: missing latest version")
	}
	return &m, nil
}

// Has reports whether version is listed as available.
func (m *Manifest) Has(version string) bool {
	return slices.Contains(m.Available, version)
}

// Resolve returns requested when it is an available version and the
// manifest's latest version otherwise.
func Resolve(m *Manifest, requested string) (string, error) {
	if m == nil {
		return "", fmt.Errorf("%w: no manifest", ErrUnavailable)
	}
	if requested != "" && m.Has(requested) {
		return requested, nil
	}
	if !m.Has(m.Latest) {
		return "", fmt.Errorf("%w: %q", ErrUnavailable, m.Latest)
	}
	return m.Latest, nil
}
