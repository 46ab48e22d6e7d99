// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/jsonc"
)

// Overlay is the optional site policy overlay, authored as JSONC
// (JSON extended with comments and trailing commas). It can widen the
// observer read set and disable console verbs; it can never widen
// write access.
type Overlay struct {
	// ObserverReadPrefixes lists extra namespace prefixes observers
	// may traverse and read, e.g. "/gpu" to let observers watch GPU
	// status nodes.
	ObserverReadPrefixes []string `json:"observer_read_prefixes"`

	// DisabledConsoleVerbs lists console verbs the front-end rejects,
	// e.g. "SPAWN" to make a host console read-only.
	DisabledConsoleVerbs []string `json:"disabled_console_verbs"`
}

// ParseOverlay strips JSONC comments and trailing commas from data,
// then unmarshals the result.
func ParseOverlay(data []byte) (*Overlay, error) {
	stripped := jsonc.ToJSON(data)

	var overlay Overlay
	if err := json.Unmarshal(stripped, &overlay); err != nil {
		return nil, fmt.Errorf("parsing overlay: %w", err)
	}
	if err := overlay.validate(); err != nil {
		return nil, err
	}
	return &overlay, nil
}

// LoadOverlay reads a JSONC overlay file from disk. A missing or
// empty path yields an empty overlay, not an error.
func LoadOverlay(path string) (*Overlay, error) {
	if path == "" {
		return &Overlay{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	overlay, err := ParseOverlay(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return overlay, nil
}

func (o *Overlay) validate() error {
	var errs []error
	for _, prefix := range o.ObserverReadPrefixes {
		if !strings.HasPrefix(prefix, "/") || prefix == "/" {
			errs = append(errs, fmt.Errorf("observer read prefix %q must be an absolute non-root path", prefix))
		}
	}
	for _, verb := range o.DisabledConsoleVerbs {
		if strings.TrimSpace(verb) == "" {
			errs = append(errs, fmt.Errorf("disabled console verb must not be blank"))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// VerbDisabled reports whether the overlay disables the given console
// verb. Comparison is case-insensitive, matching the console's verb
// handling.
func (o *Overlay) VerbDisabled(verb string) bool {
	for _, disabled := range o.DisabledConsoleVerbs {
		if strings.EqualFold(disabled, verb) {
			return true
		}
	}
	return false
}
