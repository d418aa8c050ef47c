// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for values that
// end up inside database keys.
//
// Run ids and interaction ids become key segments of the run store, so a
// separator or control character in one would let it address another
// run's rows.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxIdentifierLength bounds identifier length.
const MaxIdentifierLength = 128

// ErrInvalidIdentifier is returned for identifiers outside [A-Za-z0-9_.-].
var ErrInvalidIdentifier = errors.New("invalid identifier")

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// ValidateIdentifier checks that id is a usable key segment.
//
// Valid identifiers:
//   - 1 to MaxIdentifierLength characters
//   - ASCII letters and digits
//   - Underscore, dot and hyphen
//
// kind names the identifier in the error, e.g. "run id".
//
// Example:
//
//	if err := validation.ValidateIdentifier("run id", runID); err != nil {
//	    return err
//	}
func ValidateIdentifier(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s cannot be empty", ErrInvalidIdentifier, kind)
	}
	if len(id) > MaxIdentifierLength {
		return fmt.Errorf("%w: %s longer than %d characters", ErrInvalidIdentifier, kind, MaxIdentifierLength)
	}
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("%w: %s %q must match [a-zA-Z0-9_.-]+", ErrInvalidIdentifier, kind, id)
	}
	return nil
}

// ValidateIdentifiers validates several identifiers of one kind.
// Returns an error listing all invalid ones if any fail.
func ValidateIdentifiers(kind string, ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateIdentifier(kind, id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%w: %s values %q", ErrInvalidIdentifier, kind, invalid)
	}
	return nil
}

// SanitizeIdentifier trims surrounding whitespace and validates the result.
func SanitizeIdentifier(kind, id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateIdentifier(kind, trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
