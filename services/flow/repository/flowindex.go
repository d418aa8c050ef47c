// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repository

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// flowIndexPattern accepts dot-separated non-negative integers ("1", "1.2.10")
// without leading zeros, so every index has one spelling.
var flowIndexPattern = regexp.MustCompile(`^(0|[1-9][0-9]*)(\.(0|[1-9][0-9]*))*$`)

// ValidateFlowIndex checks that s is a dotted sequence of decimal segments.
// Segments carry no leading zeros: "1.02" is rejected.
func ValidateFlowIndex(s string) error {
	if !flowIndexPattern.MatchString(s) {
		return fmt.Errorf("%w: %q", ErrInvalidFlowIndex, s)
	}
	return nil
}

// CompareFlowIndex orders two flow indices.
//
// Description:
//
//	Segments are compared numerically, so "1.2" < "1.10". When one index is
//	a prefix of the other, the shorter (the ancestor) sorts first, so
//	"1.2" < "1.2.1" < "1.3". Segments are compared as digit strings, so
//	arbitrarily long segments never overflow.
//
// Outputs:
//
//	int - Negative if a < b, zero if equal, positive if a > b.
func CompareFlowIndex(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if c := compareDigits(as[i], bs[i]); c != 0 {
			return c
		}
	}
	return len(as) - len(bs)
}

func compareDigits(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		return len(a) - len(b)
	}
	return strings.Compare(a, b)
}

// SortFlowIndices sorts indices in place in flow order.
func SortFlowIndices(indices []string) {
	sort.SliceStable(indices, func(i, j int) bool {
		return CompareFlowIndex(indices[i], indices[j]) < 0
	})
}

// IsAncestor reports whether parent is a strict hierarchical ancestor of child.
func IsAncestor(parent, child string) bool {
	return len(child) > len(parent) && strings.HasPrefix(child, parent+".")
}

// ParentOf returns the enclosing flow index, or "" for a top-level index.
func ParentOf(index string) string {
	i := strings.LastIndexByte(index, '.')
	if i < 0 {
		return ""
	}
	return index[:i]
}
