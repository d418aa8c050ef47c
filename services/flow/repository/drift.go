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

import "sort"

// Drift describes how one signature set differs from another.
type Drift struct {
	// Added are flow indices present only in the new set.
	Added []string `json:"added"`

	// Removed are flow indices present only in the old set.
	Removed []string `json:"removed"`

	// Changed are flow indices whose signature differs.
	Changed []string `json:"changed"`

	// ChangedConcepts are concepts present in both sets whose signature differs.
	ChangedConcepts []string `json:"changed_concepts"`
}

// Empty reports whether nothing drifted.
func (d Drift) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0 && len(d.ChangedConcepts) == 0
}

// DiffSignatures compares two signature sets. Flow indices are returned in
// flow order and concept names sorted.
func DiffSignatures(old, new Signatures) Drift {
	var d Drift
	for idx, sig := range new.Items {
		prev, ok := old.Items[idx]
		switch {
		case !ok:
			d.Added = append(d.Added, idx)
		case prev != sig:
			d.Changed = append(d.Changed, idx)
		}
	}
	for idx := range old.Items {
		if _, ok := new.Items[idx]; !ok {
			d.Removed = append(d.Removed, idx)
		}
	}
	for name, sig := range new.Concepts {
		if prev, ok := old.Concepts[name]; ok && prev != sig {
			d.ChangedConcepts = append(d.ChangedConcepts, name)
		}
	}

	SortFlowIndices(d.Added)
	SortFlowIndices(d.Removed)
	SortFlowIndices(d.Changed)
	sort.Strings(d.ChangedConcepts)
	return d
}
