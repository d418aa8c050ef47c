// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianFlow/services/flow/blackboard"
	"github.com/AleutianAI/AleutianFlow/services/flow/repository"
)

// Mode selects how a checkpoint is merged with the current repository.
type Mode string

const (
	// ModeOverwrite trusts the checkpoint and ignores signatures.
	ModeOverwrite Mode = "overwrite"

	// ModePatch keeps only results whose item signature is unchanged.
	ModePatch Mode = "patch"

	// ModeFillGaps keeps every completed concept and fills the rest from
	// the repository.
	ModeFillGaps Mode = "fill_gaps"
)

// ParseMode accepts a mode name in any case, with "-" or "_".
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	switch m {
	case ModeOverwrite, ModePatch, ModeFillGaps:
		return m, nil
	case "":
		return ModePatch, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Report summarizes what reconciliation changed.
type Report struct {
	Mode Mode

	// Reverted lists inferences that had progressed in the checkpoint
	// (completed, failed or in progress) and are pending after reconciling.
	Reverted []string

	// Changed lists inferences whose item signature differs from the
	// checkpoint. Always empty for ModeOverwrite.
	Changed []string

	// Added lists inferences that the checkpoint does not know.
	Added []string

	// Dropped lists checkpoint inferences the repository no longer defines.
	Dropped []string

	// Refreshed lists ground concepts that took the repository's value.
	Refreshed []string
}

// Reconcile merges a verified snapshot with repo according to mode.
//
// Description:
//
//	Builds a complete blackboard state for repo. Names the repository does
//	not define are dropped in every mode and in-progress items always come
//	back pending. The returned state has not been checked for unsatisfiable
//	dependencies; see CheckDependencies.
//
// Inputs:
//
//	snap - A snapshot returned by Decode.
//	repo - The repository the resumed run will execute.
//	mode - Reconciliation mode.
//
// Outputs:
//
//	blackboard.State - The reconciled state.
//	Report - What changed relative to the checkpoint.
//	error - ErrUnknownMode.
func Reconcile(snap *Snapshot, repo *repository.Repository, mode Mode) (blackboard.State, Report, error) {
	ck := snap.State()
	report := Report{Mode: mode}

	for idx := range ck.ItemStatus {
		if _, ok := repo.Inference(idx); !ok {
			report.Dropped = append(report.Dropped, idx)
		}
	}
	for _, idx := range repo.FlowIndices() {
		if _, ok := ck.ItemStatus[idx]; !ok {
			report.Added = append(report.Added, idx)
		}
	}
	repository.SortFlowIndices(report.Dropped)

	var out blackboard.State
	switch mode {
	case ModeOverwrite:
		out = reconcileOverwrite(ck, repo)
	case ModePatch:
		out = reconcilePatch(ck, snap.Signatures, repo, &report)
	case ModeFillGaps:
		out = reconcileFillGaps(ck, repo, &report)
	default:
		return blackboard.State{}, Report{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	for _, idx := range repo.FlowIndices() {
		before := ck.ItemStatus[idx]
		if before != "" && before != blackboard.ItemPending && out.ItemStatus[idx] == blackboard.ItemPending {
			report.Reverted = append(report.Reverted, idx)
		}
	}
	sort.Strings(report.Refreshed)
	return out, report, nil
}

// reconcileOverwrite copies everything the repository still defines.
func reconcileOverwrite(ck blackboard.State, repo *repository.Repository) blackboard.State {
	out := blackboard.InitialState(repo)

	for _, c := range repo.Concepts() {
		st, ok := ck.ConceptStatus[c.Name]
		if !ok {
			continue
		}
		setConcept(&out, c.Name, st, ck.References[c.Name])
	}
	for _, idx := range repo.FlowIndices() {
		st, ok := ck.ItemStatus[idx]
		if !ok {
			continue
		}
		copyItem(&out, ck, idx, st)
		if st == blackboard.ItemFailed {
			out.Failures[idx] = ck.Failures[idx]
		}
	}
	return out
}

// reconcilePatch keeps results whose signature still matches and reverts
// the changed inferences together with everything downstream of them.
func reconcilePatch(ck blackboard.State, sigs repository.Signatures, repo *repository.Repository, report *Report) blackboard.State {
	out := blackboard.InitialState(repo)
	current := repo.Signatures()

	var stale []string
	for _, idx := range repo.FlowIndices() {
		old, known := sigs.Items[idx]
		if !known || old != current.Items[idx] {
			if _, inCheckpoint := ck.ItemStatus[idx]; inCheckpoint {
				report.Changed = append(report.Changed, idx)
			}
			stale = append(stale, idx)
		}
	}
	revert := make(map[string]bool, len(stale))
	for _, idx := range stale {
		revert[idx] = true
		// Downstream only fails for unknown indices, which cannot occur here.
		down, _ := repo.Downstream(idx)
		for _, d := range down {
			revert[d] = true
		}
	}

	for _, c := range repo.Concepts() {
		st, ok := ck.ConceptStatus[c.Name]
		if !ok {
			continue
		}
		if c.Kind == repository.ConceptGround {
			if sigs.Concepts[c.Name] != current.Concepts[c.Name] {
				// Repository default from InitialState stands.
				report.Refreshed = append(report.Refreshed, c.Name)
				continue
			}
			setConcept(&out, c.Name, st, ck.References[c.Name])
			continue
		}
		producer, ok := repo.ProducerOf(c.Name)
		if ok && revert[producer] {
			continue
		}
		if !ok && sigs.Concepts[c.Name] != current.Concepts[c.Name] {
			continue
		}
		setConcept(&out, c.Name, st, ck.References[c.Name])
	}

	for _, idx := range repo.FlowIndices() {
		st, ok := ck.ItemStatus[idx]
		if !ok || revert[idx] {
			continue
		}
		if st == blackboard.ItemFailed {
			continue
		}
		copyItem(&out, ck, idx, st)
	}
	return out
}

// reconcileFillGaps never touches a concept the checkpoint completed.
func reconcileFillGaps(ck blackboard.State, repo *repository.Repository, report *Report) blackboard.State {
	out := blackboard.InitialState(repo)

	for _, c := range repo.Concepts() {
		if ck.ConceptStatus[c.Name] == blackboard.ConceptComplete {
			setConcept(&out, c.Name, blackboard.ConceptComplete, ck.References[c.Name])
			continue
		}
		if out.ConceptStatus[c.Name] == blackboard.ConceptComplete {
			report.Refreshed = append(report.Refreshed, c.Name)
		}
	}

	for _, inf := range repo.Inferences() {
		idx := inf.FlowIndex
		if out.ConceptStatus[inf.ToInfer] != blackboard.ConceptComplete {
			continue
		}
		out.ItemStatus[idx] = blackboard.ItemCompleted
		if res, ok := ck.ItemResults[idx]; ok && ck.ItemStatus[idx] == blackboard.ItemCompleted {
			out.ItemResults[idx] = res
		} else if ref := out.References[inf.ToInfer]; ref != nil {
			out.ItemResults[idx] = ref.Data
		}
	}
	return out
}

func setConcept(out *blackboard.State, name string, st blackboard.ConceptStatus, ref *repository.Reference) {
	if st != blackboard.ConceptComplete {
		out.ConceptStatus[name] = blackboard.ConceptEmpty
		delete(out.References, name)
		return
	}
	out.ConceptStatus[name] = blackboard.ConceptComplete
	if ref == nil {
		ref = &repository.Reference{Axes: []string{}}
	}
	out.References[name] = ref.Clone()
}

// copyItem restores one item, demoting in-progress work to pending.
func copyItem(out *blackboard.State, ck blackboard.State, idx string, st blackboard.ItemStatus) {
	if st == blackboard.ItemInProgress {
		st = blackboard.ItemPending
	}
	out.ItemStatus[idx] = st
	if st != blackboard.ItemCompleted {
		return
	}
	if res, ok := ck.ItemResults[idx]; ok {
		out.ItemResults[idx] = res
	}
}

// CheckDependencies reports every input of a pending inference that is
// empty and has no runnable producer.
//
// A producer is runnable when it is pending. A completed producer whose
// concept is empty, a failed producer, and a missing producer all make the
// input unsatisfiable.
func CheckDependencies(repo *repository.Repository, state blackboard.State) error {
	var missing []Dependency
	for _, inf := range repo.Inferences() {
		if state.ItemStatus[inf.FlowIndex] != blackboard.ItemPending {
			continue
		}
		for _, name := range inf.Inputs() {
			if state.ConceptStatus[name] == blackboard.ConceptComplete {
				continue
			}
			producer, ok := repo.ProducerOf(name)
			reason := ""
			switch {
			case !ok:
				reason = "no value and no producing inference"
			case state.ItemStatus[producer] == blackboard.ItemFailed:
				reason = fmt.Sprintf("producer %s failed", producer)
			case state.ItemStatus[producer] == blackboard.ItemCompleted:
				reason = fmt.Sprintf("producer %s completed without a value", producer)
			}
			if reason != "" {
				missing = append(missing, Dependency{FlowIndex: inf.FlowIndex, Concept: name, Reason: reason})
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingDependencyError{Missing: missing}
}
