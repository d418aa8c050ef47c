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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// conceptPayload is hashed for ground concepts and for derived concepts
// that have no producer.
type conceptPayload struct {
	Name      string      `json:"name"`
	Kind      ConceptKind `json:"kind"`
	Reference *Reference  `json:"reference"`
}

// inferencePayload is hashed for every inference. Flow index is excluded
// so renumbering a flow does not invalidate results.
type inferencePayload struct {
	FunctionConcept string               `json:"function_concept"`
	Interpretation  json.RawMessage      `json:"working_interpretation"`
	ToInfer         string               `json:"to_infer"`
	ValueConcepts   []string             `json:"value_concepts"`
	ContextConcepts []string             `json:"context_concepts"`
	Inputs          map[string]Signature `json:"inputs"`
}

// signer computes signatures recursively with memoization.
type signer struct {
	repo     *Repository
	concepts map[string]Signature
	items    map[string]Signature
}

// computeSignatures hashes every concept and inference of an acyclic repository.
func computeSignatures(r *Repository) (Signatures, error) {
	s := &signer{
		repo:     r,
		concepts: make(map[string]Signature, len(r.concepts)),
		items:    make(map[string]Signature, len(r.inferences)),
	}
	for _, name := range r.conceptOrd {
		if _, err := s.concept(name); err != nil {
			return Signatures{}, err
		}
	}
	for _, idx := range r.flowOrder {
		if _, err := s.item(idx); err != nil {
			return Signatures{}, err
		}
	}
	return Signatures{Concepts: s.concepts, Items: s.items}, nil
}

func (s *signer) concept(name string) (Signature, error) {
	if sig, ok := s.concepts[name]; ok {
		return sig, nil
	}
	c, ok := s.repo.concepts[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownConcept, name)
	}

	var sig Signature
	if idx, produced := s.repo.producer[name]; produced && c.Kind == ConceptDerived {
		itemSig, err := s.item(idx)
		if err != nil {
			return "", err
		}
		sig = itemSig
	} else {
		h, err := hashJSON(conceptPayload{Name: c.Name, Kind: c.Kind, Reference: c.Reference})
		if err != nil {
			return "", fmt.Errorf("concept %s: %w", name, err)
		}
		sig = h
	}
	s.concepts[name] = sig
	return sig, nil
}

func (s *signer) item(flowIndex string) (Signature, error) {
	if sig, ok := s.items[flowIndex]; ok {
		return sig, nil
	}
	inf, ok := s.repo.inferences[flowIndex]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownInference, flowIndex)
	}

	interp, err := canonicalInterpretation(inf.Interpretation)
	if err != nil {
		return "", fmt.Errorf("inference %s: %w", flowIndex, err)
	}

	ctxConcepts := append([]string(nil), inf.ContextConcepts...)
	sort.Strings(ctxConcepts)

	inputs := make(map[string]Signature)
	for _, name := range inf.Inputs() {
		sig, err := s.concept(name)
		if err != nil {
			return "", err
		}
		inputs[name] = sig
	}

	sig, err := hashJSON(inferencePayload{
		FunctionConcept: inf.FunctionConcept,
		Interpretation:  interp,
		ToInfer:         inf.ToInfer,
		ValueConcepts:   inf.ValueConcepts,
		ContextConcepts: ctxConcepts,
		Inputs:          inputs,
	})
	if err != nil {
		return "", fmt.Errorf("inference %s: %w", flowIndex, err)
	}
	s.items[flowIndex] = sig
	return sig, nil
}

// hashJSON returns the hex SHA-256 of v's JSON encoding.
func hashJSON(v any) (Signature, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal for signature: %w", err)
	}
	sum := sha256.Sum256(data)
	return Signature(hex.EncodeToString(sum[:])), nil
}

// digestSignatures hashes a full signature set into one value.
func digestSignatures(s Signatures) Signature {
	sig, err := hashJSON(s)
	if err != nil {
		return ""
	}
	return sig
}
