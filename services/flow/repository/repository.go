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
	"sort"
	"strings"
)

// Repository is the immutable, validated definition of a flow.
//
// Thread Safety:
//
//	Safe for concurrent use. Nothing is mutated after Build returns.
type Repository struct {
	concepts   map[string]*Concept
	conceptOrd []string

	inferences map[string]*Inference
	flowOrder  []string

	producer  map[string]string   // concept -> flow index
	consumers map[string][]string // concept -> flow indices, flow order

	signatures Signatures
}

// Build validates definitions and returns an immutable repository.
//
// Description:
//
//	Collects every problem it finds rather than stopping at the first, so
//	a definition author sees the whole list at once. Checks:
//	  - concept names are non-empty and unique, kinds are valid
//	  - flow indices are well-formed and unique
//	  - to_infer names an existing derived concept with one producer
//	  - every value and context concept exists
//	  - the concept graph is acyclic
//
//	Signatures for every concept and inference are computed before return.
//
// Inputs:
//
//	concepts - Concept definitions.
//	inferences - Inference definitions. Must not be empty.
//
// Outputs:
//
//	*Repository - The built repository. Never nil on success.
//	error - A *DefinitionError wrapping ErrDefinition on validation failure.
func Build(concepts []ConceptDef, inferences []InferenceDef) (*Repository, error) {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	r := &Repository{
		concepts:   make(map[string]*Concept, len(concepts)),
		inferences: make(map[string]*Inference, len(inferences)),
		producer:   make(map[string]string, len(inferences)),
		consumers:  make(map[string][]string),
	}

	for _, def := range concepts {
		if def.Name == "" {
			addf("concept with empty name")
			continue
		}
		if _, dup := r.concepts[def.Name]; dup {
			addf("duplicate concept %q", def.Name)
			continue
		}
		if !def.Kind.Valid() {
			addf("concept %q: invalid kind %q", def.Name, def.Kind)
		}
		if def.Kind == ConceptDerived && def.Reference != nil {
			addf("concept %q: derived concepts cannot carry a reference", def.Name)
		}
		r.concepts[def.Name] = &Concept{
			Name:        def.Name,
			Kind:        def.Kind,
			NaturalName: def.NaturalName,
			Reference:   def.Reference.Clone(),
		}
		r.conceptOrd = append(r.conceptOrd, def.Name)
	}

	if len(inferences) == 0 {
		addf("no inferences defined")
	}

	for _, def := range inferences {
		if err := ValidateFlowIndex(def.FlowIndex); err != nil {
			addf("inference %q: %v", def.FlowIndex, err)
			continue
		}
		if _, dup := r.inferences[def.FlowIndex]; dup {
			addf("duplicate flow index %q", def.FlowIndex)
			continue
		}
		if def.FunctionConcept == "" {
			addf("inference %s: empty function_concept", def.FlowIndex)
		}

		out, ok := r.concepts[def.ToInfer]
		switch {
		case !ok:
			addf("inference %s: to_infer %q is not a defined concept", def.FlowIndex, def.ToInfer)
		case out.Kind == ConceptGround:
			addf("inference %s: to_infer %q is a ground concept", def.FlowIndex, def.ToInfer)
		default:
			if prev, taken := r.producer[def.ToInfer]; taken {
				addf("inference %s: concept %q is already produced by %s", def.FlowIndex, def.ToInfer, prev)
			} else {
				r.producer[def.ToInfer] = def.FlowIndex
			}
		}

		for _, name := range def.ValueConcepts {
			if _, ok := r.concepts[name]; !ok {
				addf("inference %s: value concept %q is not defined", def.FlowIndex, name)
			}
		}
		for _, name := range def.ContextConcepts {
			if _, ok := r.concepts[name]; !ok {
				addf("inference %s: context concept %q is not defined", def.FlowIndex, name)
			}
		}

		inf := &Inference{
			FlowIndex:       def.FlowIndex,
			ToInfer:         def.ToInfer,
			FunctionConcept: def.FunctionConcept,
			ValueConcepts:   append([]string(nil), def.ValueConcepts...),
			ContextConcepts: append([]string(nil), def.ContextConcepts...),
			Interpretation:  def.WorkingInterpretation.Interpretation,
		}
		r.inferences[def.FlowIndex] = inf
		r.flowOrder = append(r.flowOrder, def.FlowIndex)
	}

	if len(problems) > 0 {
		return nil, &DefinitionError{Problems: problems}
	}

	SortFlowIndices(r.flowOrder)
	for _, idx := range r.flowOrder {
		inf := r.inferences[idx]
		seen := make(map[string]bool)
		for _, name := range inf.Inputs() {
			if seen[name] {
				continue
			}
			seen[name] = true
			r.consumers[name] = append(r.consumers[name], idx)
		}
	}

	if cycle := r.findCycle(); cycle != nil {
		return nil, &DefinitionError{Problems: []string{
			"dependency cycle: " + strings.Join(cycle, " -> "),
		}}
	}

	sigs, err := computeSignatures(r)
	if err != nil {
		return nil, fmt.Errorf("compute signatures: %w", err)
	}
	r.signatures = sigs

	return r, nil
}

// findCycle walks concept -> producer inputs with DFS and returns the first
// cycle found as a concept path, or nil.
func (r *Repository) findCycle() []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string
	var cycle []string

	var dfs func(name string) bool
	dfs = func(name string) bool {
		visited[name] = true
		onStack[name] = true
		path = append(path, name)

		if idx, ok := r.producer[name]; ok {
			for _, dep := range r.inferences[idx].Inputs() {
				if !visited[dep] {
					if dfs(dep) {
						return true
					}
				} else if onStack[dep] {
					start := 0
					for i, n := range path {
						if n == dep {
							start = i
							break
						}
					}
					cycle = append(append([]string(nil), path[start:]...), dep)
					return true
				}
			}
		}

		path = path[:len(path)-1]
		onStack[name] = false
		return false
	}

	names := append([]string(nil), r.conceptOrd...)
	sort.Strings(names)
	for _, name := range names {
		if !visited[name] && dfs(name) {
			return cycle
		}
	}
	return nil
}

// Concept returns the named concept.
func (r *Repository) Concept(name string) (*Concept, bool) {
	c, ok := r.concepts[name]
	return c, ok
}

// Concepts returns every concept in definition order.
func (r *Repository) Concepts() []*Concept {
	out := make([]*Concept, 0, len(r.conceptOrd))
	for _, name := range r.conceptOrd {
		out = append(out, r.concepts[name])
	}
	return out
}

// Inference returns the inference at flowIndex.
func (r *Repository) Inference(flowIndex string) (*Inference, bool) {
	inf, ok := r.inferences[flowIndex]
	return inf, ok
}

// Inferences returns every inference in flow order.
func (r *Repository) Inferences() []*Inference {
	out := make([]*Inference, 0, len(r.flowOrder))
	for _, idx := range r.flowOrder {
		out = append(out, r.inferences[idx])
	}
	return out
}

// FlowIndices returns every flow index in flow order.
func (r *Repository) FlowIndices() []string {
	return append([]string(nil), r.flowOrder...)
}

// ProducerOf returns the flow index that produces concept, if any.
func (r *Repository) ProducerOf(concept string) (string, bool) {
	idx, ok := r.producer[concept]
	return idx, ok
}

// ConsumersOf returns the flow indices that read concept, in flow order.
func (r *Repository) ConsumersOf(concept string) []string {
	return append([]string(nil), r.consumers[concept]...)
}

// Downstream returns every inference that transitively consumes the output
// of flowIndex, in flow order. flowIndex itself is not included.
func (r *Repository) Downstream(flowIndex string) ([]string, error) {
	inf, ok := r.inferences[flowIndex]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInference, flowIndex)
	}

	seen := make(map[string]bool)
	queue := []string{inf.ToInfer}
	for len(queue) > 0 {
		concept := queue[0]
		queue = queue[1:]
		for _, idx := range r.consumers[concept] {
			if seen[idx] {
				continue
			}
			seen[idx] = true
			queue = append(queue, r.inferences[idx].ToInfer)
		}
	}

	out := make([]string, 0, len(seen))
	for idx := range seen {
		out = append(out, idx)
	}
	SortFlowIndices(out)
	return out, nil
}

// SignatureOf returns the signature of the inference at flowIndex.
func (r *Repository) SignatureOf(flowIndex string) (Signature, error) {
	sig, ok := r.signatures.Items[flowIndex]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownInference, flowIndex)
	}
	return sig, nil
}

// ConceptSignature returns the signature of the named concept.
func (r *Repository) ConceptSignature(name string) (Signature, error) {
	sig, ok := r.signatures.Concepts[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownConcept, name)
	}
	return sig, nil
}

// Signatures returns a copy of every concept and inference signature.
func (r *Repository) Signatures() Signatures {
	return r.signatures.Clone()
}

// Digest returns one signature summarizing the whole repository.
func (r *Repository) Digest() Signature {
	return digestSignatures(r.signatures)
}
