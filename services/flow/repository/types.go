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

// ConceptKind distinguishes supplied concepts from computed ones.
type ConceptKind string

const (
	// ConceptGround is supplied as input and never computed.
	ConceptGround ConceptKind = "ground"

	// ConceptDerived is produced by exactly one inference.
	ConceptDerived ConceptKind = "derived"
)

// Valid reports whether k is a known kind.
func (k ConceptKind) Valid() bool {
	return k == ConceptGround || k == ConceptDerived
}

// Reference is the value held by a complete concept.
//
// Data must be JSON-encodable. Axes names the dimensions of Data when it is
// multi-dimensional and is empty for scalars.
type Reference struct {
	Data any      `json:"reference_data" yaml:"reference_data"`
	Axes []string `json:"reference_axes" yaml:"reference_axes"`
}

// Clone returns a copy with its own Axes slice. Data is shared and is
// treated as immutable everywhere in this module.
func (r *Reference) Clone() *Reference {
	if r == nil {
		return nil
	}
	axes := make([]string, len(r.Axes))
	copy(axes, r.Axes)
	return &Reference{Data: r.Data, Axes: axes}
}

// ConceptDef is the definition-file form of a concept.
type ConceptDef struct {
	Name        string      `json:"name" yaml:"name" validate:"required"`
	Kind        ConceptKind `json:"kind" yaml:"kind" validate:"required,oneof=ground derived"`
	NaturalName string      `json:"natural_name,omitempty" yaml:"natural_name,omitempty"`
	Reference   *Reference  `json:"reference,omitempty" yaml:"reference,omitempty"`
}

// InferenceDef is the definition-file form of an inference.
type InferenceDef struct {
	FlowIndex             string                `json:"flow_index" yaml:"flow_index" validate:"required"`
	ToInfer               string                `json:"to_infer" yaml:"to_infer" validate:"required"`
	FunctionConcept       string                `json:"function_concept" yaml:"function_concept" validate:"required"`
	ValueConcepts         []string              `json:"value_concepts,omitempty" yaml:"value_concepts,omitempty" validate:"dive,required"`
	ContextConcepts       []string              `json:"context_concepts,omitempty" yaml:"context_concepts,omitempty" validate:"dive,required"`
	WorkingInterpretation WorkingInterpretation `json:"working_interpretation" yaml:"working_interpretation"`
}

// Concept is a built, immutable concept.
type Concept struct {
	Name        string
	Kind        ConceptKind
	NaturalName string

	// Reference is the value supplied by the definition. Only ground
	// concepts carry one; nil means the value is supplied at run time.
	Reference *Reference
}

// Inference is a built, immutable inference.
type Inference struct {
	FlowIndex       string
	ToInfer         string
	FunctionConcept string
	ValueConcepts   []string
	ContextConcepts []string
	Interpretation  Interpretation
}

// Inputs returns the value concepts followed by the context concepts.
func (inf *Inference) Inputs() []string {
	out := make([]string, 0, len(inf.ValueConcepts)+len(inf.ContextConcepts))
	out = append(out, inf.ValueConcepts...)
	return append(out, inf.ContextConcepts...)
}

// Signature is a hex-encoded SHA-256 content hash.
type Signature string

// Signatures holds every signature in a repository.
//
// The JSON form is embedded verbatim in checkpoints.
type Signatures struct {
	Concepts map[string]Signature `json:"concept_signatures"`
	Items    map[string]Signature `json:"item_signatures"`
}

// Clone returns a deep copy.
func (s Signatures) Clone() Signatures {
	out := Signatures{
		Concepts: make(map[string]Signature, len(s.Concepts)),
		Items:    make(map[string]Signature, len(s.Items)),
	}
	for k, v := range s.Concepts {
		out.Concepts[k] = v
	}
	for k, v := range s.Items {
		out.Items[k] = v
	}
	return out
}
