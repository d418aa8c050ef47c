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
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// InterpretationKind names an execution paradigm family.
type InterpretationKind string

const (
	// KindImperative asks the executor to produce a value (typically via a prompt).
	KindImperative InterpretationKind = "imperative"

	// KindJudgement asks the executor to evaluate a truth-valued condition.
	KindJudgement InterpretationKind = "judgement"

	// KindGrouping collects input references into one reference along an axis.
	KindGrouping InterpretationKind = "grouping"

	// KindQuantifying iterates over the elements of a concept.
	KindQuantifying InterpretationKind = "quantifying"

	// KindAssigning copies or selects a reference from a source concept.
	KindAssigning InterpretationKind = "assigning"

	// KindTiming gates execution on a condition concept.
	KindTiming InterpretationKind = "timing"
)

// Interpretation describes how an executor should compute an inference.
//
// Description:
//
//	Interpretation is a closed set of variants. The scheduler never looks
//	inside it; executors switch on the concrete type. Kinds not known to this
//	package decode into RawInterpretation so newer definitions still load.
type Interpretation interface {
	// Kind returns the paradigm family of the variant.
	Kind() InterpretationKind

	isInterpretation()
}

// Imperative computes a value, usually by rendering a prompt.
type Imperative struct {
	Paradigm       string         `json:"paradigm,omitempty"`
	PromptLocation string         `json:"prompt_location,omitempty"`
	OutputType     string         `json:"output_type,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
}

// Judgement evaluates a condition and produces a truth value.
type Judgement struct {
	Paradigm       string         `json:"paradigm,omitempty"`
	PromptLocation string         `json:"prompt_location,omitempty"`
	Condition      string         `json:"condition,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
}

// Grouping collects its inputs into one reference.
type Grouping struct {
	By     []string       `json:"by,omitempty"`
	Axis   string         `json:"axis,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// Quantifying iterates over the elements of Over.
type Quantifying struct {
	Over   string         `json:"over,omitempty"`
	Axis   string         `json:"axis,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// Assigning selects or copies the reference of Source.
type Assigning struct {
	Marker string         `json:"marker,omitempty"`
	Source string         `json:"source,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// Timing gates an inference on Condition.
type Timing struct {
	Marker    string         `json:"marker,omitempty"`
	Condition string         `json:"condition,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// RawInterpretation carries a kind this package does not recognize.
type RawInterpretation struct {
	RawKind string
	Fields  map[string]any
}

func (Imperative) Kind() InterpretationKind  { return KindImperative }
func (Judgement) Kind() InterpretationKind   { return KindJudgement }
func (Grouping) Kind() InterpretationKind    { return KindGrouping }
func (Quantifying) Kind() InterpretationKind { return KindQuantifying }
func (Assigning) Kind() InterpretationKind   { return KindAssigning }
func (Timing) Kind() InterpretationKind      { return KindTiming }

// Kind returns the unrecognized kind verbatim.
func (r RawInterpretation) Kind() InterpretationKind { return InterpretationKind(r.RawKind) }

func (Imperative) isInterpretation()        {}
func (Judgement) isInterpretation()         {}
func (Grouping) isInterpretation()          {}
func (Quantifying) isInterpretation()       {}
func (Assigning) isInterpretation()         {}
func (Timing) isInterpretation()            {}
func (RawInterpretation) isInterpretation() {}

// WorkingInterpretation is the serializable holder of an Interpretation.
//
// It encodes as a flat object with a "kind" discriminator:
//
//	{"kind": "imperative", "paradigm": "h_PromptTemplate-c_Generate", "output_type": "text"}
//
// A zero WorkingInterpretation (nil Interpretation) encodes as null.
type WorkingInterpretation struct {
	Interpretation
}

// MarshalJSON encodes the variant with its kind discriminator.
func (w WorkingInterpretation) MarshalJSON() ([]byte, error) {
	fields, err := interpretationFields(w.Interpretation)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		return []byte("null"), nil
	}
	return json.Marshal(fields)
}

// UnmarshalJSON decodes a flat object into the matching variant.
func (w *WorkingInterpretation) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		w.Interpretation = nil
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode working interpretation: %w", err)
	}
	interp, err := interpretationFromFields(fields)
	if err != nil {
		return err
	}
	w.Interpretation = interp
	return nil
}

// MarshalYAML encodes the variant as a flat mapping.
func (w WorkingInterpretation) MarshalYAML() (any, error) {
	return interpretationFields(w.Interpretation)
}

// UnmarshalYAML decodes a flat mapping into the matching variant.
func (w *WorkingInterpretation) UnmarshalYAML(node *yaml.Node) error {
	var fields map[string]any
	if err := node.Decode(&fields); err != nil {
		return fmt.Errorf("decode working interpretation: %w", err)
	}
	if fields == nil {
		w.Interpretation = nil
		return nil
	}
	interp, err := interpretationFromFields(fields)
	if err != nil {
		return err
	}
	w.Interpretation = interp
	return nil
}

// interpretationFields flattens a variant into a map with a "kind" key.
func interpretationFields(interp Interpretation) (map[string]any, error) {
	if interp == nil {
		return nil, nil
	}
	if raw, ok := interp.(RawInterpretation); ok {
		fields := make(map[string]any, len(raw.Fields)+1)
		for k, v := range raw.Fields {
			fields[k] = v
		}
		fields["kind"] = raw.RawKind
		return fields, nil
	}

	data, err := json.Marshal(interp)
	if err != nil {
		return nil, fmt.Errorf("encode %s interpretation: %w", interp.Kind(), err)
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("encode %s interpretation: %w", interp.Kind(), err)
	}
	fields["kind"] = string(interp.Kind())
	return fields, nil
}

// interpretationFromFields builds the variant named by fields["kind"].
//
// Known kinds are decoded strictly: an unexpected field is an error rather
// than silently dropped, since dropped fields would escape the signature.
func interpretationFromFields(fields map[string]any) (Interpretation, error) {
	kind, _ := fields["kind"].(string)
	if kind == "" {
		return nil, fmt.Errorf("working interpretation: missing \"kind\"")
	}

	rest := make(map[string]any, len(fields))
	for k, v := range fields {
		if k != "kind" {
			rest[k] = v
		}
	}

	var target Interpretation
	switch InterpretationKind(kind) {
	case KindImperative:
		target = &Imperative{}
	case KindJudgement:
		target = &Judgement{}
	case KindGrouping:
		target = &Grouping{}
	case KindQuantifying:
		target = &Quantifying{}
	case KindAssigning:
		target = &Assigning{}
	case KindTiming:
		target = &Timing{}
	default:
		return RawInterpretation{RawKind: kind, Fields: rest}, nil
	}

	data, err := json.Marshal(rest)
	if err != nil {
		return nil, fmt.Errorf("working interpretation %q: %w", kind, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return nil, fmt.Errorf("working interpretation %q: %w", kind, err)
	}

	switch v := target.(type) {
	case *Imperative:
		return *v, nil
	case *Judgement:
		return *v, nil
	case *Grouping:
		return *v, nil
	case *Quantifying:
		return *v, nil
	case *Assigning:
		return *v, nil
	default:
		return *(target.(*Timing)), nil
	}
}

// canonicalInterpretation returns a stable byte encoding for hashing.
// encoding/json sorts map keys, so equal variants always encode identically.
func canonicalInterpretation(interp Interpretation) ([]byte, error) {
	fields, err := interpretationFields(interp)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}
