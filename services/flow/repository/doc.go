// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package repository holds the static definition of a flow: its concepts
// (named data slots) and inferences (computation steps that produce one
// concept from others).
//
// A Repository is immutable once built. Build validates the definition and
// computes a content signature for every concept and inference so that a
// later run can detect which parts of the graph changed:
//
//   - A ground concept's signature covers its name, kind, and supplied value.
//   - An inference's signature covers its function concept, working
//     interpretation, output name, inputs, and the signatures of every
//     concept it consumes.
//   - A derived concept's signature is the signature of its producer.
//
// Two repositories therefore produce the same signature for an inference
// iff that inference and everything it transitively depends on is unchanged.
//
// # Flow Indices
//
// Inferences are addressed by dotted flow indices ("1", "1.2", "1.2.1").
// Segments compare numerically and a parent sorts before its children, which
// gives the scheduler a deterministic total order.
//
// # Example
//
//	repo, err := repository.Build(
//	    []repository.ConceptDef{
//	        {Name: "a", Kind: repository.ConceptGround, Reference: &repository.Reference{Data: 5}},
//	        {Name: "b", Kind: repository.ConceptGround, Reference: &repository.Reference{Data: 3}},
//	        {Name: "sum", Kind: repository.ConceptDerived},
//	    },
//	    []repository.InferenceDef{
//	        {FlowIndex: "1", ToInfer: "sum", FunctionConcept: "add", ValueConcepts: []string{"a", "b"}},
//	    },
//	)
//	sig, _ := repo.SignatureOf("1")
//
// # Thread Safety
//
// Repository is safe for concurrent read access. Watcher is safe for
// concurrent use.
package repository
