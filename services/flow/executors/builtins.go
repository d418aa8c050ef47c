// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/AleutianAI/AleutianFlow/services/flow/orchestrator"
	"github.com/AleutianAI/AleutianFlow/services/flow/repository"
)

// Built-in function concept names.
const (
	FuncAdd      = "add"
	FuncMultiply = "multiply"
	FuncConcat   = "concat"
	FuncIdentity = "identity"
	FuncCollect  = "collect"
	FuncAsk      = "ask"
)

// Builtin returns a registry holding every built-in function. Assigning
// interpretations fall back to identity, grouping to collect and
// imperative to ask.
func Builtin(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.MustRegister(FuncAdd, Add)
	r.MustRegister(FuncMultiply, Multiply)
	r.MustRegister(FuncConcat, Concat)
	r.MustRegister(FuncIdentity, Identity)
	r.MustRegister(FuncCollect, Collect)
	r.MustRegister(FuncAsk, Ask)

	// The kinds are distinct, so these cannot collide.
	_ = r.RegisterKind(repository.KindAssigning, Identity)
	_ = r.RegisterKind(repository.KindGrouping, Collect)
	_ = r.RegisterKind(repository.KindImperative, Ask)
	return r
}

// Add sums the numeric value concepts.
func Add(_ context.Context, inf *repository.Inference, in orchestrator.Inputs) orchestrator.Outcome {
	return fold(inf, in, 0, func(acc, n float64) float64 { return acc + n })
}

// Multiply multiplies the numeric value concepts.
func Multiply(_ context.Context, inf *repository.Inference, in orchestrator.Inputs) orchestrator.Outcome {
	return fold(inf, in, 1, func(acc, n float64) float64 { return acc * n })
}

func fold(inf *repository.Inference, in orchestrator.Inputs, start float64, op func(acc, n float64) float64) orchestrator.Outcome {
	if len(in.Values) == 0 {
		return orchestrator.Failure{Err: fmt.Errorf("%w: %s %s needs at least one value", ErrBadInput, inf.FunctionConcept, inf.FlowIndex)}
	}
	acc := start
	for i, ref := range in.Values {
		n, err := Number(ref.Data)
		if err != nil {
			return orchestrator.Failure{Err: fmt.Errorf("%w: %s value %q: %v", ErrBadInput, inf.FlowIndex, inf.ValueConcepts[i], err)}
		}
		acc = op(acc, n)
	}
	return orchestrator.Result{Reference: repository.Reference{Data: normalize(acc)}}
}

// Concat joins the value concepts as text. The separator comes from the
// interpretation's "separator" parameter.
func Concat(_ context.Context, inf *repository.Inference, in orchestrator.Inputs) orchestrator.Outcome {
	sep, _ := params(inf.Interpretation)["separator"].(string)
	parts := make([]string, 0, len(in.Values))
	for _, ref := range in.Values {
		parts = append(parts, text(ref.Data))
	}
	return orchestrator.Result{Reference: repository.Reference{Data: strings.Join(parts, sep)}}
}

// Identity copies the single value concept, axes included.
func Identity(_ context.Context, inf *repository.Inference, in orchestrator.Inputs) orchestrator.Outcome {
	if len(in.Values) != 1 {
		return orchestrator.Failure{Err: fmt.Errorf("%w: identity %s needs exactly one value, got %d", ErrBadInput, inf.FlowIndex, len(in.Values))}
	}
	return orchestrator.Result{Reference: *in.Values[0].Clone()}
}

// Collect gathers the value concepts into one list. A grouping
// interpretation's axis names the new axis.
func Collect(_ context.Context, inf *repository.Inference, in orchestrator.Inputs) orchestrator.Outcome {
	items := make([]any, 0, len(in.Values))
	for _, ref := range in.Values {
		items = append(items, ref.Data)
	}
	ref := repository.Reference{Data: items, Axes: []string{}}
	if g, ok := inf.Interpretation.(repository.Grouping); ok && g.Axis != "" {
		ref.Axes = []string{g.Axis}
	}
	return orchestrator.Result{Reference: ref}
}

// Ask suspends the inference until an answer for InteractionID(inf) is
// provided, then completes with that answer. The prompt is the first value
// concept, or the interpretation's "prompt" parameter.
func Ask(_ context.Context, inf *repository.Inference, in orchestrator.Inputs) orchestrator.Outcome {
	id := InteractionID(inf)
	if answer, ok := in.Responses[id]; ok {
		return orchestrator.Result{Reference: repository.Reference{Data: answer}}
	}

	prompt, _ := params(inf.Interpretation)["prompt"].(string)
	if len(in.Values) > 0 {
		prompt = text(in.Values[0].Data)
	}
	if prompt == "" {
		prompt = fmt.Sprintf("value for %s", inf.ToInfer)
	}
	return orchestrator.SuspendForInput{Prompt: prompt, InteractionID: id}
}

// InteractionID is the interaction id Ask uses for inf.
func InteractionID(inf *repository.Inference) string {
	return "ask-" + inf.FlowIndex
}

// Number converts a reference value to float64. Values restored from a
// checkpoint arrive as float64 or json.Number; values built in process keep
// their Go types.
func Number(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	case nil:
		return 0, fmt.Errorf("no value")
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

// normalize returns integral results as int so they print without a
// fractional part.
func normalize(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int(f)
	}
	return f
}

func text(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case float64:
		return fmt.Sprint(normalize(s))
	default:
		return fmt.Sprint(v)
	}
}

func params(interp repository.Interpretation) map[string]any {
	switch i := interp.(type) {
	case repository.Imperative:
		return i.Params
	case repository.Judgement:
		return i.Params
	case repository.Grouping:
		return i.Params
	case repository.Quantifying:
		return i.Params
	case repository.Assigning:
		return i.Params
	case repository.Timing:
		return i.Params
	}
	return nil
}
