package api

import (
	"context"
	"encoding/json"
	"fmt"
)

// Do runs a strongly-typed step function through a Step handle.
//
// The persistence format stays untyped JSON either way (see SPEC_FULL.md
// §4.2); Do/DoWithOptions just save
// callers the type assertion on the way out.
func Do[T any](ctx context.Context, step Step, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := step.Do(ctx, name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	return coerce[T](v)
}

// DoWithOptions is the typed counterpart of Step.DoWithOptions.
func DoWithOptions[T any](ctx context.Context, step Step, name string, opts DoOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := step.DoWithOptions(ctx, name, opts, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	return coerce[T](v)
}

// coerce type-asserts v into T, tolerating the case where v came back from
// a JSON round trip (e.g. after a memoized replay loaded it from storage)
// rather than directly from fn.
func coerce[T any](v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	if t, ok := v.(T); ok {
		return t, nil
	}

	// A memoized replay decodes storage's JSON into `any` (maps, slices,
	// float64, ...), which won't type-assert straight into a concrete T.
	// Round-trip through JSON once to recover the concrete shape.
	raw, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("durolow: step output of type %T is not assignable to %T: %w", v, zero, err)
	}
	var t T
	if err := json.Unmarshal(raw, &t); err != nil {
		return zero, fmt.Errorf("durolow: step output of type %T is not assignable to %T: %w", v, zero, err)
	}
	return t, nil
}
