package api

import (
	"context"
	"testing"
)

type fakeStep struct {
	results map[string]any
}

func newFakeStep() *fakeStep { return &fakeStep{results: make(map[string]any)} }

func (f *fakeStep) Do(ctx context.Context, name string, fn StepFunc) (any, error) {
	return f.DoWithOptions(ctx, name, DoOptions{}, fn)
}

func (f *fakeStep) DoWithOptions(ctx context.Context, name string, opts DoOptions, fn StepFunc) (any, error) {
	if v, ok := f.results[name]; ok {
		return v, nil
	}
	v, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	f.results[name] = v
	return v, nil
}

func (f *fakeStep) Sleep(ctx context.Context, name string, duration string) error { return nil }

func (f *fakeStep) GetStateFromStep(name string) (any, bool) {
	v, ok := f.results[name]
	return v, ok
}

type payload struct {
	X int `json:"x"`
}

func TestDo_TypedDirectReturn(t *testing.T) {
	step := newFakeStep()
	out, err := Do(context.Background(), step, "a", func(ctx context.Context) (payload, error) {
		return payload{X: 7}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.X != 7 {
		t.Fatalf("got %+v", out)
	}
}

func TestDo_TypedCoercesFromJSONRoundTrip(t *testing.T) {
	step := newFakeStep()
	// Simulate a memoized replay: the stored value decoded as map[string]any,
	// not a concrete payload.
	step.results["a"] = map[string]any{"x": float64(9)}

	out, err := Do(context.Background(), step, "a", func(ctx context.Context) (payload, error) {
		t.Fatal("fn must not be invoked when memoized")
		return payload{}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.X != 9 {
		t.Fatalf("got %+v", out)
	}
}

func TestDoWithOptions_PropagatesOptions(t *testing.T) {
	step := newFakeStep()
	opts := DoOptions{Retries: &RetryOptions{Limit: 2, Delay: "1 millisecond"}}
	out, err := DoWithOptions(context.Background(), step, "a", opts, func(ctx context.Context) (int, error) {
		return 5, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != 5 {
		t.Fatalf("got %d", out)
	}
}
