package phase

import (
	"context"
	"testing"
)

func noopLoader() Implementation {
	return ImplementationFunc(func(ctx context.Context, inputs []Input, outputs ResolvedOutputs) (Result, error) {
		return Result{Status: StatusSucceeded}, nil
	})
}

func TestNewRegistry_OrdersAndLooksUp(t *testing.T) {
	extract := &Spec{Name: "extract", Version: "1.0.0", Provides: []string{"extract.audio"}, Loader: noopLoader}
	asr := &Spec{Name: "asr", Version: "1.0.0", Requires: []string{"extract.audio"}, Provides: []string{"asr.result"}, Loader: noopLoader}

	reg, err := NewRegistry([]*Spec{extract, asr})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if reg.Len() != 2 {
		t.Fatalf("Len: got %d, want 2", reg.Len())
	}
	if reg.IndexOf("extract") != 0 || reg.IndexOf("asr") != 1 {
		t.Errorf("unexpected registry order: extract=%d asr=%d", reg.IndexOf("extract"), reg.IndexOf("asr"))
	}

	got, ok := reg.Get("asr")
	if !ok || got.Name != "asr" {
		t.Errorf("Get(asr): got %v, ok=%v", got, ok)
	}

	if _, ok := reg.Get("missing"); ok {
		t.Error("Get(missing) should report not-found")
	}
}

func TestNewRegistry_DuplicateName(t *testing.T) {
	a := &Spec{Name: "dup", Version: "1.0.0", Loader: noopLoader}
	b := &Spec{Name: "dup", Version: "1.0.0", Loader: noopLoader}

	if _, err := NewRegistry([]*Spec{a, b}); err == nil {
		t.Error("expected error for duplicate phase name")
	}
}

func TestNewRegistry_DuplicateProvides(t *testing.T) {
	a := &Spec{Name: "a", Version: "1.0.0", Provides: []string{"shared.key"}, Loader: noopLoader}
	b := &Spec{Name: "b", Version: "1.0.0", Provides: []string{"shared.key"}, Loader: noopLoader}

	if _, err := NewRegistry([]*Spec{a, b}); err == nil {
		t.Error("expected error for duplicate provided key")
	}
}

func TestNewRegistry_RequiresUndeclaredKey(t *testing.T) {
	a := &Spec{Name: "a", Version: "1.0.0", Requires: []string{"nope"}, Loader: noopLoader}

	if _, err := NewRegistry([]*Spec{a}); err == nil {
		t.Error("expected error for undeclared required key")
	}
}

func TestNewRegistry_BackwardRequireRejected(t *testing.T) {
	// b requires a key only 'a' (which comes later in the given order) provides.
	b := &Spec{Name: "b", Version: "1.0.0", Requires: []string{"a.out"}, Loader: noopLoader}
	a := &Spec{Name: "a", Version: "1.0.0", Provides: []string{"a.out"}, Loader: noopLoader}

	if _, err := NewRegistry([]*Spec{b, a}); err == nil {
		t.Error("expected error when a phase requires a key provided later in the order")
	}
}

func TestSpec_Load_MemoizesImplementation(t *testing.T) {
	calls := 0
	s := &Spec{
		Name: "x", Version: "1.0.0",
		Loader: func() Implementation {
			calls++
			return noopLoader()
		},
	}

	s.Load()
	s.Load()
	s.Load()

	if calls != 1 {
		t.Errorf("Loader called %d times, want 1", calls)
	}
}
