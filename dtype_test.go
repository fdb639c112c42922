package treestore

import (
	"errors"
	"testing"
)

func TestInferDtype(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want Dtype
	}{
		{"nil", nil, ""},
		{"bool", true, Bool},
		{"int", 7, Integer},
		{"int64", int64(7), Integer},
		{"whole float", float64(3), Integer},
		{"fractional float", 3.5, Real},
		{"string", "x", Text},
		{"list", []any{1, 2}, JSONList},
		{"object", map[string]any{"a": 1}, JSON},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := inferDtype(tc.in); got != tc.want {
				t.Errorf("inferDtype(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestReconcileDtype(t *testing.T) {
	t.Run("null replaced by concrete", func(t *testing.T) {
		got, err := reconcileDtype("f", "", Integer)
		if err != nil || got != Integer {
			t.Fatalf("got %v, %v; want %v, nil", got, err, Integer)
		}
	})
	t.Run("matching dtypes keep current", func(t *testing.T) {
		got, err := reconcileDtype("f", Text, Text)
		if err != nil || got != Text {
			t.Fatalf("got %v, %v; want %v, nil", got, err, Text)
		}
	})
	t.Run("mismatch aborts", func(t *testing.T) {
		_, err := reconcileDtype("f", Integer, Text)
		if err == nil {
			t.Fatal("expected a dtype mismatch error")
		}
		if !errors.Is(err, ErrDataModel) {
			t.Fatalf("expected ErrDataModel, got %v", err)
		}
	})
	t.Run("observed null is a no-op", func(t *testing.T) {
		got, err := reconcileDtype("f", Integer, "")
		if err != nil || got != Integer {
			t.Fatalf("got %v, %v; want %v, nil", got, err, Integer)
		}
	})
}
