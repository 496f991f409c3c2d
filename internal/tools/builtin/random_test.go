package builtin

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rcrtlabs/rcrt/internal/bus"
	"github.com/rcrtlabs/rcrt/internal/toolrunner"
)

func drawRandom(t *testing.T, input string) randomOutput {
	t.Helper()
	out, err := NewRandom().Execute(context.Background(), toolrunner.Invocation{
		Input: json.RawMessage(input),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return out.(randomOutput)
}

func TestRandom_DefaultsToZeroHundred(t *testing.T) {
	for i := 0; i < 50; i++ {
		got := drawRandom(t, `{}`)
		if got.Value < 0 || got.Value > 100 {
			t.Fatalf("value %d outside default range", got.Value)
		}
		if got.Min != 0 || got.Max != 100 {
			t.Fatalf("bounds = [%d,%d], want [0,100]", got.Min, got.Max)
		}
	}
}

func TestRandom_HonorsBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		got := drawRandom(t, `{"min":-3,"max":3}`)
		if got.Value < -3 || got.Value > 3 {
			t.Fatalf("value %d outside [-3,3]", got.Value)
		}
	}
}

func TestRandom_SingletonRange(t *testing.T) {
	got := drawRandom(t, `{"min":7,"max":7}`)
	if got.Value != 7 {
		t.Fatalf("value = %d, want 7", got.Value)
	}
}

func TestRandom_MinAboveMax(t *testing.T) {
	_, err := NewRandom().Execute(context.Background(), toolrunner.Invocation{
		Input: json.RawMessage(`{"min":10,"max":1}`),
	})
	if bus.KindOf(err) != bus.KindValidation {
		t.Fatalf("kind = %v, want validation", bus.KindOf(err))
	}
}
