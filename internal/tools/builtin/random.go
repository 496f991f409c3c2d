package builtin

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/rcrtlabs/rcrt/internal/bus"
	"github.com/rcrtlabs/rcrt/internal/toolrunner"
)

// Random draws a uniform integer from an inclusive range.
type Random struct{}

// NewRandom creates the random executor.
func NewRandom() *Random { return &Random{} }

type randomInput struct {
	Min *int64 `json:"min,omitempty" jsonschema:"description=Lower bound (inclusive; default 0)"`
	Max *int64 `json:"max,omitempty" jsonschema:"description=Upper bound (inclusive; default 100)"`
}

type randomOutput struct {
	Value int64 `json:"value"`
	Min   int64 `json:"min"`
	Max   int64 `json:"max"`
}

func (*Random) Definition() toolrunner.Definition {
	return toolrunner.Definition{
		Name:         "random",
		Description:  "Draws a uniform random integer between min and max, inclusive.",
		Category:     "utility",
		InputSchema:  mustSchema[randomInput](),
		OutputSchema: mustSchema[randomOutput](),
		Examples: []toolrunner.Example{
			{Description: "Roll a die", Input: map[string]any{"min": 1, "max": 6}},
		},
	}
}

func (*Random) Execute(_ context.Context, inv toolrunner.Invocation) (any, error) {
	var in randomInput
	if err := inv.Decode(&in); err != nil {
		return nil, bus.WrapError(bus.KindValidation, err, "decode random input")
	}
	lo, hi := int64(0), int64(100)
	if in.Min != nil {
		lo = *in.Min
	}
	if in.Max != nil {
		hi = *in.Max
	}
	if lo > hi {
		return nil, bus.NewError(bus.KindValidation, "min %d exceeds max %d", lo, hi)
	}

	// Big arithmetic keeps the span exact even across the full int64 range.
	span := new(big.Int).Sub(big.NewInt(hi), big.NewInt(lo))
	span.Add(span, big.NewInt(1))
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return nil, fmt.Errorf("draw random value: %w", err)
	}
	value := new(big.Int).Add(n, big.NewInt(lo))
	return randomOutput{Value: value.Int64(), Min: lo, Max: hi}, nil
}
