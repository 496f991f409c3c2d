package builtin

import (
	"context"

	"github.com/rcrtlabs/rcrt/internal/bus"
	"github.com/rcrtlabs/rcrt/internal/toolrunner"
)

// Echo returns the input text unchanged. Agents use it to verify the
// request/response loop before trusting heavier tools.
type Echo struct{}

// NewEcho creates the echo executor.
func NewEcho() *Echo { return &Echo{} }

type echoInput struct {
	Text string `json:"text" jsonschema:"required,description=Text to echo back"`
}

type echoOutput struct {
	Text   string `json:"text"`
	Length int    `json:"length"`
}

func (*Echo) Definition() toolrunner.Definition {
	return toolrunner.Definition{
		Name:         "echo",
		Description:  "Returns the provided text unchanged, with its length in bytes.",
		Category:     "utility",
		InputSchema:  mustSchema[echoInput](),
		OutputSchema: mustSchema[echoOutput](),
		Examples: []toolrunner.Example{
			{Description: "Round-trip a greeting", Input: map[string]any{"text": "hello"}},
		},
	}
}

func (*Echo) Execute(_ context.Context, inv toolrunner.Invocation) (any, error) {
	var in echoInput
	if err := inv.Decode(&in); err != nil {
		return nil, bus.WrapError(bus.KindValidation, err, "decode echo input")
	}
	return echoOutput{Text: in.Text, Length: len(in.Text)}, nil
}
