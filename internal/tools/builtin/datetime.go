package builtin

import (
	"context"
	"strconv"
	"time"

	"github.com/rcrtlabs/rcrt/internal/bus"
	"github.com/rcrtlabs/rcrt/internal/toolrunner"
)

// Datetime reports the current time, optionally converted to a requested
// zone and rendering.
type Datetime struct {
	now func() time.Time
}

// NewDatetime creates the datetime executor.
func NewDatetime() *Datetime { return &Datetime{now: time.Now} }

type datetimeInput struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA time zone name such as Europe/Berlin (default UTC)"`
	Format   string `json:"format,omitempty" jsonschema:"description=Rendering of the value field,enum=rfc3339,enum=unix,enum=human,default=rfc3339"`
}

type datetimeOutput struct {
	Value    string `json:"value"`
	Unix     int64  `json:"unix"`
	Timezone string `json:"timezone"`
	Weekday  string `json:"weekday"`
}

func (*Datetime) Definition() toolrunner.Definition {
	return toolrunner.Definition{
		Name:         "datetime",
		Description:  "Returns the current date and time, optionally in a given time zone.",
		Category:     "utility",
		InputSchema:  mustSchema[datetimeInput](),
		OutputSchema: mustSchema[datetimeOutput](),
		Examples: []toolrunner.Example{
			{Description: "Local time in Berlin", Input: map[string]any{"timezone": "Europe/Berlin", "format": "human"}},
		},
	}
}

func (d *Datetime) Execute(_ context.Context, inv toolrunner.Invocation) (any, error) {
	var in datetimeInput
	if err := inv.Decode(&in); err != nil {
		return nil, bus.WrapError(bus.KindValidation, err, "decode datetime input")
	}

	loc := time.UTC
	if in.Timezone != "" {
		l, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return nil, bus.NewError(bus.KindValidation, "unknown timezone %q", in.Timezone)
		}
		loc = l
	}
	t := d.now().In(loc)

	var value string
	switch in.Format {
	case "", "rfc3339":
		value = t.Format(time.RFC3339)
	case "unix":
		value = strconv.FormatInt(t.Unix(), 10)
	case "human":
		value = t.Format("Monday, January 2, 2006 at 3:04 PM MST")
	default:
		return nil, bus.NewError(bus.KindValidation, "unknown format %q", in.Format)
	}

	return datetimeOutput{
		Value:    value,
		Unix:     t.Unix(),
		Timezone: loc.String(),
		Weekday:  t.Weekday().String(),
	}, nil
}
