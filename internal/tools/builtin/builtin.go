// Package builtin carries the tool executors every runner ships with:
// echo, random, datetime and web_fetch. They cover the request/response
// loop end to end without external services, and web_fetch gives agents a
// guarded window onto the public web.
//
// Input and output schemas are derived from the parameter structs, so the
// published catalog always matches what Execute actually decodes.
package builtin

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/rcrtlabs/rcrt/internal/toolrunner"
)

// Options tunes the builtin set. The zero value serves.
type Options struct {
	// FetchMaxChars caps web_fetch content length. Zero means 10000.
	FetchMaxChars int

	// FetchTimeout bounds one page fetch. Zero means 15 seconds.
	FetchTimeout time.Duration
}

// All returns the builtin executors in catalog order.
func All(opts Options) []toolrunner.Executor {
	return []toolrunner.Executor{
		NewEcho(),
		NewRandom(),
		NewDatetime(),
		NewWebFetch(opts),
	}
}

// mustSchema derives a JSON schema from a parameter struct. The inputs are
// static types, so a failure here is a programming error.
func mustSchema[T any]() json.RawMessage {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	// Round-trip through JSON to flatten the reflector's types, then drop
	// the metadata keys validators and catalogs have no use for.
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("builtin: marshal derived schema: %v", err))
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(fmt.Sprintf("builtin: reparse derived schema: %v", err))
	}
	delete(m, "$schema")
	delete(m, "$id")
	out, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("builtin: remarshal derived schema: %v", err))
	}
	return out
}
