package canonical

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/exposure_event.json
var eventSchemaJSON []byte

const eventSchemaURL = "exposure_event.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func eventSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true
		if err := compiler.AddResource(eventSchemaURL, bytes.NewReader(eventSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("failed to add event schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(eventSchemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("failed to compile event schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// Parse checks raw against the closed-world event schema and decodes it.
// Cross-field invariants are not checked; callers that need identifiers
// filled first (see identity.Tag) call Validate afterwards.
func Parse(raw []byte) (*Event, error) {
	schema, err := eventSchema()
	if err != nil {
		return nil, err
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, violation(ReasonMalformed, "", "invalid JSON: %v", err)
	}
	if dec.More() {
		return nil, violation(ReasonMalformed, "", "trailing data after event object")
	}

	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return nil, fromSchemaError(verr)
		}
		return nil, violation(ReasonMalformed, "", "%v", err)
	}

	// The schema accepts integral floats such as 50.0 as integers; rewrite
	// them so the typed decode agrees.
	normalized, err := json.Marshal(integralNumbers(doc))
	if err != nil {
		return nil, violation(ReasonMalformed, "", "normalize event: %v", err)
	}

	var event Event
	strict := json.NewDecoder(bytes.NewReader(normalized))
	strict.DisallowUnknownFields()
	if err := strict.Decode(&event); err != nil {
		return nil, violation(ReasonMalformed, "", "decode event: %v", err)
	}
	return &event, nil
}

// integralNumbers rewrites numbers written with a fraction or exponent but
// holding a whole value (50.0, 3e3) in plain integer form.
func integralNumbers(v any) any {
	switch v := v.(type) {
	case map[string]any:
		for k, child := range v {
			v[k] = integralNumbers(child)
		}
		return v
	case []any:
		for i, child := range v {
			v[i] = integralNumbers(child)
		}
		return v
	case json.Number:
		if !strings.ContainsAny(string(v), ".eE") {
			return v
		}
		f, err := v.Float64()
		if err != nil || f != math.Trunc(f) || math.Abs(f) > maxExactInteger {
			return v
		}
		return json.Number(strconv.FormatInt(int64(f), 10))
	}
	return v
}

// maxExactInteger is the largest whole number a float64 holds exactly.
const maxExactInteger = 1 << 53

// Decode parses and fully validates a single canonical event.
func Decode(raw []byte) (*Event, error) {
	event, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

// fromSchemaError reduces a schema failure to its most specific cause.
func fromSchemaError(err *jsonschema.ValidationError) *ValidationError {
	leaf := err
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}

	keyword := leaf.KeywordLocation
	if i := strings.LastIndex(keyword, "/"); i >= 0 {
		keyword = keyword[i+1:]
	}

	reason := ReasonMalformed
	switch keyword {
	case "required", "minItems", "minLength":
		reason = ReasonMissingField
	case "additionalProperties":
		reason = ReasonUnknownField
	case "enum", "const":
		reason = ReasonInvalidEnum
	case "minimum", "maximum", "exclusiveMinimum", "exclusiveMaximum":
		reason = ReasonOutOfRange
	case "type", "format":
		reason = ReasonInvalidType
	}

	return &ValidationError{Reason: reason, Field: leaf.InstanceLocation, Message: leaf.Message}
}
