package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator checks JSON documents against one compiled JSON Schema.
// A Validator compiled from an empty schema accepts any well-formed JSON.
type Validator struct {
	subject string
	schema  *jsonschema.Schema
}

// ValidationError is a local, pre-network rejection of arguments or of an
// inbound payload. It is never sent to the server.
type ValidationError struct {
	Subject   string
	Message   string
	Locations []string
}

func (e *ValidationError) Error() string {
	if len(e.Locations) == 0 {
		return fmt.Sprintf("validate %s: %s", e.Subject, e.Message)
	}
	return fmt.Sprintf("validate %s: %s (at %s)", e.Subject, e.Message, strings.Join(e.Locations, ", "))
}

// Compile builds a Validator for the given subject (used in error messages
// and as the schema resource name).
func Compile(subject string, raw json.RawMessage) (*Validator, error) {
	v := &Validator{subject: subject}
	if len(bytes.TrimSpace(raw)) == 0 {
		return v, nil
	}

	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires for exact numeric keywords.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", subject, err)
	}

	resource := url.PathEscape(subject) + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", subject, err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", subject, err)
	}
	v.schema = compiled
	return v, nil
}

// MustCompile is Compile for schemas embedded in code; it panics on error.
func MustCompile(subject string, raw json.RawMessage) *Validator {
	v, err := Compile(subject, raw)
	if err != nil {
		panic(err)
	}
	return v
}

// Subject returns the name the validator reports in errors.
func (v *Validator) Subject() string { return v.subject }


// Validate checks a JSON document. Failures are *ValidationError.
func (v *Validator) Validate(data []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &ValidationError{Subject: v.subject, Message: fmt.Sprintf("invalid JSON: %s", err)}
	}
	if v.schema == nil {
		return nil
	}
	if err := v.schema.Validate(instance); err != nil {
		verr := &ValidationError{Subject: v.subject, Message: "schema validation failed"}
		var schemaErr *jsonschema.ValidationError
		if errors.As(err, &schemaErr) {
			verr.Locations = leafLocations(schemaErr, nil)
			verr.Message = firstLine(schemaErr.Error())
		} else {
			verr.Message = err.Error()
		}
		return verr
	}
	return nil
}

// ValidateValue encodes value to JSON, validates it and returns the encoding.
func (v *Validator) ValidateValue(value any) (json.RawMessage, error) {
	var data []byte
	switch x := value.(type) {
	case json.RawMessage:
		data = x
	case []byte:
		data = x
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, &ValidationError{Subject: v.subject, Message: fmt.Sprintf("encode: %s", err)}
		}
		data = b
	}
	if err := v.Validate(data); err != nil {
		return nil, err
	}
	return data, nil
}

func leafLocations(err *jsonschema.ValidationError, out []string) []string {
	if len(err.Causes) == 0 {
		return append(out, "/"+strings.Join(err.InstanceLocation, "/"))
	}
	for _, cause := range err.Causes {
		out = leafLocations(cause, out)
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
