package schema

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const moveStageArgs = `{
	"type": "object",
	"properties": {
		"x": {"type": "number"},
		"y": {"type": "number"},
		"is_absolute": {"type": "boolean"}
	},
	"required": ["x"],
	"additionalProperties": false
}`

func TestValidator_AcceptsValidArgs(t *testing.T) {
	v, err := Compile("move_stage args", json.RawMessage(moveStageArgs))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := v.Validate([]byte(`{"x": 10, "is_absolute": false}`)); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidator_RejectsInvalidArgs(t *testing.T) {
	v := MustCompile("move_stage args", json.RawMessage(moveStageArgs))

	tests := []struct {
		name string
		doc  string
	}{
		{"missing required", `{"y": 1}`},
		{"wrong type", `{"x": "ten"}`},
		{"unknown property", `{"x": 1, "speed": 3}`},
		{"not json", `{"x": `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected validation error")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if verr.Subject != "move_stage args" {
				t.Fatalf("subject = %q", verr.Subject)
			}
		})
	}
}

func TestValidator_LocationsPointAtField(t *testing.T) {
	v := MustCompile("move_stage args", json.RawMessage(moveStageArgs))
	err := v.Validate([]byte(`{"x": "ten"}`))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	found := false
	for _, loc := range verr.Locations {
		if loc == "/x" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected /x among locations, got %v", verr.Locations)
	}
}

func TestValidator_EmptySchemaAcceptsAnything(t *testing.T) {
	v, err := Compile("anything", nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := v.Validate([]byte(`[1, "two", null]`)); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := v.Validate([]byte(`nope`)); err == nil {
		t.Fatal("malformed JSON should still fail")
	}
}

func TestValidator_ValidateValue(t *testing.T) {
	v := MustCompile("set_gain args", json.RawMessage(`{"type":"object","properties":{"gain":{"type":"integer","minimum":0}},"required":["gain"]}`))

	raw, err := v.ValidateValue(map[string]any{"gain": 4})
	if err != nil {
		t.Fatalf("ValidateValue: %v", err)
	}
	if string(raw) != `{"gain":4}` {
		t.Fatalf("encoded = %s", raw)
	}
	if _, err := v.ValidateValue(map[string]any{"gain": -1}); err == nil {
		t.Fatal("expected minimum violation")
	}
}

func TestCompile_BadSchema(t *testing.T) {
	if _, err := Compile("bad", json.RawMessage(`{"type": 12}`)); err == nil {
		t.Fatal("expected compile error")
	}
}

const registryYAML = `
actions:
  - name: move_stage
    description: Move the stage
    lock_keys: [stage_position]
    args_schema:
      type: object
      properties:
        x: {type: number}
        is_absolute: {type: boolean}
      required: [x]
  - name: set_gain
    lock_keys: [camera_parameters]
    args_schema:
      type: object
      properties:
        gain: {type: integer}
states:
  - key: StageState
    schema:
      type: object
      properties:
        x: {type: number}
        y: {type: number}
        z: {type: number}
        a: {type: number}
locks:
  - key: stage_position
    description: XYZ stage
`

func TestParseRegistry(t *testing.T) {
	r, err := ParseRegistry([]byte(registryYAML))
	if err != nil {
		t.Fatalf("ParseRegistry: %v", err)
	}
	move, ok := r.Action("move_stage")
	if !ok {
		t.Fatal("move_stage missing")
	}
	if len(move.LockKeys) != 1 || move.LockKeys[0] != "stage_position" {
		t.Fatalf("lock keys = %v", move.LockKeys)
	}
	v := MustCompile("move_stage args", move.ArgsSchema)
	if err := v.Validate([]byte(`{"x": 1}`)); err != nil {
		t.Fatalf("compiled registry schema rejected valid args: %v", err)
	}
	if _, ok := r.State("StageState"); !ok {
		t.Fatal("StageState missing")
	}
	if _, ok := r.Lock("camera_parameters"); !ok {
		t.Fatal("lock keys referenced by actions should be declared implicitly")
	}
	if got := len(r.Actions()); got != 2 {
		t.Fatalf("actions = %d, want 2", got)
	}
	if r.Actions()[0].Name != "move_stage" {
		t.Fatalf("actions not sorted: %v", r.Actions())
	}
}

func TestParseRegistry_Duplicate(t *testing.T) {
	_, err := ParseRegistry([]byte("actions:\n  - name: a\n  - name: a\n"))
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestLoadRegistry_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "definitions.yaml")
	if err := os.WriteFile(path, []byte(registryYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if len(r.States()) != 1 {
		t.Fatalf("states = %d", len(r.States()))
	}
	if _, err := LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
