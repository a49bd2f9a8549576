package schema

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const snapshotSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"image": {"type": "string", "x-transform": "file"},
		"thumbnails": {"type": "array", "items": {"type": "string", "x-transform": "file"}},
		"channels": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"properties": {"lut": {"type": "string", "x-transform": "file"}}
			}
		},
		"label": {"type": "string", "x-transform": "unknown"}
	}
}`

func prefix(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	return "http://api/files/" + s
}

func TestParseNode_Kinds(t *testing.T) {
	n, err := ParseNode(json.RawMessage(snapshotSchema))
	if err != nil {
		t.Fatalf("ParseNode: %v", err)
	}
	if n.Kind != KindObject {
		t.Fatalf("root kind = %v", n.Kind)
	}
	if n.Properties["image"].Kind != KindTagged || n.Properties["image"].Transform != "file" {
		t.Fatalf("image node = %+v", n.Properties["image"])
	}
	if n.Properties["thumbnails"].Kind != KindArray {
		t.Fatalf("thumbnails kind = %v", n.Properties["thumbnails"].Kind)
	}
	if n.Properties["channels"].Kind != KindMap {
		t.Fatalf("channels kind = %v", n.Properties["channels"].Kind)
	}
	if n.Properties["name"].Kind != KindLeaf {
		t.Fatalf("name kind = %v", n.Properties["name"].Kind)
	}
	if !n.Tagged() {
		t.Fatal("expected tagged tree")
	}
}

func TestExpander_Expand(t *testing.T) {
	n, err := ParseNode(json.RawMessage(snapshotSchema))
	if err != nil {
		t.Fatalf("ParseNode: %v", err)
	}
	e := NewExpander(map[string]TransformFunc{"file": prefix})

	in := []byte(`{
		"name": "snap",
		"image": "a.png",
		"thumbnails": ["t1.png", "t2.png"],
		"channels": {"dapi": {"lut": "gray.lut"}},
		"label": "raw",
		"extra": 1
	}`)
	out, err := e.ExpandJSON(n, in)
	if err != nil {
		t.Fatalf("ExpandJSON: %v", err)
	}

	var got, want any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	_ = json.Unmarshal([]byte(`{
		"name": "snap",
		"image": "http://api/files/a.png",
		"thumbnails": ["http://api/files/t1.png", "http://api/files/t2.png"],
		"channels": {"dapi": {"lut": "http://api/files/gray.lut"}},
		"label": "raw",
		"extra": 1
	}`), &want)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("expanded mismatch (-want +got):\n%s", diff)
	}
}

func TestExpander_DoesNotMutateInput(t *testing.T) {
	n, _ := ParseNode(json.RawMessage(snapshotSchema))
	e := NewExpander(map[string]TransformFunc{"file": prefix})
	in := map[string]any{"image": "a.png"}
	_ = e.Expand(n, in)
	if in["image"] != "a.png" {
		t.Fatalf("input mutated: %v", in)
	}
}

func TestExpander_ShapeMismatchIsIdentity(t *testing.T) {
	n, _ := ParseNode(json.RawMessage(snapshotSchema))
	e := NewExpander(map[string]TransformFunc{"file": prefix})
	if got := e.Expand(n, "just a string"); got != "just a string" {
		t.Fatalf("got %v", got)
	}
	if got := e.Expand(nil, 3.0); got != 3.0 {
		t.Fatalf("nil node should be identity, got %v", got)
	}
}
