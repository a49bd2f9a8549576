package schema

import (
	"encoding/json"
	"fmt"
)

// TransformKeyword is the schema extension naming a value transform.
const TransformKeyword = "x-transform"

// Kind classifies a schema node for the expander.
type Kind int

const (
	KindLeaf Kind = iota
	KindObject
	KindArray
	KindMap
	KindTagged
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindTagged:
		return "tagged"
	default:
		return "leaf"
	}
}

// Node is the expander's view of a JSON Schema: only the structure needed to
// walk a value and find tagged positions.
type Node struct {
	Kind       Kind
	Transform  string
	Properties map[string]*Node
	Items      *Node
	Values     *Node
	// Inner is the untagged structure beneath a KindTagged node.
	Inner *Node
}

// ParseNode builds the node tree for a raw JSON Schema.
func ParseNode(raw json.RawMessage) (*Node, error) {
	if len(raw) == 0 {
		return &Node{Kind: KindLeaf}, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse schema node: %w", err)
	}
	return buildNode(doc), nil
}

func buildNode(doc map[string]any) *Node {
	n := structuralNode(doc)
	if tag, ok := doc[TransformKeyword].(string); ok && tag != "" {
		return &Node{Kind: KindTagged, Transform: tag, Inner: n}
	}
	return n
}

func structuralNode(doc map[string]any) *Node {
	if props, ok := doc["properties"].(map[string]any); ok {
		n := &Node{Kind: KindObject, Properties: make(map[string]*Node, len(props))}
		for name, sub := range props {
			if m, ok := sub.(map[string]any); ok {
				n.Properties[name] = buildNode(m)
			}
		}
		return n
	}
	if items, ok := doc["items"].(map[string]any); ok {
		return &Node{Kind: KindArray, Items: buildNode(items)}
	}
	if values, ok := doc["additionalProperties"].(map[string]any); ok {
		return &Node{Kind: KindMap, Values: buildNode(values)}
	}
	return &Node{Kind: KindLeaf}
}

// TransformFunc rewrites the value found at a tagged position.
type TransformFunc func(value any) any

// Expander applies registered transforms to values according to a Node tree.
// Untagged leaves and unknown transform keys are left unchanged.
type Expander struct {
	transforms map[string]TransformFunc
}

// NewExpander returns an expander with the given transforms.
func NewExpander(transforms map[string]TransformFunc) *Expander {
	t := make(map[string]TransformFunc, len(transforms))
	for k, fn := range transforms {
		t[k] = fn
	}
	return &Expander{transforms: t}
}

// Register adds or replaces a transform.
func (e *Expander) Register(key string, fn TransformFunc) {
	e.transforms[key] = fn
}

// Expand returns a transformed copy of value. The input is not modified.
func (e *Expander) Expand(node *Node, value any) any {
	if node == nil {
		return value
	}
	switch node.Kind {
	case KindTagged:
		inner := e.Expand(node.Inner, value)
		if fn, ok := e.transforms[node.Transform]; ok && inner != nil {
			return fn(inner)
		}
		return inner
	case KindObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return value
		}
		out := make(map[string]any, len(obj))
		for k, v := range obj {
			if sub, ok := node.Properties[k]; ok {
				out[k] = e.Expand(sub, v)
				continue
			}
			out[k] = v
		}
		return out
	case KindMap:
		obj, ok := value.(map[string]any)
		if !ok {
			return value
		}
		out := make(map[string]any, len(obj))
		for k, v := range obj {
			out[k] = e.Expand(node.Values, v)
		}
		return out
	case KindArray:
		arr, ok := value.([]any)
		if !ok {
			return value
		}
		out := make([]any, len(arr))
		for i, v := range arr {
			out[i] = e.Expand(node.Items, v)
		}
		return out
	default:
		return value
	}
}

// ExpandJSON decodes raw, expands it and re-encodes the result.
func (e *Expander) ExpandJSON(node *Node, raw json.RawMessage) (json.RawMessage, error) {
	if node == nil || len(raw) == 0 {
		return raw, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("expand: %w", err)
	}
	out, err := json.Marshal(e.Expand(node, value))
	if err != nil {
		return nil, fmt.Errorf("expand: %w", err)
	}
	return out, nil
}

// Tagged reports whether any node in the tree carries a transform.
func (n *Node) Tagged() bool {
	if n == nil {
		return false
	}
	switch n.Kind {
	case KindTagged:
		return true
	case KindObject:
		for _, p := range n.Properties {
			if p.Tagged() {
				return true
			}
		}
	case KindArray:
		return n.Items.Tagged()
	case KindMap:
		return n.Values.Tagged()
	}
	return false
}
