// Package elm models compiled CQL libraries (ELM JSON) as an immutable tree of
// tagged nodes. A node is a sequence, a mapping, or a leaf, which lets callers
// walk the tree with a switch on Kind instead of type assertions on
// interface{} values.
package elm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Kind discriminates the three node variants.
type Kind int

const (
	KindLeaf Kind = iota
	KindSequence
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "leaf"
	}
}

// maxParseDepth bounds nesting while decoding untrusted documents.
const maxParseDepth = 10000

var (
	ErrNotObject = errors.New("elm: document is not a JSON object")
	ErrTooDeep   = errors.New("elm: document exceeds maximum nesting depth")
)

// Node is one value of an ELM document. Nodes are never mutated after Parse
// returns; slices handed out by Items and Keys must be treated as read-only.
type Node struct {
	kind   Kind
	items  []*Node
	keys   []string
	fields map[string]*Node
	value  interface{} // string, json.Number, bool or nil
}

// Parse decodes a JSON document into a node tree. Object keys keep their
// document order; a repeated key keeps its first position and its last value.
func Parse(data []byte) (*Node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	n, err := decodeNode(dec, 0)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("elm: unexpected data after document")
	}
	return n, nil
}

func decodeNode(dec *json.Decoder, depth int) (*Node, error) {
	if depth > maxParseDepth {
		return nil, ErrTooDeep
	}
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("elm: decode: %w", err)
	}

	delim, ok := tok.(json.Delim)
	if !ok {
		return &Node{kind: KindLeaf, value: tok}, nil
	}

	switch delim {
	case '[':
		n := &Node{kind: KindSequence}
		for dec.More() {
			child, err := decodeNode(dec, depth+1)
			if err != nil {
				return nil, err
			}
			n.items = append(n.items, child)
		}
		if _, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("elm: decode: %w", err)
		}
		return n, nil
	case '{':
		n := &Node{kind: KindMapping, fields: make(map[string]*Node)}
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("elm: decode: %w", err)
			}
			key, ok := keyTok.(string)
			if !ok {
				return nil, fmt.Errorf("elm: expected object key, got %v", keyTok)
			}
			child, err := decodeNode(dec, depth+1)
			if err != nil {
				return nil, err
			}
			if _, seen := n.fields[key]; !seen {
				n.keys = append(n.keys, key)
			}
			n.fields[key] = child
		}
		if _, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("elm: decode: %w", err)
		}
		return n, nil
	}
	return nil, fmt.Errorf("elm: unexpected delimiter %q", delim)
}

// Kind reports the variant. A nil node is a leaf.
func (n *Node) Kind() Kind {
	if n == nil {
		return KindLeaf
	}
	return n.kind
}

// Items returns the elements of a sequence in order.
func (n *Node) Items() []*Node {
	if n == nil || n.kind != KindSequence {
		return nil
	}
	return n.items
}

// Keys returns the field names of a mapping in document order.
func (n *Node) Keys() []string {
	if n == nil || n.kind != KindMapping {
		return nil
	}
	return n.keys
}

// Get returns a field of a mapping.
func (n *Node) Get(key string) (*Node, bool) {
	if n == nil || n.kind != KindMapping {
		return nil, false
	}
	child, ok := n.fields[key]
	return child, ok
}

// Path follows a chain of mapping keys and returns nil as soon as a step is
// missing or lands on a non-mapping.
func (n *Node) Path(keys ...string) *Node {
	cur := n
	for _, k := range keys {
		next, ok := cur.Get(k)
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

// Str returns the value of a string leaf.
func (n *Node) Str() (string, bool) {
	if n == nil || n.kind != KindLeaf {
		return "", false
	}
	s, ok := n.value.(string)
	return s, ok
}
