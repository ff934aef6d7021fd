package elm

import "fmt"

// Library is a compiled CQL library.
type Library struct {
	ID      string
	Version string
	Source  *Node
}

// Definition is one named expression of library.statements.def.
type Definition struct {
	Name       string
	Expression *Node
}

// ParseLibrary decodes an ELM JSON document. The identifier is read from
// library.identifier and may be empty; only a non-object document is an error.
func ParseLibrary(data []byte) (*Library, error) {
	root, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if root.Kind() != KindMapping {
		return nil, ErrNotObject
	}

	lib := &Library{Source: root}
	ident := root.Path("library", "identifier")
	lib.ID, _ = ident.Path("id").Str()
	lib.Version, _ = ident.Path("version").Str()
	return lib, nil
}

// Key renders id and version the way diagnostics print them.
func (l *Library) Key() string {
	if l == nil {
		return ""
	}
	if l.Version == "" {
		return l.ID
	}
	return fmt.Sprintf("%s|%s", l.ID, l.Version)
}

// Definitions lists the named expressions of the statement block. The def
// block may be a sequence (what translators emit) or a mapping; anything else
// yields no definitions.
func (l *Library) Definitions() []Definition {
	if l == nil {
		return nil
	}
	defs := l.Source.Path("library", "statements", "def")

	var nodes []*Node
	switch defs.Kind() {
	case KindSequence:
		nodes = defs.Items()
	case KindMapping:
		for _, k := range defs.Keys() {
			v, _ := defs.Get(k)
			nodes = append(nodes, v)
		}
	default:
		return nil
	}

	out := make([]Definition, 0, len(nodes))
	for _, d := range nodes {
		if d.Kind() != KindMapping {
			continue
		}
		def := Definition{}
		def.Name, _ = d.Path("name").Str()
		def.Expression, _ = d.Get("expression")
		out = append(out, def)
	}
	return out
}
