package hooks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	ErrInvalidJSON = errors.New("hook file is not valid JSON")
	ErrNotObject   = errors.New("hook file is not a JSON object")
)

// MissingFieldsError lists required fields that are absent, empty or not
// strings.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("missing required fields: %s", strings.Join(e.Fields, ", "))
}

var requiredFields = []string{FieldID, FieldHook, FieldDescription}

// canonicalize re-encodes a hook document so a key repeated in the file
// resolves to its last occurrence for every later reader. Numbers keep their
// literal form.
func canonicalize(raw []byte) ([]byte, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrInvalidJSON
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, ErrInvalidJSON
	}
	if _, ok := doc.(map[string]interface{}); !ok {
		return nil, ErrNotObject
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode hook: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// parseDefinition validates a raw hook document and reads its typed view. The
// returned document is the canonical form the registry stores, so the id the
// hook is keyed by is the id its stored copy carries.
func parseDefinition(raw []byte) (Definition, []byte, error) {
	doc, err := canonicalize(raw)
	if err != nil {
		return Definition{}, nil, err
	}
	root := gjson.ParseBytes(doc)

	var missing []string
	for _, field := range requiredFields {
		v := root.Get(field)
		if v.Type != gjson.String || v.Str == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return Definition{}, nil, &MissingFieldsError{Fields: missing}
	}

	def := Definition{
		ID:          root.Get(FieldID).Str,
		Hook:        root.Get(FieldHook).Str,
		Title:       root.Get("title").Str,
		Description: root.Get(FieldDescription).Str,
	}

	if pf := root.Get(FieldPrefetch); pf.IsObject() {
		def.Prefetch = make(map[string]string)
		pf.ForEach(func(k, v gjson.Result) bool {
			if v.Type == gjson.String {
				def.Prefetch[k.Str] = v.Str
			}
			return true
		})
	}

	if cfg := root.Get(FieldConfig); cfg.IsObject() {
		def.Config = &Config{Disabled: root.Get(pathDisabled).Type == gjson.True}
		if id := root.Get(pathLibraryID); id.Type == gjson.String && id.Str != "" {
			def.Config.CQL = &CQLConfig{Library: &LibraryReference{
				ID:      id.Str,
				Version: root.Get(pathLibraryVersion).Str,
			}}
		}
	}
	return def, doc, nil
}
