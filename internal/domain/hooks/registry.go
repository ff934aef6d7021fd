package hooks

import (
	"bytes"
	"encoding/json"
	"sort"
)

type entry struct {
	def Definition
	raw []byte
}

// Hooks is one immutable snapshot of loaded hook definitions. Every accessor
// returns fresh copies; nothing a caller does to a result reaches the
// snapshot.
type Hooks struct {
	byID map[string]entry
	ids  []string
}

func newHooks(entries map[string]entry) *Hooks {
	h := &Hooks{
		byID: entries,
		ids:  make([]string, 0, len(entries)),
	}
	for id := range entries {
		h.ids = append(h.ids, id)
	}
	sort.Strings(h.ids)
	return h
}

var emptyHooks = newHooks(map[string]entry{})

// Len is the number of hooks.
func (h *Hooks) Len() int { return len(h.ids) }

// IDs returns the hook ids in sorted order.
func (h *Hooks) IDs() []string {
	return append([]string(nil), h.ids...)
}

// All decodes every hook into a new map, sorted by id. With removeConfig the
// _config block is left out, which is the view served to CDS clients.
func (h *Hooks) All(removeConfig bool) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(h.ids))
	for _, id := range h.ids {
		out = append(out, decodeHook(h.byID[id].raw, removeConfig))
	}
	return out
}

// Find returns a deep copy of one hook, _config included.
func (h *Hooks) Find(id string) (map[string]interface{}, bool) {
	return h.lookup(id, false)
}

// Public returns a deep copy of one hook without its _config block.
func (h *Hooks) Public(id string) (map[string]interface{}, bool) {
	return h.lookup(id, true)
}

func (h *Hooks) lookup(id string, removeConfig bool) (map[string]interface{}, bool) {
	e, ok := h.byID[id]
	if !ok {
		return nil, false
	}
	return decodeHook(e.raw, removeConfig), true
}

// Definition returns the typed view of one hook.
func (h *Hooks) Definition(id string) (Definition, bool) {
	e, ok := h.byID[id]
	if !ok {
		return Definition{}, false
	}
	return e.def.clone(), true
}

// decodeHook builds a fresh map from a stored document. The documents were
// validated at load time, so a decode failure cannot happen in practice.
func decodeHook(raw []byte, removeConfig bool) map[string]interface{} {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil || m == nil {
		m = map[string]interface{}{}
	}
	if removeConfig {
		delete(m, FieldConfig)
	}
	return m
}
