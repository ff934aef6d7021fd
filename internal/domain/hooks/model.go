// Package hooks loads CDS Hooks service definitions from a directory, derives
// their prefetch templates from referenced CQL libraries, and publishes the
// result as an immutable registry.
package hooks

// Hook file layout.
const (
	FileExtension = ".json"

	FieldID          = "id"
	FieldHook        = "hook"
	FieldDescription = "description"
	FieldPrefetch    = "prefetch"
	// FieldConfig holds settings that are never shown to CDS clients.
	FieldConfig = "_config"
	// FieldLibrary is a resolution-only field removed from every stored hook.
	FieldLibrary = "library"

	pathDisabled       = FieldConfig + ".disabled"
	pathLibraryID      = FieldConfig + ".cql.library.id"
	pathLibraryVersion = FieldConfig + ".cql.library.version"
)

// Definition is the typed view of one hook. The registry keeps the full JSON
// document alongside it; fields not modelled here survive in that document.
type Definition struct {
	ID          string            `json:"id"`
	Hook        string            `json:"hook"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description"`
	Prefetch    map[string]string `json:"prefetch,omitempty"`
	Config      *Config           `json:"_config,omitempty"`
}

// Config is the non-standard _config block.
type Config struct {
	Disabled bool       `json:"disabled,omitempty"`
	CQL      *CQLConfig `json:"cql,omitempty"`
}

// CQLConfig names the library a hook's logic lives in.
type CQLConfig struct {
	Library *LibraryReference `json:"library,omitempty"`
}

// LibraryRef returns the referenced library, or nil.
func (c *Config) LibraryRef() *LibraryReference {
	if c == nil || c.CQL == nil {
		return nil
	}
	return c.CQL.Library
}

// LibraryReference points at a compiled CQL library. An empty Version asks
// for the newest one.
type LibraryReference struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
}

func (d Definition) clone() Definition {
	out := d
	if d.Prefetch != nil {
		out.Prefetch = make(map[string]string, len(d.Prefetch))
		for k, v := range d.Prefetch {
			out.Prefetch[k] = v
		}
	}
	if d.Config != nil {
		cfg := *d.Config
		if ref := d.Config.LibraryRef(); ref != nil {
			r := *ref
			cfg.CQL = &CQLConfig{Library: &r}
		}
		out.Config = &cfg
	}
	return out
}
