package prefetch

import (
	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/platform/elm"
)

// DefaultMaxDepth bounds recursion into an expression tree.
const DefaultMaxDepth = 512

const (
	retrieveType  = "Retrieve"
	typeField     = "type"
	dataTypeField = "dataType"
)

// Unsupported records a Retrieve whose dataType could not be classified.
type Unsupported struct {
	DataType   string `json:"dataType"`
	Expression string `json:"expression"`
}

// Report is the full result of a walk.
type Report struct {
	Prefetch    Map           `json:"prefetch"`
	Unsupported []Unsupported `json:"unsupported"`
	// Truncated is set when a branch exceeded the depth limit.
	Truncated bool `json:"truncated,omitempty"`
}

// Extractor walks ELM expression trees looking for Retrieve nodes.
type Extractor struct {
	logger        zerolog.Logger
	maxDepth      int
	onUnsupported func(Unsupported)
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMaxDepth overrides DefaultMaxDepth. Values below 1 are ignored.
func WithMaxDepth(depth int) Option {
	return func(x *Extractor) {
		if depth > 0 {
			x.maxDepth = depth
		}
	}
}

// WithUnsupportedHook registers a callback invoked for every unclassifiable
// Retrieve, after it has been logged.
func WithUnsupportedHook(fn func(Unsupported)) Option {
	return func(x *Extractor) {
		x.onUnsupported = fn
	}
}

// NewExtractor creates an Extractor that reports diagnostics to logger.
func NewExtractor(logger zerolog.Logger, opts ...Option) *Extractor {
	x := &Extractor{
		logger:   logger,
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Extract returns the prefetch plan for lib. A nil library, or one without a
// statement block, yields an empty map.
func (x *Extractor) Extract(lib *elm.Library) Map {
	return x.ExtractReport(lib).Prefetch
}

// ExtractReport walks every top-level definition of lib. When two Retrieves
// target the same resource type the later one in walk order wins.
func (x *Extractor) ExtractReport(lib *elm.Library) Report {
	report := Report{Prefetch: Map{}}
	for _, def := range lib.Definitions() {
		w := walk{x: x, report: &report, expression: def.Name, library: lib.Key()}
		w.visit(def.Expression, 0)
	}
	return report
}

type walk struct {
	x          *Extractor
	report     *Report
	expression string
	library    string
}

func (w *walk) visit(n *elm.Node, depth int) {
	if n == nil {
		return
	}
	if depth > w.x.maxDepth {
		w.report.Truncated = true
		w.x.logger.Warn().
			Str("library", w.library).
			Str("expression", w.expression).
			Int("max_depth", w.x.maxDepth).
			Msg("expression tree too deep, skipping branch")
		return
	}

	switch n.Kind() {
	case elm.KindSequence:
		for _, item := range n.Items() {
			w.visit(item, depth+1)
		}
	case elm.KindMapping:
		dataType, isRetrieve := retrieveDataType(n)
		if isRetrieve {
			w.retrieve(dataType)
		}
		for _, key := range n.Keys() {
			if isRetrieve && key == dataTypeField {
				continue
			}
			child, _ := n.Get(key)
			w.visit(child, depth+1)
		}
	}
}

func (w *walk) retrieve(dataType string) {
	entry, ok := Classify(dataType)
	if ok {
		w.report.Prefetch[entry.ResourceType] = entry.Query
		return
	}

	u := Unsupported{DataType: dataType, Expression: w.expression}
	w.report.Unsupported = append(w.report.Unsupported, u)
	w.x.logger.Warn().
		Str("library", w.library).
		Str("expression", w.expression).
		Str("data_type", dataType).
		Msg("cannot build prefetch for Retrieve")
	if w.x.onUnsupported != nil {
		w.x.onUnsupported(u)
	}
}

// retrieveDataType reports whether n is a Retrieve node with a string
// dataType.
func retrieveDataType(n *elm.Node) (string, bool) {
	typ, _ := n.Path(typeField).Str()
	if typ != retrieveType {
		return "", false
	}
	return n.Path(dataTypeField).Str()
}
