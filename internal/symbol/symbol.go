package symbol

import (
	"sort"
	"strings"

	"github.com/jward/sapling/internal/query"
	"github.com/jward/sapling/internal/text"
)

// Kind classifies a symbol. Kinds come from the @definition.<kind> capture
// of the symbol query, so any string is allowed; the constants below are
// the ones the bundled queries produce.
type Kind string

const (
	KindFunction    Kind = "function"
	KindMethod      Kind = "method"
	KindConstructor Kind = "constructor"
	KindClass       Kind = "class"
	KindStruct      Kind = "struct"
	KindUnion       Kind = "union"
	KindInterface   Kind = "interface"
	KindTrait       Kind = "trait"
	KindImpl        Kind = "impl"
	KindEnum        Kind = "enum"
	KindEnumerator  Kind = "enumerator"
	KindField       Kind = "field"
	KindType        Kind = "type"
	KindNamespace   Kind = "namespace"
	KindModule      Kind = "module"
	KindVariable    Kind = "variable"
	KindConstant    Kind = "constant"
)

// IsCallable reports whether k is a function-like kind.
func (k Kind) IsCallable() bool {
	return k == KindFunction || k == KindMethod || k == KindConstructor
}

const (
	definitionPrefix = "definition."
	nameCapture      = "name"
)

// Symbol is a named structural unit. Parent is the ID of the enclosing
// symbol in the same Index, or -1 at top level.
type Symbol struct {
	ID             int        `json:"id"`
	Name           string     `json:"name"`
	Kind           Kind       `json:"kind"`
	Range          text.Range `json:"range"`
	SelectionRange text.Range `json:"selection_range"`
	Parent         int        `json:"parent"`
	Revision       int64      `json:"revision"`
}

// Index is the flat, document-ordered symbol list of one revision. The
// hierarchy is derived from Parent indexes, so an Index can be discarded
// as a whole without dangling references.
type Index struct {
	symbols  []Symbol
	children [][]int
	revision int64
}

// Build derives an Index from symbol-query matches over src. Matches
// without both a @definition.<kind> and a @name capture are ignored.
//
// Parents are assigned in one pass over the symbols sorted by start: an
// open-symbol stack is popped until its top contains the new symbol, and
// that top becomes the parent. A symbol that straddles the end of a popped
// symbol is dropped so that siblings never overlap.
func Build(matches []query.Match, src []byte, revision int64) *Index {
	type candidate struct {
		sym   Symbol
		order int
	}
	var cands []candidate
	for i, m := range matches {
		defs := m.CapturesWithPrefix(definitionPrefix)
		name, ok := m.Capture(nameCapture)
		if len(defs) == 0 || !ok {
			continue
		}
		def := defs[0]
		cands = append(cands, candidate{
			sym: Symbol{
				Name:           string(src[name.Range.Start:name.Range.End]),
				Kind:           Kind(strings.TrimPrefix(def.Name, definitionPrefix)),
				Range:          def.Range,
				SelectionRange: name.Range,
				Parent:         -1,
				Revision:       revision,
			},
			order: i,
		})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i].sym.Range, cands[j].sym.Range
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.End != b.End {
			return a.End > b.End
		}
		return cands[i].order < cands[j].order
	})

	idx := &Index{revision: revision}
	var stack []int
	for i, c := range cands {
		if i > 0 {
			prev := cands[i-1].sym
			if prev.Range == c.sym.Range && prev.Kind == c.sym.Kind {
				continue
			}
		}
		sym := c.sym
		n, straddles := len(stack), false
		for n > 0 {
			top := idx.symbols[stack[n-1]]
			if top.Range.Contains(sym.Range) {
				break
			}
			if top.Range.End > sym.Range.Start {
				straddles = true
				break
			}
			n--
		}
		if straddles {
			continue
		}
		stack = stack[:n]
		sym.ID = len(idx.symbols)
		if len(stack) > 0 {
			sym.Parent = stack[len(stack)-1]
		}
		idx.symbols = append(idx.symbols, sym)
		idx.children = append(idx.children, nil)
		if sym.Parent >= 0 {
			idx.children[sym.Parent] = append(idx.children[sym.Parent], sym.ID)
		}
		stack = append(stack, sym.ID)
	}
	return idx
}

// FromSymbols rebuilds an Index from symbols previously produced by Build,
// for example a stored snapshot. IDs and parents are taken as given and the
// revision is replaced.
func FromSymbols(symbols []Symbol, revision int64) *Index {
	idx := &Index{
		symbols:  make([]Symbol, len(symbols)),
		children: make([][]int, len(symbols)),
		revision: revision,
	}
	for i, s := range symbols {
		s.ID = i
		s.Revision = revision
		idx.symbols[i] = s
		if s.Parent >= 0 && s.Parent < len(symbols) {
			idx.children[s.Parent] = append(idx.children[s.Parent], i)
		}
	}
	return idx
}

// Revision returns the buffer revision the index was built from.
func (x *Index) Revision() int64 { return x.revision }

// Len returns the number of symbols.
func (x *Index) Len() int { return len(x.symbols) }

// Symbols returns a copy of all symbols in document order.
func (x *Index) Symbols() []Symbol {
	out := make([]Symbol, len(x.symbols))
	copy(out, x.symbols)
	return out
}

// At returns the symbol with the given ID.
func (x *Index) At(id int) (Symbol, bool) {
	if id < 0 || id >= len(x.symbols) {
		return Symbol{}, false
	}
	return x.symbols[id], true
}

// Parent returns the enclosing symbol of s.
func (x *Index) Parent(s Symbol) (Symbol, bool) {
	return x.At(s.Parent)
}

// Children returns the direct children of s in document order.
func (x *Index) Children(s Symbol) []Symbol {
	if s.ID < 0 || s.ID >= len(x.children) {
		return nil
	}
	out := make([]Symbol, 0, len(x.children[s.ID]))
	for _, id := range x.children[s.ID] {
		out = append(out, x.symbols[id])
	}
	return out
}

// Roots returns the top-level symbols.
func (x *Index) Roots() []Symbol {
	var out []Symbol
	for _, s := range x.symbols {
		if s.Parent < 0 {
			out = append(out, s)
		}
	}
	return out
}

// Depth returns the number of ancestors of s.
func (x *Index) Depth(s Symbol) int {
	d := 0
	for p, ok := x.Parent(s); ok; p, ok = x.Parent(p) {
		d++
	}
	return d
}

// QualifiedName joins the names of s and its ancestors with "::".
func (x *Index) QualifiedName(s Symbol) string {
	parts := []string{s.Name}
	for p, ok := x.Parent(s); ok; p, ok = x.Parent(p) {
		parts = append(parts, p.Name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "::")
}

// Innermost returns the deepest symbol whose range contains offset and for
// which pred returns true. A nil pred accepts every symbol.
func (x *Index) Innermost(offset int, pred func(Symbol) bool) (Symbol, bool) {
	var best Symbol
	found := false
	for _, s := range x.symbols {
		if s.Range.Start > offset {
			break
		}
		if !s.Range.ContainsOffset(offset) || (pred != nil && !pred(s)) {
			continue
		}
		// Later symbols that still contain offset are nested deeper.
		best, found = s, true
	}
	return best, found
}

// AtSelection returns the symbol whose name span contains offset.
func (x *Index) AtSelection(offset int) (Symbol, bool) {
	for _, s := range x.symbols {
		if s.SelectionRange.ContainsOffset(offset) {
			return s, true
		}
	}
	return Symbol{}, false
}
