package sapling

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// SymbolPlaceholder stands for the transformed symbol's name in a rewrite
// pattern or replacement.
const SymbolPlaceholder = "{{symbol}}"

// TransformScope selects the text each rewrite sees.
type TransformScope string

const (
	// ScopeReference rewrites each occurrence of the symbol's name.
	ScopeReference TransformScope = "reference"
	// ScopeLine rewrites the whole line holding each occurrence.
	ScopeLine TransformScope = "line"
)

// Rewrite is one regexp replacement. Replace may use $1 or ${name} to
// refer to groups in Pattern.
type Rewrite struct {
	Pattern string `json:"pattern"`
	Replace string `json:"replace"`
}

// SymbolTransform is a list of rewrites applied, in order, around every
// occurrence of a symbol.
type SymbolTransform struct {
	Scope    TransformScope `json:"scope,omitempty"`
	Rewrites []Rewrite      `json:"rewrites"`
}

// LoadTransform reads a SymbolTransform from a JSON file.
func LoadTransform(path string) (SymbolTransform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SymbolTransform{}, fmt.Errorf("sapling: transform: %w", err)
	}
	var t SymbolTransform
	if err := json.Unmarshal(data, &t); err != nil {
		return SymbolTransform{}, fmt.Errorf("sapling: transform %s: %w", path, err)
	}
	return t, nil
}

type compiledRewrite struct {
	re      *regexp.Regexp
	replace string
}

// compile substitutes name for the placeholder and compiles every rewrite.
func (t SymbolTransform) compile(name string) ([]compiledRewrite, error) {
	switch t.Scope {
	case "", ScopeReference, ScopeLine:
	default:
		return nil, fmt.Errorf("sapling: transform: unknown scope %q", t.Scope)
	}
	out := make([]compiledRewrite, 0, len(t.Rewrites))
	for _, rw := range t.Rewrites {
		re, err := regexp.Compile(strings.ReplaceAll(rw.Pattern, SymbolPlaceholder, regexp.QuoteMeta(name)))
		if err != nil {
			return nil, fmt.Errorf("sapling: transform: %w", err)
		}
		replace := strings.ReplaceAll(rw.Replace, SymbolPlaceholder, strings.ReplaceAll(name, "$", "$$"))
		out = append(out, compiledRewrite{re: re, replace: replace})
	}
	return out, nil
}

// TransformSymbol finds the symbol called name, asks the server for its
// references in this document, and applies t around the definition and
// every reference. Edits are applied last first, each as its own
// revision. It returns the number of edits applied.
func (s *SemanticDocument) TransformSymbol(ctx context.Context, name string, t SymbolTransform) (int, error) {
	sym, err := s.FindSymbol(name, FindCaseSensitive|FindWholeWords)
	if err != nil {
		return 0, err
	}
	if sym == nil {
		return 0, fmt.Errorf("sapling: transform %q: %w", name, ErrNoSymbol)
	}
	rewrites, err := t.compile(sym.Name)
	if err != nil {
		return 0, err
	}
	locs, err := s.References(ctx, sym.SelectionRange.Start)
	if err != nil {
		return 0, err
	}

	spans := []Range{sym.SelectionRange}
	for _, l := range locs {
		if l.Local() {
			spans = append(spans, *l.Span)
		}
	}
	regions, err := s.transformRegions(spans, t.Scope)
	if err != nil {
		return 0, err
	}

	var edits []textEdit
	for _, r := range regions {
		before, err := s.Slice(r)
		if err != nil {
			return 0, err
		}
		after := before
		for _, rw := range rewrites {
			after = rw.re.ReplaceAllString(after, rw.replace)
		}
		if after != before {
			edits = append(edits, textEdit{Range: r, NewText: after})
		}
	}
	s.logger.Debug("transforming symbol", "name", sym.Name, "occurrences", len(regions), "edits", len(edits))

	for i := len(edits) - 1; i >= 0; i-- {
		if _, err := s.Replace(edits[i].Range, edits[i].NewText); err != nil {
			return len(edits) - 1 - i, err
		}
	}
	return len(edits), nil
}

// transformRegions widens spans to scope and returns them sorted, without
// duplicates or overlaps.
func (s *SemanticDocument) transformRegions(spans []Range, scope TransformScope) ([]Range, error) {
	if scope == ScopeLine {
		for i, sp := range spans {
			pos, err := s.Position(sp.Start)
			if err != nil {
				return nil, err
			}
			line, err := s.Line(pos.Line)
			if err != nil {
				return nil, err
			}
			start := sp.Start - pos.Column
			spans[i] = Range{Start: start, End: start + len(line)}
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	out := spans[:0]
	for _, sp := range spans {
		if n := len(out); n > 0 && sp.Start < out[n-1].End {
			if sp != out[n-1] {
				s.logger.Debug("skipping overlapping occurrence", "range", sp, "previous", out[n-1])
			}
			continue
		}
		out = append(out, sp)
	}
	return out, nil
}
