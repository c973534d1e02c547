// Package filter evaluates Risor expressions against symbols, so callers can
// select symbols with predicates such as
//
//	kind == "function" && depth == 0 && strings.has_prefix(name, "Test")
package filter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/risor-io/risor"

	"github.com/jward/sapling/internal/symbol"
)

// ErrInvalidFilter is returned for expressions that fail to compile or
// evaluate against a sample symbol.
var ErrInvalidFilter = errors.New("invalid filter")

// Input is everything an expression can see about one symbol.
type Input struct {
	Symbol    symbol.Symbol
	Qualified string
	Depth     int
	Line      int
}

func (in Input) globals() map[string]any {
	return map[string]any{
		"name":      in.Symbol.Name,
		"kind":      string(in.Symbol.Kind),
		"start":     in.Symbol.Range.Start,
		"end":       in.Symbol.Range.End,
		"size":      in.Symbol.Range.Len(),
		"line":      in.Line,
		"depth":     in.Depth,
		"qualified": in.Qualified,
		"callable":  in.Symbol.Kind.IsCallable(),
		"top_level": in.Symbol.Parent < 0,
	}
}

// Filter is a compiled predicate.
type Filter struct {
	source string
}

// Compile checks expr by evaluating it once against a sample symbol.
// An expression that starts with '@' names a file holding the expression.
func Compile(ctx context.Context, expr string) (*Filter, error) {
	if path, ok := strings.CutPrefix(expr, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("filter: loading %s: %w", path, err)
		}
		expr = string(data)
	}
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidFilter)
	}
	f := &Filter{source: expr}
	sample := Input{Symbol: symbol.Symbol{Name: "sample", Kind: symbol.KindFunction, Parent: -1}, Qualified: "sample"}
	if _, err := f.Match(ctx, sample); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	return f, nil
}

// Source returns the expression text.
func (f *Filter) Source() string { return f.source }

// Match reports whether the expression is truthy for in.
func (f *Filter) Match(ctx context.Context, in Input) (bool, error) {
	var opts []risor.Option
	for name, val := range in.globals() {
		opts = append(opts, risor.WithGlobal(name, val))
	}
	result, err := risor.Eval(ctx, f.source, opts...)
	if err != nil {
		return false, fmt.Errorf("filter: %w", err)
	}
	return result.IsTruthy(), nil
}

// Apply returns the symbols of idx that match, in document order.
func (f *Filter) Apply(ctx context.Context, idx *symbol.Index, lineOf func(offset int) int) ([]symbol.Symbol, error) {
	var out []symbol.Symbol
	for _, s := range idx.Symbols() {
		in := Input{Symbol: s, Qualified: idx.QualifiedName(s), Depth: idx.Depth(s)}
		if lineOf != nil {
			in.Line = lineOf(s.Range.Start)
		}
		ok, err := f.Match(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("symbol %s: %w", in.Qualified, err)
		}
		if ok {
			out = append(out, s)
		}
	}
	return out, nil
}
