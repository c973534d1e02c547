package query

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/sapling/internal/syntax"
	"github.com/jward/sapling/internal/text"
)

// ErrQuerySyntax matches every *SyntaxError via errors.Is.
var ErrQuerySyntax = errors.New("query syntax error")

// SyntaxError reports a pattern that failed to compile against a grammar.
type SyntaxError struct {
	Pattern string
	Err     error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("query: malformed pattern %q: %v", e.Pattern, e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// Is reports true for ErrQuerySyntax.
func (e *SyntaxError) Is(target error) bool { return target == ErrQuerySyntax }

// Query is a compiled pattern. It is owned by the Engine that compiled it.
type Query struct {
	source string
	q      *sitter.Query
}

// Source returns the pattern text the query was compiled from.
func (q *Query) Source() string { return q.source }

// Capture is one named node of a match.
type Capture struct {
	Name  string
	Node  *sitter.Node
	Range text.Range
}

// Match is one pattern match with its captures in capture order.
type Match struct {
	Pattern  int
	Captures []Capture
}

// Capture returns the first capture called name.
func (m Match) Capture(name string) (Capture, bool) {
	for _, c := range m.Captures {
		if c.Name == name {
			return c, true
		}
	}
	return Capture{}, false
}

// CapturesWithPrefix returns the captures whose name starts with prefix.
func (m Match) CapturesWithPrefix(prefix string) []Capture {
	var out []Capture
	for _, c := range m.Captures {
		if strings.HasPrefix(c.Name, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Engine compiles queries for one grammar and caches them by source text.
// An Engine is not safe for concurrent use.
type Engine struct {
	grammar *sitter.Language
	cache   map[string]*Query
}

// NewEngine returns an Engine for grammar.
func NewEngine(grammar *sitter.Language) *Engine {
	return &Engine{grammar: grammar, cache: make(map[string]*Query)}
}

// Compile returns the compiled form of pattern, compiling it on first use.
// Failures are returned as *SyntaxError and are not cached, so a corrected
// pattern compiles normally.
func (e *Engine) Compile(pattern string) (*Query, error) {
	if q, ok := e.cache[pattern]; ok {
		return q, nil
	}
	sq, err := sitter.NewQuery([]byte(pattern), e.grammar)
	if err != nil {
		return nil, &SyntaxError{Pattern: pattern, Err: err}
	}
	q := &Query{source: pattern, q: sq}
	e.cache[pattern] = q
	return q, nil
}

// Len returns the number of cached queries.
func (e *Engine) Len() int { return len(e.cache) }

// Exec evaluates q over tree. When within is non-nil only matches with at
// least one capture intersecting it are returned. Text predicates such as
// #eq? and #match? are applied against the tree's source. Matches are
// ordered by the start of their first capture.
func (e *Engine) Exec(q *Query, tree *syntax.Tree, within *text.Range) []Match {
	root := tree.Root()
	if root == nil {
		return nil
	}
	cursor := sitter.NewQueryCursor()
	defer cursor.Close()
	cursor.Exec(q.q, root)

	src := tree.Source()
	var matches []Match
	for {
		m, ok := cursor.NextMatch()
		if !ok {
			break
		}
		m = cursor.FilterPredicates(m, src)
		if len(m.Captures) == 0 {
			continue
		}
		match := Match{Pattern: int(m.PatternIndex), Captures: make([]Capture, 0, len(m.Captures))}
		keep := within == nil
		for _, c := range m.Captures {
			r := syntax.NodeRange(c.Node)
			if !keep && r.Intersects(*within) {
				keep = true
			}
			match.Captures = append(match.Captures, Capture{
				Name:  q.q.CaptureNameForId(c.Index),
				Node:  c.Node,
				Range: r,
			})
		}
		if keep {
			matches = append(matches, match)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Captures[0].Range.Start < matches[j].Captures[0].Range.Start
	})
	return matches
}

// Run compiles pattern and executes it over tree.
func (e *Engine) Run(tree *syntax.Tree, pattern string, within *text.Range) ([]Match, error) {
	q, err := e.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return e.Exec(q, tree, within), nil
}

// Close releases every cached query.
func (e *Engine) Close() {
	for k, q := range e.cache {
		q.q.Close()
		delete(e.cache, k)
	}
}
