package symbol

import (
	"fmt"
	"regexp"
)

// FindFlags controls how Find matches names.
type FindFlags int

const (
	// FindCaseSensitive matches letter case exactly.
	FindCaseSensitive FindFlags = 1 << iota
	// FindWholeWords requires the match to start and end on word boundaries.
	FindWholeWords
	// FindRegexp treats the name as a regular expression.
	FindRegexp
)

// NewMatcher compiles name and flags into the expression Find applies to
// symbol names. Matching is unanchored: without FindWholeWords, "get"
// matches "getValue".
func NewMatcher(name string, flags FindFlags) (*regexp.Regexp, error) {
	expr := name
	if flags&FindRegexp == 0 {
		expr = regexp.QuoteMeta(name)
	}
	if flags&FindWholeWords != 0 {
		expr = `\b` + expr + `\b`
	}
	if flags&FindCaseSensitive == 0 {
		expr = `(?i)` + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("symbol: find %q: %w", name, err)
	}
	return re, nil
}

// Find returns the first symbol in document order whose name matches, or
// nil when none does.
func (x *Index) Find(name string, flags FindFlags) (*Symbol, error) {
	re, err := NewMatcher(name, flags)
	if err != nil {
		return nil, err
	}
	for i := range x.symbols {
		if re.MatchString(x.symbols[i].Name) {
			s := x.symbols[i]
			return &s, nil
		}
	}
	return nil, nil
}

// FindAll returns every symbol whose name matches, in document order.
func (x *Index) FindAll(name string, flags FindFlags) ([]Symbol, error) {
	re, err := NewMatcher(name, flags)
	if err != nil {
		return nil, err
	}
	var out []Symbol
	for _, s := range x.symbols {
		if re.MatchString(s.Name) {
			out = append(out, s)
		}
	}
	return out, nil
}
