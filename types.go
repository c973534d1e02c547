package sapling

import (
	"github.com/jward/sapling/internal/query"
	"github.com/jward/sapling/internal/symbol"
	"github.com/jward/sapling/internal/text"
)

// Core value types, re-exported so callers need only this package.
type (
	Range     = text.Range
	Position  = text.Position
	EditDelta = text.EditDelta
	Encoding  = text.Encoding

	Symbol     = symbol.Symbol
	SymbolKind = symbol.Kind
	FindFlags  = symbol.FindFlags

	Match   = query.Match
	Capture = query.Capture
)

const (
	FindCaseSensitive = symbol.FindCaseSensitive
	FindWholeWords    = symbol.FindWholeWords
	FindRegexp        = symbol.FindRegexp
)

const (
	UTF8  = text.UTF8
	UTF16 = text.UTF16
	UTF32 = text.UTF32
)

// IsCallable selects functions, methods, and constructors. Pass it to
// CurrentSymbol or SymbolAt.
func IsCallable(s Symbol) bool { return s.Kind.IsCallable() }
