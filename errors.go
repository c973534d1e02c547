package sapling

import (
	"errors"

	"github.com/jward/sapling/internal/analysis"
	"github.com/jward/sapling/internal/query"
	"github.com/jward/sapling/internal/syntax"
	"github.com/jward/sapling/internal/text"
)

// Errors returned by documents. Match with errors.Is.
var (
	// ErrOutOfRange reports an offset, position, or range outside the
	// buffer or splitting a character.
	ErrOutOfRange = text.ErrOutOfRange

	// ErrQuerySyntax reports a malformed structural query. The concrete
	// error is a *query.SyntaxError.
	ErrQuerySyntax = query.ErrQuerySyntax

	// ErrAnalysisUnavailable reports that no current semantic answer
	// exists: the server is missing, slow, or crashed, or the document was
	// edited while the request was in flight.
	ErrAnalysisUnavailable = analysis.ErrAnalysisUnavailable

	ErrUnsupportedLanguage = syntax.ErrUnsupportedLanguage
	ErrServerNotInstalled  = analysis.ErrServerNotInstalled

	// ErrStaleSymbol reports a symbol taken from an older revision.
	ErrStaleSymbol = errors.New("sapling: symbol is from an older revision")

	// ErrNoSymbol reports that no symbol has the requested name.
	ErrNoSymbol = errors.New("sapling: no such symbol")

	ErrClosed = errors.New("sapling: document closed")
	ErrNoPath = errors.New("sapling: document has no file path")
)
