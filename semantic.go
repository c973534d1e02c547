package sapling

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/jward/sapling/internal/analysis"
	"github.com/jward/sapling/internal/cache"
	"github.com/jward/sapling/internal/symbol"
)

// Analysis server types, re-exported for callers that start their own.
type (
	Conn         = analysis.Conn
	Server       = analysis.Server
	ServerConfig = analysis.ServerConfig
)

// StartServer launches a language server and completes the initialize
// handshake. The caller owns the server and must Shutdown it after closing
// every document that uses it.
func StartServer(ctx context.Context, cfg ServerConfig, logger hclog.Logger) (*Server, error) {
	return analysis.StartServer(ctx, cfg, logger)
}

const closeTimeout = 2 * time.Second

// SemanticDocument is a CodeDocument with a language server behind it. It
// adds navigation, hover, references, and rename. Answers are delivered
// only while the document is still at the revision they were asked about;
// otherwise callers get ErrAnalysisUnavailable.
//
// Like CodeDocument, a SemanticDocument belongs to one goroutine. Futures
// must be waited on from that goroutine too.
type SemanticDocument struct {
	*CodeDocument
	bridge *analysis.Bridge
}

// SemanticOption configures a SemanticDocument.
type SemanticOption func(*semanticOptions)

type semanticOptions struct {
	bridge []analysis.Option
}

// WithRequestTimeout bounds each analysis request.
func WithRequestTimeout(d time.Duration) SemanticOption {
	return func(o *semanticOptions) { o.bridge = append(o.bridge, analysis.WithTimeout(d)) }
}

// WithPositionEncoding fixes the column unit used on the wire, overriding
// whatever the server negotiated.
func WithPositionEncoding(enc Encoding) SemanticOption {
	return func(o *semanticOptions) { o.bridge = append(o.bridge, analysis.WithEncoding(enc)) }
}

// NewSemantic attaches conn to code. The returned document owns code; close
// the SemanticDocument instead. conn is not owned and stays open.
func NewSemantic(code *CodeDocument, conn Conn, opts ...SemanticOption) *SemanticDocument {
	var o semanticOptions
	for _, opt := range opts {
		opt(&o)
	}
	bopts := append([]analysis.Option{analysis.WithLogger(code.logger.Named("analysis"))}, o.bridge...)
	s := &SemanticDocument{
		CodeDocument: code,
		bridge:       analysis.NewBridge(conn, bridgeSource{doc: code}, bopts...),
	}
	code.OnEdit(func(d EditDelta) { s.bridge.OnEdit(d.Revision) })
	return s
}

// Encoding returns the column unit used with the server.
func (s *SemanticDocument) Encoding() Encoding { return s.bridge.Encoding() }

// PendingRequests returns the number of requests still awaiting an answer.
func (s *SemanticDocument) PendingRequests() int { return s.bridge.Pending() }

// Close cancels every outstanding request, tells the server the document
// is gone, and closes the code document.
func (s *SemanticDocument) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err := s.bridge.Close(ctx)
	if cerr := s.CodeDocument.Close(); err == nil {
		err = cerr
	}
	return err
}

// Location is a place reported by the language server. Span is set when the
// location is in this document, converted to byte offsets at the revision
// the answer was delivered for.
type Location struct {
	URI   string         `json:"uri"`
	Range protocol.Range `json:"range"`
	Span  *Range         `json:"span,omitempty"`
}

// Local reports whether the location is in this document.
func (l Location) Local() bool { return l.Span != nil }

// --- futures ---

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Future is a pending analysis answer. Edits made before Wait is called
// still invalidate it.
type Future[T any] struct {
	doc    *SemanticDocument
	req    *analysis.Request
	key    string
	decode func(json.RawMessage) (T, error)
	// revision is the document revision the answer belongs to.
	revision int64

	value T
	ready bool
	err   error
}

func failedFuture[T any](err error) *Future[T] {
	return &Future[T]{err: err}
}

// Wait blocks until the answer arrives, the request times out, the document
// changes, or ctx ends. Every outcome other than a fresh answer returns an
// error matching ErrAnalysisUnavailable. Cancelling ctx cancels the request.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	var zero T
	if f.err != nil {
		return zero, f.err
	}
	if f.ready {
		if rev := f.doc.Revision(); rev != f.revision {
			var what any = f.key
			if f.req != nil {
				what = f.req.Kind
			}
			return zero, fmt.Errorf("%w: %v answer for revision %d is stale (document at %d)",
				ErrAnalysisUnavailable, what, f.revision, rev)
		}
		return f.value, nil
	}
	raw, err := f.doc.bridge.Wait(ctx, f.req)
	if err != nil {
		f.err = err
		return zero, err
	}
	v, err := f.decode(raw)
	if err != nil {
		f.err = fmt.Errorf("%w: %s: %w", ErrAnalysisUnavailable, f.req.Kind, err)
		return zero, f.err
	}
	if f.key != "" {
		cache.Put(f.doc.results, f.key, v, f.req.Revision)
	}
	f.value, f.ready = v, true
	return v, nil
}

// Done is closed once Wait would not block.
func (f *Future[T]) Done() <-chan struct{} {
	if f.req == nil || f.ready {
		return closedChan
	}
	return f.req.Done()
}

// Cancel abandons the request. A later answer is discarded.
func (f *Future[T]) Cancel() {
	if f.req != nil && !f.ready {
		f.doc.bridge.Cancel(f.req)
	}
}

// Revision returns the document revision the question was asked at, or
// -1 for a future that failed before it was asked.
func (f *Future[T]) Revision() int64 {
	if f.doc == nil {
		return -1
	}
	return f.revision
}

func cacheKey(kind analysis.Kind, offset int) string {
	return fmt.Sprintf("%s:%d", kind, offset)
}

// request returns a cached answer for key when one exists at the current
// revision and otherwise sends the request.
func request[T any](
	s *SemanticDocument,
	key string,
	send func() (*analysis.Request, error),
	decode func(json.RawMessage) (T, error),
) *Future[T] {
	if s.closed {
		return failedFuture[T](ErrClosed)
	}
	if key != "" {
		if v, ok := cache.Get[T](s.results, key, s.Revision()); ok {
			return &Future[T]{doc: s, key: key, revision: s.Revision(), value: v, ready: true}
		}
	}
	req, err := send()
	if err != nil {
		return failedFuture[T](err)
	}
	return &Future[T]{doc: s, req: req, key: key, decode: decode, revision: req.Revision}
}

func (s *SemanticDocument) positional(ctx context.Context, kind analysis.Kind, offset int) *Future[[]Location] {
	return request(s, cacheKey(kind, offset),
		func() (*analysis.Request, error) { return s.bridge.Issue(ctx, kind, offset) },
		s.decodeLocations,
	)
}

func (s *SemanticDocument) decodeLocations(raw json.RawMessage) ([]Location, error) {
	locs, err := analysis.DecodeLocations(raw)
	if err != nil {
		return nil, err
	}
	uri := s.URI()
	out := make([]Location, 0, len(locs))
	for _, l := range locs {
		loc := Location{URI: l.URI, Range: l.Range}
		if analysis.SameDocument(l.URI, uri) {
			span, err := s.bridge.Span(l.Range)
			if err != nil {
				s.logger.Debug("dropping location outside the document", "range", l.Range, "error", err)
				continue
			}
			loc.Span = &span
		}
		out = append(out, loc)
	}
	return out, nil
}

// --- hover ---

// HoverAsync asks for the hover text at offset.
func (s *SemanticDocument) HoverAsync(ctx context.Context, offset int) *Future[string] {
	return request(s, cacheKey(analysis.KindHover, offset),
		func() (*analysis.Request, error) { return s.bridge.Issue(ctx, analysis.KindHover, offset) },
		analysis.DecodeHover,
	)
}

// Hover returns the hover text at offset. An empty string means the
// server has nothing to say.
func (s *SemanticDocument) Hover(ctx context.Context, offset int) (string, error) {
	return s.HoverAsync(ctx, offset).Wait(ctx)
}

// --- navigation ---

// DefinitionAsync asks where the symbol at offset is defined.
func (s *SemanticDocument) DefinitionAsync(ctx context.Context, offset int) *Future[[]Location] {
	return s.positional(ctx, analysis.KindDefinition, offset)
}

// Definition returns the definitions of the symbol at offset.
func (s *SemanticDocument) Definition(ctx context.Context, offset int) ([]Location, error) {
	return s.DefinitionAsync(ctx, offset).Wait(ctx)
}

// DeclarationAsync asks where the symbol at offset is declared.
func (s *SemanticDocument) DeclarationAsync(ctx context.Context, offset int) *Future[[]Location] {
	return s.positional(ctx, analysis.KindDeclaration, offset)
}

// Declaration returns the declarations of the symbol at offset.
func (s *SemanticDocument) Declaration(ctx context.Context, offset int) ([]Location, error) {
	return s.DeclarationAsync(ctx, offset).Wait(ctx)
}

// ReferencesAsync asks for every reference to the symbol at offset,
// declaration included.
func (s *SemanticDocument) ReferencesAsync(ctx context.Context, offset int) *Future[[]Location] {
	return s.positional(ctx, analysis.KindReferences, offset)
}

// References returns every reference to the symbol at offset.
func (s *SemanticDocument) References(ctx context.Context, offset int) ([]Location, error) {
	return s.ReferencesAsync(ctx, offset).Wait(ctx)
}

// FollowSymbolAsync asks for the definition of the symbol at the cursor.
func (s *SemanticDocument) FollowSymbolAsync(ctx context.Context) *Future[[]Location] {
	return s.DefinitionAsync(ctx, s.cursor)
}

// FollowSymbol returns the definition of the symbol at the cursor, or nil
// when there is none. A target in this document also moves the cursor.
func (s *SemanticDocument) FollowSymbol(ctx context.Context) (*Location, error) {
	locs, err := s.FollowSymbolAsync(ctx).Wait(ctx)
	if err != nil {
		return nil, err
	}
	if len(locs) == 0 {
		return nil, nil
	}
	target := locs[0]
	s.moveTo(target)
	return &target, nil
}

// SwitchDeclarationDefinition jumps between the declaration and the
// definition of the function around the cursor. From a definition it goes
// to the declaration; from anywhere else to the definition. It returns nil
// when the cursor is not in a function or the server knows no other side.
func (s *SemanticDocument) SwitchDeclarationDefinition(ctx context.Context) (*Location, error) {
	fn, err := s.CurrentSymbol(IsCallable)
	if err != nil || fn == nil {
		return nil, err
	}
	at := fn.SelectionRange.Start

	defs, err := s.Definition(ctx, at)
	if err != nil {
		return nil, err
	}
	target := otherThan(defs, fn.Range)
	if target == nil {
		decls, err := s.Declaration(ctx, at)
		if err != nil {
			return nil, err
		}
		target = otherThan(decls, fn.Range)
	}
	if target == nil {
		return nil, nil
	}
	s.moveTo(*target)
	return target, nil
}

// otherThan returns the first location that is not inside here.
func otherThan(locs []Location, here Range) *Location {
	for i := range locs {
		if locs[i].Span != nil && here.Contains(*locs[i].Span) {
			continue
		}
		return &locs[i]
	}
	return nil
}

func (s *SemanticDocument) moveTo(loc Location) {
	if loc.Span != nil {
		s.cursor = loc.Span.Start
	}
}

// --- document symbols ---

// DocumentSymbolsAsync asks for the server's outline of the document.
func (s *SemanticDocument) DocumentSymbolsAsync(ctx context.Context) *Future[[]Symbol] {
	return request(s, cacheKey(analysis.KindDocumentSymbols, -1),
		func() (*analysis.Request, error) { return s.bridge.IssueDocumentSymbols(ctx) },
		s.decodeDocumentSymbols,
	)
}

// DocumentSymbols returns the server's outline flattened into document
// order, with parents set like the structural symbols.
func (s *SemanticDocument) DocumentSymbols(ctx context.Context) ([]Symbol, error) {
	return s.DocumentSymbolsAsync(ctx).Wait(ctx)
}

func (s *SemanticDocument) decodeDocumentSymbols(raw json.RawMessage) ([]Symbol, error) {
	tree, err := analysis.DecodeDocumentSymbols(raw)
	if err != nil {
		return nil, err
	}
	var out []Symbol
	var walk func(nodes []protocol.DocumentSymbol, parent int) error
	walk = func(nodes []protocol.DocumentSymbol, parent int) error {
		sort.SliceStable(nodes, func(i, j int) bool {
			a, b := nodes[i].Range.Start, nodes[j].Range.Start
			return a.Line < b.Line || (a.Line == b.Line && a.Character < b.Character)
		})
		for _, n := range nodes {
			r, err := s.bridge.Span(n.Range)
			if err != nil {
				return fmt.Errorf("%w: symbol %q: %w", analysis.ErrInvalidResponse, n.Name, err)
			}
			sel, err := s.bridge.Span(n.SelectionRange)
			if err != nil {
				return fmt.Errorf("%w: symbol %q: %w", analysis.ErrInvalidResponse, n.Name, err)
			}
			id := len(out)
			out = append(out, Symbol{
				Name:           n.Name,
				Kind:           kindFromProtocol(n.Kind),
				Range:          r,
				SelectionRange: sel,
				Parent:         parent,
			})
			if err := walk(n.Children, id); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(tree, -1); err != nil {
		return nil, err
	}
	return symbol.FromSymbols(out, s.Revision()).Symbols(), nil
}

func kindFromProtocol(k protocol.SymbolKind) SymbolKind {
	switch k {
	case protocol.SymbolKindFunction:
		return symbol.KindFunction
	case protocol.SymbolKindMethod:
		return symbol.KindMethod
	case protocol.SymbolKindConstructor:
		return symbol.KindConstructor
	case protocol.SymbolKindClass:
		return symbol.KindClass
	case protocol.SymbolKindStruct:
		return symbol.KindStruct
	case protocol.SymbolKindInterface:
		return symbol.KindInterface
	case protocol.SymbolKindEnum:
		return symbol.KindEnum
	case protocol.SymbolKindEnumMember:
		return symbol.KindEnumerator
	case protocol.SymbolKindField, protocol.SymbolKindProperty:
		return symbol.KindField
	case protocol.SymbolKindNamespace, protocol.SymbolKindPackage:
		return symbol.KindNamespace
	case protocol.SymbolKindModule:
		return symbol.KindModule
	case protocol.SymbolKindConstant:
		return symbol.KindConstant
	case protocol.SymbolKindTypeParameter:
		return symbol.KindType
	}
	return symbol.KindVariable
}

// --- rename ---

type textEdit struct {
	Range   Range
	NewText string
}

// Rename asks the server to rename the symbol at offset and applies the
// edits for this document, last first, each as its own revision. Edits the
// server proposes for other files are logged and skipped. It returns the
// number of edits applied.
func (s *SemanticDocument) Rename(ctx context.Context, offset int, newName string) (int, error) {
	f := request(s, "",
		func() (*analysis.Request, error) { return s.bridge.IssueRename(ctx, offset, newName) },
		s.decodeRename,
	)
	edits, err := f.Wait(ctx)
	if err != nil {
		return 0, err
	}
	for i := len(edits) - 1; i >= 0; i-- {
		if _, err := s.Replace(edits[i].Range, edits[i].NewText); err != nil {
			return len(edits) - 1 - i, err
		}
	}
	return len(edits), nil
}

func (s *SemanticDocument) decodeRename(raw json.RawMessage) ([]textEdit, error) {
	list, others, err := analysis.DecodeWorkspaceEdit(raw, s.URI())
	if err != nil {
		return nil, err
	}
	if len(others) > 0 {
		s.logger.Warn("rename touches other files, skipping them", "files", others)
	}
	edits := make([]textEdit, 0, len(list))
	for _, e := range list {
		r, err := s.bridge.Span(e.Range)
		if err != nil {
			return nil, fmt.Errorf("%w: rename edit: %w", analysis.ErrInvalidResponse, err)
		}
		edits = append(edits, textEdit{Range: r, NewText: e.NewText})
	}
	sort.SliceStable(edits, func(i, j int) bool { return edits[i].Range.Start < edits[j].Range.Start })
	for i := 1; i < len(edits); i++ {
		if edits[i].Range.Start < edits[i-1].Range.End {
			return nil, fmt.Errorf("%w: overlapping rename edits at %s and %s",
				analysis.ErrInvalidResponse, edits[i-1].Range, edits[i].Range)
		}
	}
	return edits, nil
}
