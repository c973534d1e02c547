package sapling

import (
	"context"
	"fmt"
	"path/filepath"
	"unicode/utf8"

	"github.com/hashicorp/go-hclog"
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/sapling/internal/analysis"
	"github.com/jward/sapling/internal/cache"
	"github.com/jward/sapling/internal/filter"
	"github.com/jward/sapling/internal/query"
	"github.com/jward/sapling/internal/store"
	"github.com/jward/sapling/internal/symbol"
	"github.com/jward/sapling/internal/syntax"
	"github.com/jward/sapling/internal/text"
)

const symbolsKey = "symbols"

// CodeDocument is the structural view of one source file: a text buffer,
// its syntax tree, a query engine, the derived symbol index, and a cache of
// results tagged with the revision that produced them.
//
// A CodeDocument is not safe for concurrent use. All calls, edits included,
// must come from the goroutine that owns it. Different documents share no
// state and may be used from different goroutines.
type CodeDocument struct {
	path     string
	language string

	buf     *text.Buffer
	parser  *syntax.Parser
	tree    *syntax.Tree
	pending []text.EditDelta // applied to tree on the next structural query
	engine  *query.Engine
	results *cache.Cache

	symbolQuery string
	customQuery bool

	cursor int
	hooks  []func(EditDelta)

	store  *store.Store
	logger hclog.Logger
	closed bool
}

// Option configures a CodeDocument.
type Option func(*CodeDocument)

// WithSymbolQuery replaces the built-in symbol query for the document's
// language. An empty query yields no symbols.
func WithSymbolQuery(q string) Option {
	return func(d *CodeDocument) {
		d.symbolQuery = q
		d.customQuery = true
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l hclog.Logger) Option {
	return func(d *CodeDocument) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithSnapshotStore makes symbol builds consult s first and record fresh
// results in it. Only documents with a path use the store.
func WithSnapshotStore(s *store.Store) Option {
	return func(d *CodeDocument) { d.store = s }
}

// WithPath associates the document with a file, for Save, Reload, and the
// URI reported to language servers.
func WithPath(path string) Option {
	return func(d *CodeDocument) { d.path = path }
}

// New creates a document for content in language.
func New(ctx context.Context, language, content string, opts ...Option) (*CodeDocument, error) {
	return newDocument(ctx, language, text.New(content), opts)
}

// RegisterExtension makes Open treat files ending in ext as language. An
// empty language removes the mapping.
func RegisterExtension(ext, language string) error {
	return syntax.Default.Register(ext, language)
}

// Open loads path from disk. The language is chosen by file extension, and
// the file's line ending and byte order mark are kept for Save.
func Open(ctx context.Context, path string, opts ...Option) (*CodeDocument, error) {
	language, ok := syntax.LanguageForFile(path)
	if !ok {
		return nil, fmt.Errorf("sapling: %s: %w", path, ErrUnsupportedLanguage)
	}
	buf, err := text.Load(path)
	if err != nil {
		return nil, fmt.Errorf("sapling: open: %w", err)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return newDocument(ctx, language, buf, append([]Option{WithPath(path)}, opts...))
}

func newDocument(ctx context.Context, language string, buf *text.Buffer, opts []Option) (*CodeDocument, error) {
	parser, err := syntax.NewParser(language)
	if err != nil {
		return nil, fmt.Errorf("sapling: %w", err)
	}
	d := &CodeDocument{
		language: language,
		buf:      buf,
		parser:   parser,
		engine:   query.NewEngine(parser.Grammar()),
		results:  cache.New(),
		logger:   hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if !d.customQuery {
		d.symbolQuery, _ = symbol.DefaultQuery(language)
	}
	if d.symbolQuery != "" {
		if _, err := d.engine.Compile(d.symbolQuery); err != nil {
			d.release()
			return nil, fmt.Errorf("sapling: symbol query: %w", err)
		}
	}

	tree, err := parser.Parse(ctx, buf.Bytes(), buf.Revision())
	if err != nil {
		d.release()
		return nil, fmt.Errorf("sapling: %w", err)
	}
	d.tree = tree
	d.logger.Debug("document opened", "language", language, "path", d.path, "bytes", buf.Len())
	return d, nil
}

// Language returns the tree-sitter language name.
func (d *CodeDocument) Language() string { return d.language }

// Path returns the absolute file path, or "" for an in-memory document.
func (d *CodeDocument) Path() string { return d.path }

// URI identifies the document to language servers.
func (d *CodeDocument) URI() string {
	if d.path == "" {
		return "untitled:" + d.language
	}
	return analysis.PathToURI(d.path)
}

// --- text ---

func (d *CodeDocument) Revision() int64 { return d.buf.Revision() }
func (d *CodeDocument) Len() int        { return d.buf.Len() }
func (d *CodeDocument) Text() string    { return d.buf.Text() }
func (d *CodeDocument) LineCount() int  { return d.buf.LineCount() }

// Line returns line n without its newline.
func (d *CodeDocument) Line(n int) (string, error) { return d.buf.Line(n) }

// Slice returns the text in r.
func (d *CodeDocument) Slice(r Range) (string, error) { return d.buf.Slice(r) }

// Position converts a byte offset to a 0-based line and byte column.
func (d *CodeDocument) Position(offset int) (Position, error) { return d.buf.Position(offset) }

// Offset converts a 0-based line and byte column to a byte offset.
func (d *CodeDocument) Offset(pos Position) (int, error) { return d.buf.Offset(pos) }

// WordAt returns the identifier around offset.
func (d *CodeDocument) WordAt(offset int) (Range, error) { return d.buf.WordAt(offset) }

// --- cursor ---

// Cursor returns the cursor offset. Edits move it along with the text.
func (d *CodeDocument) Cursor() int { return d.cursor }

// SetCursor places the cursor at offset.
func (d *CodeDocument) SetCursor(offset int) error {
	if offset < 0 || offset > d.buf.Len() {
		return fmt.Errorf("sapling: cursor %d: %w", offset, ErrOutOfRange)
	}
	d.cursor = offset
	return nil
}

// --- edits ---

// OnEdit registers hook to run after every edit, in registration order.
// Hooks run before the edit call returns.
func (d *CodeDocument) OnEdit(hook func(EditDelta)) {
	d.hooks = append(d.hooks, hook)
}

// Replace replaces the text in r. It is the only way the document changes;
// Insert, Delete, Move, DeleteSymbol, and Reload are built on it.
func (d *CodeDocument) Replace(r Range, s string) (EditDelta, error) {
	if d.closed {
		return EditDelta{}, ErrClosed
	}
	delta, err := d.buf.Replace(r, s)
	if err != nil {
		return EditDelta{}, fmt.Errorf("sapling: replace %s: %w", r, err)
	}
	d.applyEdit(delta)
	return delta, nil
}

// Insert inserts s at offset.
func (d *CodeDocument) Insert(offset int, s string) (EditDelta, error) {
	return d.Replace(Range{Start: offset, End: offset}, s)
}

// Delete removes the text in r.
func (d *CodeDocument) Delete(r Range) (EditDelta, error) {
	return d.Replace(r, "")
}

// Move relocates the text in r to offset to, measured before the move.
// It takes two edits, so the revision advances twice.
func (d *CodeDocument) Move(r Range, to int) ([]EditDelta, error) {
	if d.closed {
		return nil, ErrClosed
	}
	if err := d.checkRange(r); err != nil {
		return nil, err
	}
	if to < 0 || to > d.buf.Len() {
		return nil, fmt.Errorf("sapling: move to %d: %w", to, ErrOutOfRange)
	}
	if to >= r.Start && to <= r.End {
		return nil, nil
	}
	moved, err := d.buf.Slice(r)
	if err != nil {
		return nil, fmt.Errorf("sapling: move %s: %w", r, err)
	}
	if to > r.End {
		ins, err := d.Insert(to, moved)
		if err != nil {
			return nil, err
		}
		del, err := d.Delete(r)
		if err != nil {
			return []EditDelta{ins}, err
		}
		return []EditDelta{ins, del}, nil
	}
	del, err := d.Delete(r)
	if err != nil {
		return nil, err
	}
	ins, err := d.Insert(to, moved)
	if err != nil {
		return []EditDelta{del}, err
	}
	return []EditDelta{del, ins}, nil
}

func (d *CodeDocument) checkRange(r Range) error {
	if r.Start < 0 || r.End > d.buf.Len() || r.Start > r.End {
		return fmt.Errorf("sapling: range %s: %w", r, ErrOutOfRange)
	}
	return nil
}

func (d *CodeDocument) applyEdit(delta text.EditDelta) {
	d.pending = append(d.pending, delta)
	d.results.Sweep(delta.Revision)
	d.cursor = shiftOffset(d.cursor, delta)
	for _, hook := range d.hooks {
		hook(delta)
	}
}

// shiftOffset maps an offset from before delta to after it. Offsets inside
// the replaced span collapse to its start.
func shiftOffset(offset int, delta text.EditDelta) int {
	switch {
	case offset >= delta.OldEnd():
		return offset + delta.Added - delta.Removed
	case offset > delta.Start:
		return delta.Start
	}
	return offset
}

// --- structure ---

// Tree returns the syntax tree for the current revision, reparsing
// incrementally from the edits made since the last call. The tree is
// owned by the document and is invalid after the next edit.
func (d *CodeDocument) Tree() (*syntax.Tree, error) {
	if d.closed {
		return nil, ErrClosed
	}
	if d.tree != nil && len(d.pending) == 0 {
		return d.tree, nil
	}
	src := d.buf.Bytes()
	var (
		tree *syntax.Tree
		err  error
	)
	if d.tree != nil {
		tree, err = d.parser.Reparse(context.Background(), d.tree, d.pending, src)
		d.tree = nil
		if err != nil {
			d.logger.Warn("incremental reparse failed, parsing from scratch", "revision", d.buf.Revision(), "error", err)
		}
	}
	if tree == nil {
		tree, err = d.parser.Parse(context.Background(), src, d.buf.Revision())
		if err != nil {
			return nil, fmt.Errorf("sapling: %w", err)
		}
	}
	d.pending = nil
	d.tree = tree
	return tree, nil
}

// NodeCovering returns the smallest named node that contains r.
func (d *CodeDocument) NodeCovering(r Range) (*sitter.Node, error) {
	if err := d.checkRange(r); err != nil {
		return nil, err
	}
	tree, err := d.Tree()
	if err != nil {
		return nil, err
	}
	return tree.NodeCovering(r), nil
}

// NodesInRange returns the nodes intersecting r in document order.
func (d *CodeDocument) NodesInRange(r Range) ([]*sitter.Node, error) {
	if err := d.checkRange(r); err != nil {
		return nil, err
	}
	tree, err := d.Tree()
	if err != nil {
		return nil, err
	}
	return tree.NodesInRange(r), nil
}

// NodeText returns the source text of a node from the current tree.
func (d *CodeDocument) NodeText(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	tree, err := d.Tree()
	if err != nil {
		return ""
	}
	return tree.Text(n)
}

// Query evaluates a tree-sitter query over the document, or over the part
// intersecting within when it is non-nil. Compiled patterns are cached, so
// repeating a pattern costs only the evaluation. The nodes in the returned
// matches are invalid after the next edit.
func (d *CodeDocument) Query(pattern string, within *Range) ([]Match, error) {
	if within != nil {
		if err := d.checkRange(*within); err != nil {
			return nil, err
		}
	}
	tree, err := d.Tree()
	if err != nil {
		return nil, err
	}
	matches, err := d.engine.Run(tree, pattern, within)
	if err != nil {
		return nil, fmt.Errorf("sapling: %w", err)
	}
	return matches, nil
}

// --- symbols ---

// SymbolIndex returns the symbol index for the current revision, building
// it on first use after an edit.
func (d *CodeDocument) SymbolIndex() (*symbol.Index, error) {
	if d.closed {
		return nil, ErrClosed
	}
	return cache.Load(d.results, symbolsKey, d.buf.Revision(), d.buildSymbols)
}

func (d *CodeDocument) buildSymbols() (*symbol.Index, error) {
	rev := d.buf.Revision()
	if d.symbolQuery == "" {
		return symbol.FromSymbols(nil, rev), nil
	}

	var hash string
	if d.store != nil && d.path != "" {
		hash = store.ContentHash(d.buf.Bytes(), d.symbolQuery)
		syms, ok, err := d.store.LoadSnapshot(d.path, hash)
		switch {
		case err != nil:
			d.logger.Warn("snapshot lookup failed", "path", d.path, "error", err)
		case ok:
			d.logger.Debug("symbols restored from snapshot", "path", d.path, "count", len(syms))
			return symbol.FromSymbols(syms, rev), nil
		}
	}

	tree, err := d.Tree()
	if err != nil {
		return nil, err
	}
	q, err := d.engine.Compile(d.symbolQuery)
	if err != nil {
		return nil, fmt.Errorf("sapling: symbol query: %w", err)
	}
	idx := symbol.Build(d.engine.Exec(q, tree, nil), tree.Source(), tree.Revision())
	d.logger.Trace("symbols built", "revision", rev, "count", idx.Len())

	if hash != "" {
		err := d.store.SaveSnapshot(store.Snapshot{
			Path:     d.path,
			Language: d.language,
			Hash:     hash,
			Symbols:  idx.Symbols(),
		})
		if err != nil {
			d.logger.Warn("snapshot save failed", "path", d.path, "error", err)
		}
	}
	return idx, nil
}

// Symbols returns every symbol in document order.
func (d *CodeDocument) Symbols() ([]Symbol, error) {
	idx, err := d.SymbolIndex()
	if err != nil {
		return nil, err
	}
	return idx.Symbols(), nil
}

// FindSymbol returns the first symbol in document order whose name matches
// name under flags, or nil.
func (d *CodeDocument) FindSymbol(name string, flags FindFlags) (*Symbol, error) {
	idx, err := d.SymbolIndex()
	if err != nil {
		return nil, err
	}
	return idx.Find(name, flags)
}

// SymbolAt returns the innermost symbol containing offset for which pred
// returns true, or nil. A nil pred accepts any symbol.
func (d *CodeDocument) SymbolAt(offset int, pred func(Symbol) bool) (*Symbol, error) {
	if offset < 0 || offset > d.buf.Len() {
		return nil, fmt.Errorf("sapling: offset %d: %w", offset, ErrOutOfRange)
	}
	idx, err := d.SymbolIndex()
	if err != nil {
		return nil, err
	}
	s, ok := idx.Innermost(offset, pred)
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// CurrentSymbol is SymbolAt for the cursor.
func (d *CodeDocument) CurrentSymbol(pred func(Symbol) bool) (*Symbol, error) {
	return d.SymbolAt(d.cursor, pred)
}

// SymbolUnderCursor returns the symbol whose name the cursor is on, or nil.
func (d *CodeDocument) SymbolUnderCursor() (*Symbol, error) {
	idx, err := d.SymbolIndex()
	if err != nil {
		return nil, err
	}
	s, ok := idx.AtSelection(d.cursor)
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// SelectSymbol finds a symbol like FindSymbol and moves the cursor to the
// start of its name.
func (d *CodeDocument) SelectSymbol(name string, flags FindFlags) (*Symbol, error) {
	s, err := d.FindSymbol(name, flags)
	if err != nil || s == nil {
		return s, err
	}
	d.cursor = s.SelectionRange.Start
	return s, nil
}

// DeleteSymbol removes the text of sym. sym must come from the current
// revision.
func (d *CodeDocument) DeleteSymbol(sym Symbol) (EditDelta, error) {
	if sym.Revision != d.buf.Revision() {
		return EditDelta{}, fmt.Errorf("sapling: delete %s (revision %d, document at %d): %w",
			sym.Name, sym.Revision, d.buf.Revision(), ErrStaleSymbol)
	}
	return d.Replace(sym.Range, "")
}

// SymbolsWhere returns the symbols for which the risor expression expr is
// truthy. "@path" reads the expression from a file. The expression sees
// name, kind, start, end, size, line, depth, qualified, callable, and
// top_level.
func (d *CodeDocument) SymbolsWhere(ctx context.Context, expr string) ([]Symbol, error) {
	f, err := filter.Compile(ctx, expr)
	if err != nil {
		return nil, fmt.Errorf("sapling: %w", err)
	}
	idx, err := d.SymbolIndex()
	if err != nil {
		return nil, err
	}
	return f.Apply(ctx, idx, func(offset int) int {
		pos, _ := d.buf.Position(offset)
		return pos.Line
	})
}

// --- files ---

// Reload re-reads the document's file and applies the difference as a
// single replace of the span between the common prefix and suffix. It
// reports false, and does not touch the revision, when nothing changed.
func (d *CodeDocument) Reload() (EditDelta, bool, error) {
	if d.closed {
		return EditDelta{}, false, ErrClosed
	}
	if d.path == "" {
		return EditDelta{}, false, ErrNoPath
	}
	disk, err := text.Load(d.path)
	if err != nil {
		return EditDelta{}, false, fmt.Errorf("sapling: reload: %w", err)
	}
	d.buf.SetLineEnding(disk.LineEnding())

	r, repl, changed := minimalReplace(d.buf.Bytes(), disk.Bytes())
	if !changed {
		return EditDelta{}, false, nil
	}
	delta, err := d.Replace(r, repl)
	if err != nil {
		return EditDelta{}, false, err
	}
	d.logger.Debug("document reloaded", "path", d.path, "revision", delta.Revision, "removed", delta.Removed, "added", delta.Added)
	return delta, true, nil
}

// minimalReplace returns the range of old and the text that turn old into
// updated, trimmed to the longest common prefix and suffix on character
// boundaries.
func minimalReplace(old, updated []byte) (Range, string, bool) {
	limit := min(len(old), len(updated))
	prefix := 0
	for prefix < limit && old[prefix] == updated[prefix] {
		prefix++
	}
	if prefix == len(old) && prefix == len(updated) {
		return Range{}, "", false
	}
	for prefix > 0 && (!boundary(old, prefix) || !boundary(updated, prefix)) {
		prefix--
	}

	suffix := 0
	for suffix < limit-prefix && old[len(old)-1-suffix] == updated[len(updated)-1-suffix] {
		suffix++
	}
	for suffix > 0 && (!boundary(old, len(old)-suffix) || !boundary(updated, len(updated)-suffix)) {
		suffix--
	}
	r := Range{Start: prefix, End: len(old) - suffix}
	return r, string(updated[prefix : len(updated)-suffix]), true
}

func boundary(b []byte, offset int) bool {
	return offset >= len(b) || utf8.RuneStart(b[offset])
}

// Save writes the document to path, or to its own path when path is empty.
// A document without a path adopts the one it is saved to.
func (d *CodeDocument) Save(path string) error {
	if path == "" {
		path = d.path
	}
	if path == "" {
		return ErrNoPath
	}
	if err := d.buf.Save(path); err != nil {
		return fmt.Errorf("sapling: save: %w", err)
	}
	if d.path == "" {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		d.path = path
	}
	return nil
}

// Close releases the parser and tree. Calling Close again is a no-op.
func (d *CodeDocument) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.pending = nil
	d.release()
	d.logger.Debug("document closed", "path", d.path)
	return nil
}

func (d *CodeDocument) release() {
	if d.tree != nil {
		d.tree.Close()
		d.tree = nil
	}
	d.engine.Close()
	d.parser.Close()
}

// bridgeSource is the non-owning view of a document handed to the
// analysis bridge.
type bridgeSource struct {
	doc *CodeDocument
}

func (s bridgeSource) URI() string          { return s.doc.URI() }
func (s bridgeSource) LanguageID() string   { return s.doc.language }
func (s bridgeSource) Buffer() *text.Buffer { return s.doc.buf }
