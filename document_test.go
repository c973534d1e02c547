package sapling

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/sapling/internal/store"
	"github.com/jward/sapling/internal/symbol"
)

const twoFunctions = "int a() {}\nint b() {}"

func newTestDocument(t *testing.T, language, content string, opts ...Option) *CodeDocument {
	t.Helper()
	doc, err := New(context.Background(), language, content, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { doc.Close() })
	return doc
}

func symbolNames(syms []Symbol) []string {
	out := make([]string, len(syms))
	for i, s := range syms {
		out[i] = s.Name
	}
	return out
}

// assertConsistent checks the symbol invariants against the current text.
func assertConsistent(t *testing.T, doc *CodeDocument) {
	t.Helper()
	syms, err := doc.Symbols()
	require.NoError(t, err)
	for _, s := range syms {
		assert.Equal(t, doc.Revision(), s.Revision, "symbol %s", s.Name)
		assert.LessOrEqual(t, s.Range.End, doc.Len(), "symbol %s ends past the text", s.Name)
		assert.True(t, s.Range.Contains(s.SelectionRange), "symbol %s name outside its range", s.Name)
		if s.Parent >= 0 {
			assert.True(t, syms[s.Parent].Range.Contains(s.Range), "symbol %s escapes its parent", s.Name)
		}
	}
	for i := range syms {
		for j := i + 1; j < len(syms); j++ {
			if syms[i].Parent == syms[j].Parent {
				a, b := syms[i].Range, syms[j].Range
				assert.False(t, a.Start < b.End && b.Start < a.End, "siblings %s and %s overlap", syms[i].Name, syms[j].Name)
			}
		}
	}
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_UnsupportedLanguage(t *testing.T) {
	_, err := New(context.Background(), "cobol", "")
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestNew_RejectsBadSymbolQuery(t *testing.T) {
	_, err := New(context.Background(), "c", twoFunctions, WithSymbolQuery("(function_definition"))
	assert.ErrorIs(t, err, ErrQuerySyntax)
}

func TestNew_EmptySymbolQuery(t *testing.T) {
	doc := newTestDocument(t, "c", twoFunctions, WithSymbolQuery(""))
	syms, err := doc.Symbols()
	require.NoError(t, err)
	assert.Empty(t, syms)
}

func TestOpen_DetectsLanguageAndKeepsLineEndings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.c")
	require.NoError(t, os.WriteFile(path, []byte("int a() {}\r\nint b() {}\r\n"), 0o644))

	doc, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer doc.Close()

	assert.Equal(t, "c", doc.Language())
	assert.True(t, filepath.IsAbs(doc.Path()))
	assert.Equal(t, "int a() {}\nint b() {}\n", doc.Text())
	assert.Contains(t, doc.URI(), "file://")

	_, err = doc.Insert(doc.Len(), "int c() {}\n")
	require.NoError(t, err)
	require.NoError(t, doc.Save(""))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "int a() {}\r\nint b() {}\r\nint c() {}\r\n", string(data))
}

func TestOpen_UnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))
	_, err := Open(context.Background(), path)
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

// =============================================================================
// Symbols
// =============================================================================

func TestTwoFunctionExample(t *testing.T) {
	doc := newTestDocument(t, "c", twoFunctions)

	syms, err := doc.Symbols()
	require.NoError(t, err)
	require.Len(t, syms, 2)
	assert.Equal(t, "a", syms[0].Name)
	assert.Equal(t, Range{Start: 0, End: 10}, syms[0].Range)
	assert.Equal(t, "b", syms[1].Name)
	assert.Equal(t, Range{Start: 11, End: 21}, syms[1].Range)

	b, err := doc.FindSymbol("b", 0)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, syms[1], *b)

	delta, err := doc.Insert(0, "//")
	require.NoError(t, err)
	assert.Equal(t, int64(1), delta.Revision)
	assert.Equal(t, int64(1), doc.Revision())

	syms, err = doc.Symbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, symbolNames(syms))
	assert.Equal(t, Range{Start: 13, End: 23}, syms[0].Range)
	assert.Equal(t, int64(1), syms[0].Revision)
}

func TestFindSymbol_NotFoundAndFlags(t *testing.T) {
	doc := newTestDocument(t, "c", "int getValue() {}\nint get() {}\n")

	s, err := doc.FindSymbol("missing", 0)
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = doc.FindSymbol("GET", 0)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "getValue", s.Name, "first match in document order")

	s, err = doc.FindSymbol("get", FindWholeWords)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "get", s.Name)

	s, err = doc.FindSymbol("GET", FindCaseSensitive)
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = doc.FindSymbol("(", FindRegexp)
	assert.Error(t, err)
}

func TestCurrentSymbolAndSelection(t *testing.T) {
	src := "struct point {\n  int x;\n};\nint main() { return 0; }\n"
	doc := newTestDocument(t, "c", src)

	require.NoError(t, doc.SetCursor(21)) // on "x"
	s, err := doc.CurrentSymbol(nil)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "x", s.Name)

	s, err = doc.CurrentSymbol(func(s Symbol) bool { return s.Kind == symbol.KindStruct })
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "point", s.Name)

	s, err = doc.CurrentSymbol(IsCallable)
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = doc.SelectSymbol("main", 0)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, s.SelectionRange.Start, doc.Cursor())

	under, err := doc.SymbolUnderCursor()
	require.NoError(t, err)
	require.NotNil(t, under)
	assert.Equal(t, "main", under.Name)

	_, err = doc.SymbolAt(doc.Len()+1, nil)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestDeleteSymbol(t *testing.T) {
	doc := newTestDocument(t, "c", twoFunctions)

	a, err := doc.FindSymbol("a", FindWholeWords)
	require.NoError(t, err)
	require.NotNil(t, a)

	_, err = doc.DeleteSymbol(*a)
	require.NoError(t, err)
	assert.Equal(t, "\nint b() {}", doc.Text())

	// a is from revision 0 and the document is now at 1.
	_, err = doc.DeleteSymbol(*a)
	assert.ErrorIs(t, err, ErrStaleSymbol)
	assert.Equal(t, "\nint b() {}", doc.Text())
	assert.Equal(t, int64(1), doc.Revision())
}

func TestSymbolsWhere(t *testing.T) {
	doc := newTestDocument(t, "c", "struct s { int f; };\nint main() {}\nint helper() {}\n")

	got, err := doc.SymbolsWhere(context.Background(), `callable && line >= 1`)
	require.NoError(t, err)
	assert.Equal(t, []string{"main", "helper"}, symbolNames(got))

	got, err = doc.SymbolsWhere(context.Background(), `qualified == "s::f"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"f"}, symbolNames(got))

	_, err = doc.SymbolsWhere(context.Background(), `kind ==`)
	assert.Error(t, err)
}

func TestSymbolsCachedPerRevision(t *testing.T) {
	doc := newTestDocument(t, "c", twoFunctions)

	first, err := doc.SymbolIndex()
	require.NoError(t, err)
	again, err := doc.SymbolIndex()
	require.NoError(t, err)
	assert.Same(t, first, again)

	_, err = doc.Insert(doc.Len(), "\nint c() {}")
	require.NoError(t, err)
	rebuilt, err := doc.SymbolIndex()
	require.NoError(t, err)
	assert.NotSame(t, first, rebuilt)
	assert.Equal(t, 3, rebuilt.Len())
	assert.Equal(t, doc.Revision(), rebuilt.Revision())
}

// =============================================================================
// Edits
// =============================================================================

func TestReplace_OutOfRangeIsNoOp(t *testing.T) {
	doc := newTestDocument(t, "c", twoFunctions)
	var hooked int
	doc.OnEdit(func(EditDelta) { hooked++ })

	_, err := doc.Replace(Range{Start: 5, End: 100}, "x")
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = doc.Replace(Range{Start: 5, End: 3}, "x")
	assert.ErrorIs(t, err, ErrOutOfRange)

	assert.Equal(t, int64(0), doc.Revision())
	assert.Equal(t, twoFunctions, doc.Text())
	assert.Zero(t, hooked)
}

func TestOnEditHooksRunInOrder(t *testing.T) {
	doc := newTestDocument(t, "c", twoFunctions)
	var seen []string
	doc.OnEdit(func(d EditDelta) { seen = append(seen, "first") })
	doc.OnEdit(func(d EditDelta) {
		seen = append(seen, "second")
		assert.Equal(t, doc.Revision(), d.Revision)
	})

	_, err := doc.Insert(0, " ")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, seen)
}

func TestCursorFollowsEdits(t *testing.T) {
	tests := []struct {
		name   string
		edit   Range
		text   string
		cursor int
	}{
		{"insert before", Range{Start: 0, End: 0}, "xx", 5},
		{"insert at cursor", Range{Start: 3, End: 3}, "x", 4},
		{"insert after", Range{Start: 4, End: 4}, "x", 3},
		{"delete around", Range{Start: 1, End: 5}, "", 1},
		{"delete before", Range{Start: 0, End: 3}, "", 0},
		{"delete after", Range{Start: 4, End: 6}, "", 3},
		{"replace around", Range{Start: 2, End: 4}, "ZZZZ", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := newTestDocument(t, "c", "abcdef")
			require.NoError(t, doc.SetCursor(3))
			_, err := doc.Replace(tt.edit, tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.cursor, doc.Cursor())
		})
	}
}

func TestMove(t *testing.T) {
	doc := newTestDocument(t, "c", twoFunctions)

	deltas, err := doc.Move(Range{Start: 11, End: 21}, 0)
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.Equal(t, int64(2), doc.Revision())
	assert.Equal(t, "int b() {}int a() {}\n", doc.Text())

	syms, err := doc.Symbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, symbolNames(syms))

	deltas, err = doc.Move(Range{Start: 0, End: 3}, 2)
	require.NoError(t, err)
	assert.Empty(t, deltas)
	assert.Equal(t, int64(2), doc.Revision())
}

func TestIncrementalTreeMatchesFullParse(t *testing.T) {
	edits := []struct {
		r    Range
		text string
	}{
		{Range{Start: 0, End: 0}, "//"},
		{Range{Start: 0, End: 2}, ""},
		{Range{Start: 4, End: 5}, "alpha"},
		{Range{Start: 15, End: 15}, "\nint c(int x) { return x; }"},
		{Range{Start: 0, End: 0}, "struct p { int x; };\n"},
	}
	doc := newTestDocument(t, "c", twoFunctions)
	for _, e := range edits {
		_, err := doc.Replace(e.r, e.text)
		require.NoError(t, err)
	}
	// Two more edits batched before the next query.
	_, err := doc.Insert(doc.Len(), "\nint d() {}")
	require.NoError(t, err)
	_, err = doc.Insert(doc.Len(), "\nint e() {}")
	require.NoError(t, err)

	tree, err := doc.Tree()
	require.NoError(t, err)
	assert.Equal(t, doc.Revision(), tree.Revision())

	fresh := newTestDocument(t, "c", doc.Text())
	freshTree, err := fresh.Tree()
	require.NoError(t, err)
	assert.Equal(t, freshTree.String(), tree.String())
	assertConsistent(t, doc)
}

func TestRandomEditsKeepSymbolsConsistent(t *testing.T) {
	fragments := []string{
		"int f() {}\n", "{", "}", "\n", ";", "struct s { int x; };\n",
		"/*", "*/", "int", " ", "x", "enum e { A, B };\n",
	}
	rng := rand.New(rand.NewSource(7))
	doc := newTestDocument(t, "c", twoFunctions)

	for i := 0; i < 200; i++ {
		n := doc.Len()
		start := rng.Intn(n + 1)
		end := start
		if rng.Intn(3) == 0 && start < n {
			end = start + rng.Intn(min(8, n-start)+1)
		}
		insert := ""
		if rng.Intn(4) != 0 {
			insert = fragments[rng.Intn(len(fragments))]
		}
		before := doc.Revision()
		_, err := doc.Replace(Range{Start: start, End: end}, insert)
		require.NoError(t, err)
		require.Equal(t, before+1, doc.Revision())
		assertConsistent(t, doc)
	}
}

func TestClosedDocument(t *testing.T) {
	doc, err := New(context.Background(), "c", twoFunctions)
	require.NoError(t, err)
	require.NoError(t, doc.Close())
	require.NoError(t, doc.Close())

	_, err = doc.Insert(0, "x")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = doc.Symbols()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = doc.Tree()
	assert.ErrorIs(t, err, ErrClosed)
}

// =============================================================================
// Structure
// =============================================================================

func TestNodeQueries(t *testing.T) {
	doc := newTestDocument(t, "c", twoFunctions)

	n, err := doc.NodeCovering(Range{Start: 15, End: 16})
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "identifier", n.Type())
	assert.Equal(t, "b", doc.NodeText(n))

	nodes, err := doc.NodesInRange(Range{Start: 0, End: doc.Len()})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "translation_unit", nodes[0].Type())

	_, err = doc.NodeCovering(Range{Start: 0, End: 99})
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestNodeTextAfterEdit(t *testing.T) {
	doc := newTestDocument(t, "c", twoFunctions)
	_, err := doc.Tree()
	require.NoError(t, err)

	_, err = doc.Replace(Range{Start: 15, End: 16}, "beta")
	require.NoError(t, err)
	require.NotEmpty(t, doc.pending)

	n, err := doc.NodeCovering(Range{Start: 15, End: 19})
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "beta", doc.NodeText(n))
	assert.Empty(t, doc.pending)

	tree, err := doc.Tree()
	require.NoError(t, err)
	assert.Equal(t, doc.Text(), doc.NodeText(tree.Root()))
	assert.Empty(t, doc.NodeText(nil))
}

func TestQuery(t *testing.T) {
	doc := newTestDocument(t, "c", twoFunctions)
	pattern := `(function_declarator declarator: (identifier) @fn)`

	matches, err := doc.Query(pattern, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	within := Range{Start: 11, End: 21}
	matches, err = doc.Query(pattern, &within)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	c, ok := matches[0].Capture("fn")
	require.True(t, ok)
	assert.Equal(t, Range{Start: 15, End: 16}, c.Range)

	_, err = doc.Query(`(function_definition`, nil)
	assert.ErrorIs(t, err, ErrQuerySyntax)
}

// =============================================================================
// Files
// =============================================================================

func TestMinimalReplace(t *testing.T) {
	tests := []struct {
		name    string
		old     string
		updated string
		r       Range
		text    string
		changed bool
	}{
		{"same", "abc", "abc", Range{}, "", false},
		{"append", "abc", "abcd", Range{Start: 3, End: 3}, "d", true},
		{"middle", "int a;", "int bb;", Range{Start: 4, End: 5}, "bb", true},
		{"delete", "abcdef", "abef", Range{Start: 2, End: 4}, "", true},
		{"repeated", "aaa", "aaaa", Range{Start: 3, End: 3}, "a", true},
		{"multibyte", "xéy", "xèy", Range{Start: 1, End: 3}, "è", true},
		{"emptied", "abc", "", Range{Start: 0, End: 3}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, text, changed := minimalReplace([]byte(tt.old), []byte(tt.updated))
			assert.Equal(t, tt.changed, changed)
			if !changed {
				return
			}
			assert.Equal(t, tt.r, r)
			assert.Equal(t, tt.text, text)
			got := tt.old[:r.Start] + text + tt.old[r.End:]
			assert.Equal(t, tt.updated, got)
		})
	}
}

func TestReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.c")
	require.NoError(t, os.WriteFile(path, []byte(twoFunctions), 0o644))
	doc, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer doc.Close()

	_, changed, err := doc.Reload()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(0), doc.Revision())

	require.NoError(t, os.WriteFile(path, []byte("int a() {}\nint beta() {}"), 0o644))
	delta, changed, err := doc.Reload()
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, 16, delta.Start)
	assert.Equal(t, 0, delta.Removed)
	assert.Equal(t, 3, delta.Added)
	assert.Equal(t, int64(1), doc.Revision())

	b, err := doc.FindSymbol("beta", 0)
	require.NoError(t, err)
	require.NotNil(t, b)
}

func TestReloadWithoutPath(t *testing.T) {
	doc := newTestDocument(t, "c", twoFunctions)
	_, _, err := doc.Reload()
	assert.ErrorIs(t, err, ErrNoPath)
	assert.ErrorIs(t, doc.Save(""), ErrNoPath)
}

func TestSnapshotStore(t *testing.T) {
	s, err := store.NewStore(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })

	path := filepath.Join(t.TempDir(), "a.c")
	require.NoError(t, os.WriteFile(path, []byte(twoFunctions), 0o644))

	doc, err := Open(context.Background(), path, WithSnapshotStore(s))
	require.NoError(t, err)
	syms, err := doc.Symbols()
	require.NoError(t, err)
	require.Len(t, syms, 2)
	require.NoError(t, doc.Close())

	f, err := s.FileByPath(doc.Path())
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, 2, f.SymbolCount)
	assert.Equal(t, "c", f.Language)

	// A snapshot stored under the current content hash is used as is.
	q, _ := symbol.DefaultQuery("c")
	require.NoError(t, s.SaveSnapshot(store.Snapshot{
		Path:     doc.Path(),
		Language: "c",
		Hash:     store.ContentHash([]byte(twoFunctions), q),
		Symbols: []Symbol{
			{Name: "restored", Kind: symbol.KindFunction, Range: Range{Start: 0, End: 10}, SelectionRange: Range{Start: 4, End: 5}, Parent: -1},
		},
	}))
	doc, err = Open(context.Background(), path, WithSnapshotStore(s))
	require.NoError(t, err)
	defer doc.Close()
	syms, err = doc.Symbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"restored"}, symbolNames(syms))

	// After an edit the hash no longer matches and symbols are rebuilt.
	_, err = doc.Insert(doc.Len(), "\n")
	require.NoError(t, err)
	syms, err = doc.Symbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, symbolNames(syms))
}
