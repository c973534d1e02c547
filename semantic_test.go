package sapling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/jward/sapling/internal/symbol"
)

// =============================================================================
// Fake language server connection
// =============================================================================

type serverCall struct {
	method string
	params any
	reply  chan serverReply
}

type serverReply struct {
	raw string
	err error
}

func (c *serverCall) respond(raw string) { c.reply <- serverReply{raw: raw} }

type scriptedConn struct {
	calls chan *serverCall

	mu       sync.Mutex
	notified []string
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{calls: make(chan *serverCall, 16)}
}

func (c *scriptedConn) Call(ctx context.Context, method string, params, result any) error {
	call := &serverCall{method: method, params: params, reply: make(chan serverReply, 1)}
	c.calls <- call
	select {
	case r := <-call.reply:
		if r.err != nil {
			return r.err
		}
		*result.(*json.RawMessage) = json.RawMessage(r.raw)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *scriptedConn) Notify(_ context.Context, method string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notified = append(c.notified, method)
	return nil
}

func (c *scriptedConn) notifications() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.notified...)
}

func (c *scriptedConn) next(t *testing.T) *serverCall {
	t.Helper()
	select {
	case call := <-c.calls:
		return call
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no request reached the server")
		return nil
	}
}

// serve answers the next len(replies) requests in order from a goroutine,
// for blocking calls that issue more than one request.
func (c *scriptedConn) serve(t *testing.T, replies ...string) <-chan []string {
	t.Helper()
	methods := make(chan []string, 1)
	go func() {
		var seen []string
		for _, raw := range replies {
			select {
			case call := <-c.calls:
				seen = append(seen, call.method)
				call.respond(raw)
			case <-time.After(2 * time.Second):
				methods <- seen
				return
			}
		}
		methods <- seen
	}()
	return methods
}

func (c *scriptedConn) assertIdle(t *testing.T) {
	t.Helper()
	select {
	case call := <-c.calls:
		assert.Failf(t, "unexpected request", "method %s", call.method)
	default:
	}
}

func newSemantic(t *testing.T, content string, opts ...SemanticOption) (*SemanticDocument, *scriptedConn) {
	t.Helper()
	conn := newScriptedConn()
	doc := newTestDocument(t, "c", content)
	sem := NewSemantic(doc, conn, opts...)
	t.Cleanup(func() { sem.Close() })
	return sem, conn
}

func location(uri string, sl, sc, el, ec int) string {
	b, _ := json.Marshal(protocol.Location{
		URI: uri,
		Range: protocol.Range{
			Start: protocol.Position{Line: protocol.UInteger(sl), Character: protocol.UInteger(sc)},
			End:   protocol.Position{Line: protocol.UInteger(el), Character: protocol.UInteger(ec)},
		},
	})
	return string(b)
}

// =============================================================================
// Hover and staleness
// =============================================================================

func TestHover_StaleAfterEdit(t *testing.T) {
	sem, conn := newSemantic(t, twoFunctions)
	ctx := context.Background()

	f := sem.HoverAsync(ctx, 15)
	assert.Equal(t, int64(0), f.Revision())
	call := conn.next(t)
	assert.Equal(t, string(protocol.MethodTextDocumentHover), call.method)

	_, err := sem.Insert(0, "//")
	require.NoError(t, err)
	call.respond(`{"contents":"int b()"}`)

	_, err = f.Wait(ctx)
	assert.ErrorIs(t, err, ErrAnalysisUnavailable)
	assert.Zero(t, sem.PendingRequests())

	// Nothing from revision 0 was cached for the new revision.
	f = sem.HoverAsync(ctx, 17)
	call = conn.next(t)
	call.respond(`{"contents":"int b()"}`)
	text, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "int b()", text)
}

func TestHover_ResolvedAndCached(t *testing.T) {
	sem, conn := newSemantic(t, twoFunctions)
	ctx := context.Background()

	f := sem.HoverAsync(ctx, 15)
	conn.next(t).respond(`{"contents":{"kind":"markdown","value":"int b()"}}`)
	text, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "int b()", text)

	again := sem.HoverAsync(ctx, 15)
	select {
	case <-again.Done():
	default:
		t.Fatal("cached hover should be ready")
	}
	text, err = again.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "int b()", text)
	conn.assertIdle(t)

	_, err = sem.Insert(sem.Len(), "\n")
	require.NoError(t, err)
	sem.HoverAsync(ctx, 15)
	conn.next(t).respond(`null`)
}

func TestHover_CachedAnswerStaleAfterEdit(t *testing.T) {
	sem, conn := newSemantic(t, twoFunctions)
	ctx := context.Background()

	resolved := sem.HoverAsync(ctx, 15)
	conn.next(t).respond(`{"contents":"int b()"}`)
	_, err := resolved.Wait(ctx)
	require.NoError(t, err)

	cached := sem.HoverAsync(ctx, 15)
	conn.assertIdle(t)
	assert.Equal(t, int64(0), cached.Revision())

	_, err = sem.Insert(0, "//")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cached.Revision())

	text, err := cached.Wait(ctx)
	assert.ErrorIs(t, err, ErrAnalysisUnavailable)
	assert.Empty(t, text)

	text, err = resolved.Wait(ctx)
	assert.ErrorIs(t, err, ErrAnalysisUnavailable)
	assert.Empty(t, text)
}

func TestHover_OutOfRange(t *testing.T) {
	sem, conn := newSemantic(t, twoFunctions)
	_, err := sem.Hover(context.Background(), 500)
	assert.ErrorIs(t, err, ErrOutOfRange)
	conn.assertIdle(t)
}

func TestHover_ServerError(t *testing.T) {
	sem, conn := newSemantic(t, twoFunctions)
	ctx := context.Background()

	f := sem.HoverAsync(ctx, 15)
	call := conn.next(t)
	call.reply <- serverReply{err: errors.New("boom")}
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, ErrAnalysisUnavailable)
}

func TestHover_Timeout(t *testing.T) {
	sem, conn := newSemantic(t, twoFunctions, WithRequestTimeout(20*time.Millisecond))
	ctx := context.Background()

	f := sem.HoverAsync(ctx, 15)
	conn.next(t) // never answered
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, ErrAnalysisUnavailable)
}

func TestFuture_Cancel(t *testing.T) {
	sem, conn := newSemantic(t, twoFunctions)
	ctx := context.Background()

	f := sem.HoverAsync(ctx, 15)
	call := conn.next(t)
	f.Cancel()
	call.respond(`{"contents":"late"}`)
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, ErrAnalysisUnavailable)
}

func TestNewRequestCancelsSameKind(t *testing.T) {
	sem, conn := newSemantic(t, twoFunctions)
	ctx := context.Background()

	first := sem.HoverAsync(ctx, 4)
	firstCall := conn.next(t)
	second := sem.HoverAsync(ctx, 15)
	conn.next(t).respond(`{"contents":"int b()"}`)
	firstCall.respond(`{"contents":"int a()"}`)

	_, err := first.Wait(ctx)
	assert.ErrorIs(t, err, ErrAnalysisUnavailable)
	text, err := second.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "int b()", text)
}

func TestClose_CancelsPending(t *testing.T) {
	conn := newScriptedConn()
	doc := newTestDocument(t, "c", twoFunctions)
	sem := NewSemantic(doc, conn)
	ctx := context.Background()

	f := sem.HoverAsync(ctx, 15)
	call := conn.next(t)
	require.NoError(t, sem.Close())
	call.respond(`{"contents":"int b()"}`)

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, ErrAnalysisUnavailable)
	assert.Zero(t, sem.PendingRequests())
	assert.Equal(t, []string{
		string(protocol.MethodTextDocumentDidOpen),
		string(protocol.MethodTextDocumentDidClose),
	}, conn.notifications())

	_, err = sem.Hover(ctx, 15)
	assert.ErrorIs(t, err, ErrClosed)
}

// =============================================================================
// Navigation
// =============================================================================

func TestFollowSymbol_MovesCursorInDocument(t *testing.T) {
	src := "int a() {}\nint b() { return a(); }"
	sem, conn := newSemantic(t, src)
	require.NoError(t, sem.SetCursor(28)) // the call to a

	done := conn.serve(t, "["+location(sem.URI(), 0, 4, 0, 5)+"]")
	loc, err := sem.FollowSymbol(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{string(protocol.MethodTextDocumentDefinition)}, <-done)

	require.NotNil(t, loc)
	require.True(t, loc.Local())
	assert.Equal(t, Range{Start: 4, End: 5}, *loc.Span)
	assert.Equal(t, 4, sem.Cursor())
}

func TestFollowSymbol_OtherFileAndNone(t *testing.T) {
	src := "int a() {}\nint b() { return a(); }"
	sem, conn := newSemantic(t, src)
	require.NoError(t, sem.SetCursor(28))

	done := conn.serve(t, location("file:///usr/include/a.h", 3, 4, 3, 5))
	loc, err := sem.FollowSymbol(context.Background())
	require.NoError(t, err)
	<-done
	require.NotNil(t, loc)
	assert.False(t, loc.Local())
	assert.Equal(t, "file:///usr/include/a.h", loc.URI)
	assert.Equal(t, 28, sem.Cursor())

	require.NoError(t, sem.SetCursor(0))
	done = conn.serve(t, `null`)
	loc, err = sem.FollowSymbol(context.Background())
	require.NoError(t, err)
	<-done
	assert.Nil(t, loc)
}

func TestSwitchDeclarationDefinition(t *testing.T) {
	src := "int a(void);\nint a(void) { return 0; }\n"
	sem, conn := newSemantic(t, src)
	ctx := context.Background()
	require.NoError(t, sem.SetCursor(30)) // inside the body of the definition

	// The definition request lands on the function itself, so the
	// declaration is asked for next.
	done := conn.serve(t,
		"["+location(sem.URI(), 1, 4, 1, 5)+"]",
		"["+location(sem.URI(), 0, 4, 0, 5)+"]",
	)
	loc, err := sem.SwitchDeclarationDefinition(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{
		string(protocol.MethodTextDocumentDefinition),
		string(protocol.MethodTextDocumentDeclaration),
	}, <-done)
	require.NotNil(t, loc)
	assert.Equal(t, Range{Start: 4, End: 5}, *loc.Span)
	assert.Equal(t, 4, sem.Cursor())
}

func TestSwitchDeclarationDefinition_OutsideFunction(t *testing.T) {
	sem, conn := newSemantic(t, "int x;\n")
	loc, err := sem.SwitchDeclarationDefinition(context.Background())
	require.NoError(t, err)
	assert.Nil(t, loc)
	conn.assertIdle(t)
}

func TestReferences(t *testing.T) {
	src := "int a() {}\nint b() { return a(); }"
	sem, conn := newSemantic(t, src)

	done := conn.serve(t, "["+location(sem.URI(), 0, 4, 0, 5)+","+location(sem.URI(), 1, 17, 1, 18)+"]")
	locs, err := sem.References(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, []string{string(protocol.MethodTextDocumentReferences)}, <-done)
	require.Len(t, locs, 2)
	assert.Equal(t, Range{Start: 28, End: 29}, *locs[1].Span)
}

func TestDocumentSymbols(t *testing.T) {
	src := "struct p {\n  int x;\n};\nint main() {}\n"
	sem, conn := newSemantic(t, src)

	reply := `[
	  {"name":"main","kind":12,
	   "range":{"start":{"line":3,"character":0},"end":{"line":3,"character":13}},
	   "selectionRange":{"start":{"line":3,"character":4},"end":{"line":3,"character":8}}},
	  {"name":"p","kind":23,
	   "range":{"start":{"line":0,"character":0},"end":{"line":2,"character":1}},
	   "selectionRange":{"start":{"line":0,"character":7},"end":{"line":0,"character":8}},
	   "children":[{"name":"x","kind":8,
	     "range":{"start":{"line":1,"character":2},"end":{"line":1,"character":8}},
	     "selectionRange":{"start":{"line":1,"character":6},"end":{"line":1,"character":7}}}]}]`
	done := conn.serve(t, reply)
	syms, err := sem.DocumentSymbols(context.Background())
	require.NoError(t, err)
	<-done

	assert.Equal(t, []string{"p", "x", "main"}, symbolNames(syms))
	assert.Equal(t, symbol.KindStruct, syms[0].Kind)
	assert.Equal(t, symbol.KindField, syms[1].Kind)
	assert.Equal(t, 0, syms[1].Parent)
	assert.Equal(t, symbol.KindFunction, syms[2].Kind)
	assert.Equal(t, -1, syms[2].Parent)
	assert.Equal(t, int64(0), syms[2].Revision)
}

// =============================================================================
// Rename
// =============================================================================

func TestRename(t *testing.T) {
	src := "int a() {}\nint b() { return a(); }"
	sem, conn := newSemantic(t, src)

	reply := `{"changes":{
	  "` + sem.URI() + `":[
	    {"range":{"start":{"line":0,"character":4},"end":{"line":0,"character":5}},"newText":"alpha"},
	    {"range":{"start":{"line":1,"character":17},"end":{"line":1,"character":18}},"newText":"alpha"}],
	  "file:///other.c":[
	    {"range":{"start":{"line":0,"character":0},"end":{"line":0,"character":1}},"newText":"alpha"}]}}`
	done := conn.serve(t, reply)
	n, err := sem.Rename(context.Background(), 4, "alpha")
	require.NoError(t, err)
	assert.Equal(t, []string{string(protocol.MethodTextDocumentRename)}, <-done)

	assert.Equal(t, 2, n)
	assert.Equal(t, "int alpha() {}\nint b() { return alpha(); }", sem.Text())
	assert.Equal(t, int64(2), sem.Revision())

	s, err := sem.FindSymbol("alpha", FindWholeWords)
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestRename_OverlappingEdits(t *testing.T) {
	sem, conn := newSemantic(t, twoFunctions)

	reply := `{"changes":{"` + sem.URI() + `":[
	  {"range":{"start":{"line":0,"character":0},"end":{"line":0,"character":5}},"newText":"x"},
	  {"range":{"start":{"line":0,"character":4},"end":{"line":0,"character":6}},"newText":"y"}]}}`
	done := conn.serve(t, reply)
	_, err := sem.Rename(context.Background(), 4, "x")
	<-done
	assert.ErrorIs(t, err, ErrAnalysisUnavailable)
	assert.Equal(t, twoFunctions, sem.Text())
	assert.Equal(t, int64(0), sem.Revision())
}

// =============================================================================
// Position encodings
// =============================================================================

func TestPositionEncoding(t *testing.T) {
	// The emoji is four bytes, two UTF-16 units, and one code point.
	src := "int a() {}\n/* \U0001F44D */ int b() {}"
	tests := []struct {
		name string
		enc  Encoding
		char int
	}{
		{"utf-16", UTF16, 13},
		{"utf-8", UTF8, 15},
		{"utf-32", UTF32, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sem, conn := newSemantic(t, src, WithPositionEncoding(tt.enc))
			assert.Equal(t, tt.enc, sem.Encoding())

			b, err := sem.FindSymbol("b", FindWholeWords)
			require.NoError(t, err)
			require.NotNil(t, b)

			f := sem.DefinitionAsync(context.Background(), b.SelectionRange.Start)
			call := conn.next(t)
			params, ok := call.params.(protocol.TextDocumentPositionParams)
			require.True(t, ok)
			assert.Equal(t, protocol.Position{Line: 1, Character: protocol.UInteger(tt.char)}, params.Position)

			call.respond("[" + location(sem.URI(), 1, tt.char, 1, tt.char+1) + "]")
			locs, err := f.Wait(context.Background())
			require.NoError(t, err)
			require.Len(t, locs, 1)
			assert.Equal(t, b.SelectionRange, *locs[0].Span)
		})
	}
}
