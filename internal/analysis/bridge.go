package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	protocol "github.com/tliron/glsp/protocol_3_16"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jward/sapling/internal/text"
)

// DefaultTimeout bounds how long a request may wait for the server.
const DefaultTimeout = 5 * time.Second

// Source is the document a bridge keeps the server in sync with. The bridge
// reads it only from the owning goroutine.
type Source interface {
	URI() string
	LanguageID() string
	Buffer() *text.Buffer
}

// State is the lifecycle state of a Request. Resolved, Cancelled, Stale,
// and Failed are terminal.
type State int

const (
	StateCreated State = iota
	StateSent
	StateResolved
	StateCancelled
	StateStale
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSent:
		return "sent"
	case StateResolved:
		return "resolved"
	case StateCancelled:
		return "cancelled"
	case StateStale:
		return "stale"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s >= StateResolved }

// Request is one outstanding analysis query, tagged with the revision it
// was issued against.
type Request struct {
	ID       uint64
	Kind     Kind
	Revision int64
	// Offset is the byte offset the request was issued for; -1 for
	// document-wide requests.
	Offset   int
	Position protocol.Position

	bridge  *Bridge
	state   State // guarded by bridge.mu
	arrived bool
	raw     json.RawMessage
	err     error

	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
	span    trace.Span
}

// State returns the current lifecycle state.
func (r *Request) State() State {
	r.bridge.mu.Lock()
	defer r.bridge.mu.Unlock()
	return r.state
}

// Done is closed when a response arrives or the request reaches a terminal
// state.
func (r *Request) Done() <-chan struct{} { return r.done }

func (r *Request) signal() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// Bridge issues analysis requests for one document over a Conn and decides,
// on the owning goroutine, whether each answer still applies. Responses are
// accepted concurrently but never touch the document.
type Bridge struct {
	conn    Conn
	src     Source
	enc     text.Encoding
	timeout time.Duration
	logger  hclog.Logger

	revision atomic.Int64
	nextID   atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*Request
	latest  map[Kind]*Request
	closed  bool

	// owner goroutine only
	opened         bool
	syncedRevision int64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithEncoding overrides the negotiated position encoding.
func WithEncoding(enc text.Encoding) Option {
	return func(b *Bridge) { b.enc = enc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// NewBridge returns a bridge for src over conn. The encoding defaults to
// the one conn negotiated, if it reports one, else utf-16. The bridge does
// not own conn.
func NewBridge(conn Conn, src Source, opts ...Option) *Bridge {
	b := &Bridge{
		conn:    conn,
		src:     src,
		enc:     text.UTF16,
		timeout: DefaultTimeout,
		logger:  hclog.NewNullLogger(),
		pending: make(map[uint64]*Request),
		latest:  make(map[Kind]*Request),
	}
	if n, ok := conn.(interface{ PositionEncoding() text.Encoding }); ok && n.PositionEncoding() != "" {
		b.enc = n.PositionEncoding()
	}
	for _, opt := range opts {
		opt(b)
	}
	b.revision.Store(src.Buffer().Revision())
	return b
}

// Encoding returns the position encoding used on the wire.
func (b *Bridge) Encoding() text.Encoding { return b.enc }

// Pending returns how many requests are awaiting an outcome.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// OnEdit records that the document moved to revision. Every outstanding
// request issued against an older revision becomes Stale and is cancelled.
func (b *Bridge) OnEdit(revision int64) {
	b.revision.Store(revision)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, req := range b.pending {
		if req.Revision != revision {
			b.finishLocked(req, StateStale)
		}
	}
}

// Cancel abandons req. A later response for it is discarded.
func (b *Bridge) Cancel(req *Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !req.state.Terminal() {
		b.finishLocked(req, StateCancelled)
	}
}

// Close cancels every outstanding request and tells the server the document
// is closed. Close does not close the Conn.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, req := range b.pending {
		b.finishLocked(req, StateCancelled)
	}
	b.mu.Unlock()

	if !b.opened {
		return nil
	}
	b.opened = false
	return b.conn.Notify(ctx, string(protocol.MethodTextDocumentDidClose), protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: b.src.URI()},
	})
}

// sync brings the server's copy of the document up to the current revision.
func (b *Bridge) sync(ctx context.Context) error {
	buf := b.src.Buffer()
	rev := buf.Revision()
	if !b.opened {
		err := b.conn.Notify(ctx, string(protocol.MethodTextDocumentDidOpen), protocol.DidOpenTextDocumentParams{
			TextDocument: protocol.TextDocumentItem{
				URI:        b.src.URI(),
				LanguageID: b.src.LanguageID(),
				Version:    protocol.Integer(rev),
				Text:       buf.Text(),
			},
		})
		if err != nil {
			return fmt.Errorf("didOpen: %w", err)
		}
		b.opened = true
		b.syncedRevision = rev
		return nil
	}
	if b.syncedRevision == rev {
		return nil
	}
	err := b.conn.Notify(ctx, string(protocol.MethodTextDocumentDidChange), protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: b.src.URI()},
			Version:                protocol.Integer(rev),
		},
		ContentChanges: []any{wholeDocumentChange{Text: buf.Text()}},
	})
	if err != nil {
		return fmt.Errorf("didChange: %w", err)
	}
	b.syncedRevision = rev
	return nil
}

// Position converts a byte offset at the current revision to a wire
// position.
func (b *Bridge) Position(offset int) (protocol.Position, error) {
	pos, err := b.src.Buffer().ProtocolPosition(offset, b.enc)
	if err != nil {
		return protocol.Position{}, err
	}
	return protocol.Position{Line: protocol.UInteger(pos.Line), Character: protocol.UInteger(pos.Column)}, nil
}

// Span converts a wire range to a byte range at the current revision.
func (b *Bridge) Span(r protocol.Range) (text.Range, error) {
	buf := b.src.Buffer()
	start, err := buf.ProtocolOffset(text.Position{Line: int(r.Start.Line), Column: int(r.Start.Character)}, b.enc)
	if err != nil {
		return text.Range{}, err
	}
	end, err := buf.ProtocolOffset(text.Position{Line: int(r.End.Line), Column: int(r.End.Character)}, b.enc)
	if err != nil {
		return text.Range{}, err
	}
	if end < start {
		return text.Range{}, fmt.Errorf("%w: inverted range", text.ErrOutOfRange)
	}
	return text.Range{Start: start, End: end}, nil
}

func (b *Bridge) positionParams(pos protocol.Position) protocol.TextDocumentPositionParams {
	return protocol.TextDocumentPositionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: b.src.URI()},
		Position:     pos,
	}
}

// Issue sends a position-based request of kind for the byte offset.
// Supported kinds are definition, declaration, references, and hover.
func (b *Bridge) Issue(ctx context.Context, kind Kind, offset int) (*Request, error) {
	pos, err := b.Position(offset)
	if err != nil {
		return nil, err
	}
	var params any
	switch kind {
	case KindDefinition, KindDeclaration, KindHover:
		params = b.positionParams(pos)
	case KindReferences:
		params = referenceParams{
			TextDocumentPositionParams: b.positionParams(pos),
			Context:                    protocol.ReferenceContext{IncludeDeclaration: true},
		}
	default:
		return nil, fmt.Errorf("request kind %q needs dedicated parameters", kind)
	}
	return b.issue(ctx, kind, offset, pos, params)
}

// IssueRename sends a rename request for the symbol at offset.
func (b *Bridge) IssueRename(ctx context.Context, offset int, newName string) (*Request, error) {
	pos, err := b.Position(offset)
	if err != nil {
		return nil, err
	}
	return b.issue(ctx, KindRename, offset, pos, renameParams{
		TextDocumentPositionParams: b.positionParams(pos),
		NewName:                    newName,
	})
}

// IssueDocumentSymbols requests the server's symbol outline.
func (b *Bridge) IssueDocumentSymbols(ctx context.Context) (*Request, error) {
	return b.issue(ctx, KindDocumentSymbols, -1, protocol.Position{}, documentSymbolParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: b.src.URI()},
	})
}

func (b *Bridge) issue(ctx context.Context, kind Kind, offset int, pos protocol.Position, params any) (*Request, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: %w", ErrAnalysisUnavailable, ErrClosed)
	}
	if err := b.sync(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAnalysisUnavailable, err)
	}

	rev := b.src.Buffer().Revision()
	b.revision.Store(rev)
	req := &Request{
		ID:       b.nextID.Add(1),
		Kind:     kind,
		Revision: rev,
		Offset:   offset,
		Position: pos,
		bridge:   b,
		done:     make(chan struct{}),
		started:  time.Now(),
	}
	spanCtx, span := startRequestSpan(ctx, kind, b.src.URI(), rev)
	req.span = span
	// The request outlives the caller's ctx; only the timeout bounds it.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(spanCtx), b.timeout)
	req.cancel = cancel

	b.mu.Lock()
	if prev := b.latest[kind]; prev != nil && !prev.state.Terminal() {
		b.finishLocked(prev, StateCancelled)
	}
	req.state = StateSent
	b.pending[req.ID] = req
	b.latest[kind] = req
	b.mu.Unlock()

	b.logger.Trace("issuing request", "kind", kind, "id", req.ID, "revision", rev)
	go b.send(callCtx, req, kind.method(), params)
	return req, nil
}

func (b *Bridge) send(ctx context.Context, req *Request, method string, params any) {
	var raw json.RawMessage
	err := b.conn.Call(ctx, method, params, &raw)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s", ErrRequestTimeout, b.timeout)
	}
	b.arrive(req, raw, err)
}

// arrive records a response. It never decides the outcome of a fresh
// response; that happens in Wait on the owning goroutine.
func (b *Bridge) arrive(req *Request, raw json.RawMessage, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if req.state != StateSent {
		b.logger.Trace("discarding late response", "kind", req.Kind, "id", req.ID, "state", req.state)
		return
	}
	req.arrived = true
	req.raw = raw
	req.err = err
	if err == nil && req.Revision != b.revision.Load() {
		b.finishLocked(req, StateStale)
		return
	}
	req.signal()
}

// Wait blocks until req has an outcome and returns the raw result if it
// still applies to the document. Every other outcome wraps
// ErrAnalysisUnavailable. Wait must be called on the owning goroutine;
// cancelling ctx cancels req.
func (b *Bridge) Wait(ctx context.Context, req *Request) (json.RawMessage, error) {
	select {
	case <-req.done:
	case <-ctx.Done():
		b.Cancel(req)
		return nil, fmt.Errorf("%w: %s: %w", ErrAnalysisUnavailable, req.Kind, ctx.Err())
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if req.state == StateSent && req.arrived {
		switch {
		case req.err != nil:
			b.finishLocked(req, StateFailed)
		case req.Revision != b.src.Buffer().Revision():
			b.finishLocked(req, StateStale)
		default:
			b.finishLocked(req, StateResolved)
		}
	}

	switch req.state {
	case StateResolved:
		return req.raw, nil
	case StateStale:
		return nil, fmt.Errorf("%w: %s answer for revision %d is stale", ErrAnalysisUnavailable, req.Kind, req.Revision)
	case StateCancelled:
		return nil, fmt.Errorf("%w: %s request cancelled", ErrAnalysisUnavailable, req.Kind)
	default:
		return nil, fmt.Errorf("%w: %s: %w", ErrAnalysisUnavailable, req.Kind, req.err)
	}
}

// finishLocked moves req to a terminal state. b.mu must be held.
func (b *Bridge) finishLocked(req *Request, state State) {
	req.state = state
	req.cancel()
	delete(b.pending, req.ID)
	if b.latest[req.Kind] == req {
		delete(b.latest, req.Kind)
	}
	req.signal()

	elapsed := time.Since(req.started)
	req.span.SetAttributes(attribute.String("analysis.outcome", state.String()))
	if state == StateFailed && req.err != nil {
		req.span.RecordError(req.err)
		req.span.SetStatus(codes.Error, req.err.Error())
	}
	req.span.End()
	recordOutcome(context.Background(), req.Kind, state, elapsed)
	b.logger.Trace("request finished", "kind", req.Kind, "id", req.ID, "outcome", state, "elapsed", elapsed)
}
