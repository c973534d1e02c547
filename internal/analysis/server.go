package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/sourcegraph/jsonrpc2"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/jward/sapling/internal/text"
)

// Conn carries analysis traffic. *Server implements it over a language
// server's stdio; tests substitute an in-memory fake.
type Conn interface {
	Call(ctx context.Context, method string, params, result any) error
	Notify(ctx context.Context, method string, params any) error
}

// ServerState is the lifecycle state of a language server process.
type ServerState int

const (
	ServerStateUninitialized ServerState = iota
	ServerStateStarting
	ServerStateReady
	ServerStateStopping
	ServerStateStopped
)

func (s ServerState) String() string {
	names := []string{"uninitialized", "starting", "ready", "stopping", "stopped"}
	if int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// ServerConfig describes how to launch a language server.
type ServerConfig struct {
	Language              string
	Command               string
	Args                  []string
	RootPath              string
	InitializationOptions any
	// PositionEncodings lists the encodings offered during initialize, most
	// preferred first. Empty offers utf-16 only.
	PositionEncodings []text.Encoding
}

// Server is a running language server process speaking JSON-RPC over stdio.
type Server struct {
	config ServerConfig
	logger hclog.Logger

	cmd    *exec.Cmd
	rpc    *jsonrpc2.Conn
	exited chan struct{}
	// grace is how long Shutdown waits for the process to exit on its own.
	grace time.Duration

	encoding     text.Encoding
	capabilities serverCapabilities

	mu           sync.RWMutex
	state        ServerState
	shutdownOnce sync.Once
}

// StartServer launches the configured server and completes the initialize
// handshake. The process outlives ctx; stop it with Shutdown.
func StartServer(ctx context.Context, cfg ServerConfig, logger hclog.Logger) (*Server, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Server{
		config: cfg,
		logger: logger.Named("server").With("language", cfg.Language),
		exited: make(chan struct{}),
		grace:  5 * time.Second,
		state:  ServerStateStarting,
	}

	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		s.setState(ServerStateStopped)
		recordServerStart(ctx, cfg.Language, false)
		return nil, fmt.Errorf("%w: %s", ErrServerNotInstalled, cfg.Command)
	}
	s.logger.Debug("starting language server", "command", path, "root", cfg.RootPath)

	s.cmd = exec.Command(path, cfg.Args...)
	s.cmd.Dir = cfg.RootPath
	s.cmd.Stderr = s.logger.StandardWriter(&hclog.StandardLoggerOptions{InferLevels: true})

	stdin, err := s.cmd.StdinPipe()
	if err != nil {
		s.setState(ServerStateStopped)
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		s.setState(ServerStateStopped)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := s.cmd.Start(); err != nil {
		s.setState(ServerStateStopped)
		recordServerStart(ctx, cfg.Language, false)
		return nil, fmt.Errorf("start process: %w", err)
	}
	go s.wait()

	stream := jsonrpc2.NewBufferedStream(stdio{ReadCloser: stdout, WriteCloser: stdin}, jsonrpc2.VSCodeObjectCodec{})
	s.rpc = jsonrpc2.NewConn(context.Background(), stream, jsonrpc2.HandlerWithError(s.handle))

	if err := s.initialize(ctx); err != nil {
		_ = s.Shutdown(context.Background())
		recordServerStart(ctx, cfg.Language, false)
		return nil, fmt.Errorf("%w: %w", ErrInitializeFailed, err)
	}
	s.setState(ServerStateReady)
	recordServerStart(ctx, cfg.Language, true)

	s.logger.Info("language server ready",
		"encoding", s.encoding,
		"definition", s.capabilities.Definition.enabled(),
		"references", s.capabilities.References.enabled(),
		"hover", s.capabilities.Hover.enabled(),
		"rename", s.capabilities.Rename.enabled(),
	)
	return s, nil
}

type stdio struct {
	io.ReadCloser
	io.WriteCloser
}

func (c stdio) Close() error {
	return errors.Join(c.WriteCloser.Close(), c.ReadCloser.Close())
}

func (s *Server) wait() {
	err := s.cmd.Wait()
	if s.State() == ServerStateReady {
		s.logger.Warn("language server exited", "error", err)
	}
	s.setState(ServerStateStopped)
	close(s.exited)
}

// --- initialize ---

type initializeParams struct {
	ProcessID             int                `json:"processId"`
	RootURI               string             `json:"rootUri,omitempty"`
	ClientInfo            clientInfo         `json:"clientInfo"`
	Capabilities          clientCapabilities `json:"capabilities"`
	InitializationOptions any                `json:"initializationOptions,omitempty"`
	WorkspaceFolders      []workspaceFolder  `json:"workspaceFolders,omitempty"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type workspaceFolder struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

type clientCapabilities struct {
	General      generalCapabilities      `json:"general"`
	TextDocument textDocumentCapabilities `json:"textDocument"`
	// OffsetEncoding is the clangd extension predating positionEncodings.
	OffsetEncoding []string `json:"offsetEncoding,omitempty"`
}

type generalCapabilities struct {
	PositionEncodings []string `json:"positionEncodings,omitempty"`
}

type linkCapability struct {
	LinkSupport bool `json:"linkSupport"`
}

type textDocumentCapabilities struct {
	Synchronization struct {
		DidSave bool `json:"didSave"`
	} `json:"synchronization"`
	Hover struct {
		ContentFormat []string `json:"contentFormat"`
	} `json:"hover"`
	Definition     linkCapability `json:"definition"`
	Declaration    linkCapability `json:"declaration"`
	References     struct{}       `json:"references"`
	DocumentSymbol struct {
		HierarchicalDocumentSymbolSupport bool `json:"hierarchicalDocumentSymbolSupport"`
	} `json:"documentSymbol"`
	Rename struct {
		PrepareSupport bool `json:"prepareSupport"`
	} `json:"rename"`
}

// provider is a capability that servers advertise as a bool or an options
// object.
type provider json.RawMessage

func (p *provider) UnmarshalJSON(b []byte) error {
	*p = append((*p)[:0], b...)
	return nil
}

func (p provider) enabled() bool {
	return !isNull(json.RawMessage(p)) && string(p) != "false"
}

type serverCapabilities struct {
	PositionEncoding string   `json:"positionEncoding,omitempty"`
	Definition       provider `json:"definitionProvider,omitempty"`
	Declaration      provider `json:"declarationProvider,omitempty"`
	References       provider `json:"referencesProvider,omitempty"`
	Hover            provider `json:"hoverProvider,omitempty"`
	DocumentSymbol   provider `json:"documentSymbolProvider,omitempty"`
	Rename           provider `json:"renameProvider,omitempty"`
}

type initializeResult struct {
	Capabilities   serverCapabilities `json:"capabilities"`
	OffsetEncoding string             `json:"offsetEncoding,omitempty"`
	ServerInfo     *clientInfo        `json:"serverInfo,omitempty"`
}

func (s *Server) initialize(ctx context.Context) error {
	offered := s.config.PositionEncodings
	if len(offered) == 0 {
		offered = []text.Encoding{text.UTF16}
	}
	names := make([]string, len(offered))
	for i, e := range offered {
		names[i] = string(e)
	}

	params := initializeParams{
		ProcessID:             os.Getpid(),
		ClientInfo:            clientInfo{Name: "sapling"},
		InitializationOptions: s.config.InitializationOptions,
		Capabilities: clientCapabilities{
			General:        generalCapabilities{PositionEncodings: names},
			OffsetEncoding: names,
		},
	}
	params.Capabilities.TextDocument.Hover.ContentFormat = []string{"markdown", "plaintext"}
	params.Capabilities.TextDocument.Definition.LinkSupport = true
	params.Capabilities.TextDocument.Declaration.LinkSupport = true
	params.Capabilities.TextDocument.DocumentSymbol.HierarchicalDocumentSymbolSupport = true
	if s.config.RootPath != "" {
		root := PathToURI(s.config.RootPath)
		params.RootURI = root
		params.WorkspaceFolders = []workspaceFolder{{URI: root, Name: "workspace"}}
	}

	var result initializeResult
	if err := s.rpc.Call(ctx, string(protocol.MethodInitialize), params, &result); err != nil {
		return fmt.Errorf("initialize request: %w", s.mapError(err))
	}
	s.capabilities = result.Capabilities

	negotiated := result.Capabilities.PositionEncoding
	if negotiated == "" {
		negotiated = result.OffsetEncoding
	}
	enc, err := text.ParseEncoding(negotiated)
	if err != nil {
		s.logger.Warn("server chose unknown position encoding, assuming utf-16", "encoding", negotiated)
		enc = text.UTF16
	}
	s.encoding = enc

	if err := s.rpc.Notify(ctx, string(protocol.MethodInitialized), struct{}{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// handle answers server-to-client traffic. Only what servers commonly
// block on is acknowledged.
func (s *Server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case "window/logMessage", "window/showMessage":
		var msg struct {
			Type    int    `json:"type"`
			Message string `json:"message"`
		}
		if req.Params != nil && json.Unmarshal(*req.Params, &msg) == nil {
			s.logger.Debug("server message", "type", msg.Type, "message", msg.Message)
		}
		return nil, nil
	case "textDocument/publishDiagnostics", "$/progress", "telemetry/event":
		return nil, nil
	case "window/workDoneProgress/create", "client/registerCapability", "client/unregisterCapability":
		return nil, nil
	case "workspace/configuration":
		var p struct {
			Items []json.RawMessage `json:"items"`
		}
		if req.Params != nil {
			_ = json.Unmarshal(*req.Params, &p)
		}
		return make([]any, len(p.Items)), nil
	}
	if req.Notif {
		s.logger.Trace("ignoring notification", "method", req.Method)
		return nil, nil
	}
	return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not supported: " + req.Method}
}

// mapError converts transport errors into this package's sentinels.
func (s *Server) mapError(err error) error {
	var rpcErr *jsonrpc2.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &rpcErr):
		return &LSPError{Code: rpcErr.Code, Message: rpcErr.Message}
	case errors.Is(err, jsonrpc2.ErrClosed), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.EPIPE), errors.Is(err, os.ErrClosed):
		return fmt.Errorf("%w: %w", ErrServerCrashed, err)
	}
	return err
}

// Call sends a request and decodes its result.
func (s *Server) Call(ctx context.Context, method string, params, result any) error {
	if st := s.State(); st != ServerStateReady {
		return fmt.Errorf("%w: server is %s", ErrServerCrashed, st)
	}
	return s.mapError(s.rpc.Call(ctx, method, params, result))
}

// Notify sends a notification.
func (s *Server) Notify(ctx context.Context, method string, params any) error {
	if st := s.State(); st != ServerStateReady {
		return fmt.Errorf("%w: server is %s", ErrServerCrashed, st)
	}
	return s.mapError(s.rpc.Notify(ctx, method, params))
}

// PositionEncoding returns the encoding negotiated during initialize.
func (s *Server) PositionEncoding() text.Encoding { return s.encoding }

// Supports reports whether the server advertised a provider for kind.
func (s *Server) Supports(kind Kind) bool {
	switch kind {
	case KindDefinition:
		return s.capabilities.Definition.enabled()
	case KindDeclaration:
		return s.capabilities.Declaration.enabled()
	case KindReferences:
		return s.capabilities.References.enabled()
	case KindHover:
		return s.capabilities.Hover.enabled()
	case KindDocumentSymbols:
		return s.capabilities.DocumentSymbol.enabled()
	case KindRename:
		return s.capabilities.Rename.enabled()
	}
	return false
}

// Language returns the configured language.
func (s *Server) Language() string { return s.config.Language }

// State returns the current lifecycle state.
func (s *Server) State() ServerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Server) setState(st ServerState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Shutdown asks the server to exit and kills it if it has not within the
// grace period, five seconds by default. Repeated calls are no-ops.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.setState(ServerStateStopping)
		s.logger.Debug("shutting down language server")

		shutdownCtx, cancel := context.WithTimeout(ctx, s.grace)
		_ = s.rpc.Call(shutdownCtx, string(protocol.MethodShutdown), nil, nil)
		_ = s.rpc.Notify(shutdownCtx, string(protocol.MethodExit), nil)
		cancel()
		_ = s.rpc.Close()

		select {
		case <-s.exited:
		case <-time.After(s.grace):
			s.logger.Warn("language server ignored exit, killing it")
			_ = s.cmd.Process.Kill()
			<-s.exited
		}
		s.setState(ServerStateStopped)
	})
	return nil
}
