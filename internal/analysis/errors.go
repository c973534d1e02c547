package analysis

import (
	"errors"
	"fmt"
)

// Sentinel errors for analysis operations.
var (
	// ErrAnalysisUnavailable wraps every outcome other than a fresh answer:
	// no connection, a crashed or slow server, a cancelled request, or an
	// answer for a revision that has since been edited.
	ErrAnalysisUnavailable = errors.New("analysis unavailable")

	// ErrRequestTimeout indicates the server did not answer in time.
	ErrRequestTimeout = errors.New("analysis request timeout")

	// ErrServerCrashed indicates the server process terminated unexpectedly.
	ErrServerCrashed = errors.New("analysis server crashed")

	// ErrServerNotInstalled indicates the server binary was not found.
	ErrServerNotInstalled = errors.New("analysis server not installed")

	// ErrServerAlreadyStarted indicates Start was called twice.
	ErrServerAlreadyStarted = errors.New("analysis server already started")

	// ErrInitializeFailed indicates the initialize handshake failed.
	ErrInitializeFailed = errors.New("analysis server initialize failed")

	// ErrInvalidResponse indicates a response could not be decoded.
	ErrInvalidResponse = errors.New("invalid analysis response")

	// ErrClosed indicates the bridge or server has been closed.
	ErrClosed = errors.New("analysis closed")
)

// LSPError is an error returned by the server over JSON-RPC.
//
// Codes follow JSON-RPC plus the LSP additions:
//   - -32700: Parse error
//   - -32601: Method not found
//   - -32602: Invalid params
//   - -32603: Internal error
//   - -32802: Server not initialized
//   - -32800: Request cancelled
//   - -32801: Content modified
type LSPError struct {
	Code    int64
	Message string
}

func (e *LSPError) Error() string {
	return fmt.Sprintf("LSP error %d: %s", e.Code, e.Message)
}

// IsMethodNotFound reports whether the server does not support the method.
func (e *LSPError) IsMethodNotFound() bool { return e.Code == -32601 }

// IsRequestCancelled reports whether the server cancelled the request.
func (e *LSPError) IsRequestCancelled() bool { return e.Code == -32800 }

// IsContentModified reports whether the server discarded the request
// because the document changed underneath it.
func (e *LSPError) IsContentModified() bool { return e.Code == -32801 }
