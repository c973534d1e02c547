package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	protocol "github.com/tliron/glsp/protocol_3_16"
)

// Kind identifies an analysis request type. At most one request of each
// kind is outstanding per bridge.
type Kind string

const (
	KindDefinition      Kind = "definition"
	KindDeclaration     Kind = "declaration"
	KindReferences      Kind = "references"
	KindHover           Kind = "hover"
	KindDocumentSymbols Kind = "documentSymbol"
	KindRename          Kind = "rename"
)

func (k Kind) method() string {
	switch k {
	case KindDefinition:
		return string(protocol.MethodTextDocumentDefinition)
	case KindDeclaration:
		return string(protocol.MethodTextDocumentDeclaration)
	case KindReferences:
		return string(protocol.MethodTextDocumentReferences)
	case KindHover:
		return string(protocol.MethodTextDocumentHover)
	case KindDocumentSymbols:
		return string(protocol.MethodTextDocumentDocumentSymbol)
	case KindRename:
		return string(protocol.MethodTextDocumentRename)
	}
	return ""
}

// PathToURI converts a file path to a file:// URI.
func PathToURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String()
}

// URIToPath converts a file:// URI back to a path.
func URIToPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parsing uri %q: %w", uri, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported uri scheme %q", u.Scheme)
	}
	return filepath.FromSlash(u.Path), nil
}

// --- outgoing params not modelled by glsp as needed ---

// wholeDocumentChange is a full-text content change.
type wholeDocumentChange struct {
	Text string `json:"text"`
}

type referenceParams struct {
	protocol.TextDocumentPositionParams
	Context protocol.ReferenceContext `json:"context"`
}

type renameParams struct {
	protocol.TextDocumentPositionParams
	NewName string `json:"newName"`
}

type documentSymbolParams struct {
	TextDocument protocol.TextDocumentIdentifier `json:"textDocument"`
}

// --- response decoding ---

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// locationOrLink accepts both Location and LocationLink objects.
type locationOrLink struct {
	URI                  string          `json:"uri"`
	Range                *protocol.Range `json:"range"`
	TargetURI            string          `json:"targetUri"`
	TargetRange          *protocol.Range `json:"targetRange"`
	TargetSelectionRange *protocol.Range `json:"targetSelectionRange"`
}

func (l locationOrLink) location() (protocol.Location, bool) {
	if l.TargetURI != "" {
		r := l.TargetSelectionRange
		if r == nil {
			r = l.TargetRange
		}
		if r == nil {
			return protocol.Location{}, false
		}
		return protocol.Location{URI: l.TargetURI, Range: *r}, true
	}
	if l.URI == "" || l.Range == nil {
		return protocol.Location{}, false
	}
	return protocol.Location{URI: l.URI, Range: *l.Range}, true
}

// DecodeLocations decodes a definition, declaration, or references result:
// null, a single Location, or an array of Location or LocationLink.
func DecodeLocations(raw json.RawMessage) ([]protocol.Location, error) {
	if isNull(raw) {
		return nil, nil
	}
	var items []locationOrLink
	if bytes.TrimSpace(raw)[0] == '[' {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: locations: %w", ErrInvalidResponse, err)
		}
	} else {
		var one locationOrLink
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("%w: location: %w", ErrInvalidResponse, err)
		}
		items = []locationOrLink{one}
	}
	out := make([]protocol.Location, 0, len(items))
	for _, it := range items {
		if loc, ok := it.location(); ok {
			out = append(out, loc)
		}
	}
	return out, nil
}

type hoverResult struct {
	Contents json.RawMessage `json:"contents"`
	Range    *protocol.Range `json:"range,omitempty"`
}

// markedValue covers MarkupContent and the object form of MarkedString.
type markedValue struct {
	Kind     string `json:"kind"`
	Language string `json:"language"`
	Value    string `json:"value"`
}

func decodeMarked(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(raw, &parts); err != nil {
			return "", err
		}
		var out []string
		for _, p := range parts {
			s, err := decodeMarked(p)
			if err != nil {
				return "", err
			}
			if s != "" {
				out = append(out, s)
			}
		}
		return strings.Join(out, "\n\n"), nil
	case '{':
		var v markedValue
		if err := json.Unmarshal(raw, &v); err != nil {
			return "", err
		}
		return v.Value, nil
	case 'n':
		return "", nil
	}
	return "", fmt.Errorf("unexpected hover contents %q", raw)
}

// DecodeHover decodes a hover result into its text. A null result yields
// an empty string.
func DecodeHover(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var h hoverResult
	if err := json.Unmarshal(raw, &h); err != nil {
		return "", fmt.Errorf("%w: hover: %w", ErrInvalidResponse, err)
	}
	s, err := decodeMarked(h.Contents)
	if err != nil {
		return "", fmt.Errorf("%w: hover: %w", ErrInvalidResponse, err)
	}
	return strings.TrimSpace(s), nil
}

type symbolOrInformation struct {
	Name           string                `json:"name"`
	Detail         *string               `json:"detail,omitempty"`
	Kind           protocol.SymbolKind   `json:"kind"`
	Range          *protocol.Range       `json:"range,omitempty"`
	SelectionRange *protocol.Range       `json:"selectionRange,omitempty"`
	Children       []symbolOrInformation `json:"children,omitempty"`
	Location       *protocol.Location    `json:"location,omitempty"`
	ContainerName  *string               `json:"containerName,omitempty"`
}

func (s symbolOrInformation) documentSymbol() protocol.DocumentSymbol {
	out := protocol.DocumentSymbol{Name: s.Name, Detail: s.Detail, Kind: s.Kind}
	switch {
	case s.Range != nil:
		out.Range = *s.Range
		out.SelectionRange = out.Range
		if s.SelectionRange != nil {
			out.SelectionRange = *s.SelectionRange
		}
	case s.Location != nil:
		out.Range = s.Location.Range
		out.SelectionRange = s.Location.Range
	}
	for _, c := range s.Children {
		out.Children = append(out.Children, c.documentSymbol())
	}
	return out
}

// DecodeDocumentSymbols decodes a documentSymbol result. Flat
// SymbolInformation lists are returned as childless DocumentSymbols.
func DecodeDocumentSymbols(raw json.RawMessage) ([]protocol.DocumentSymbol, error) {
	if isNull(raw) {
		return nil, nil
	}
	var items []symbolOrInformation
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: document symbols: %w", ErrInvalidResponse, err)
	}
	out := make([]protocol.DocumentSymbol, len(items))
	for i, it := range items {
		out[i] = it.documentSymbol()
	}
	return out, nil
}

type textDocumentEdit struct {
	TextDocument struct {
		URI string `json:"uri"`
	} `json:"textDocument"`
	Edits []protocol.TextEdit `json:"edits"`
	// Kind is set for create/rename/delete file operations, which are ignored.
	Kind string `json:"kind,omitempty"`
}

type workspaceEdit struct {
	Changes         map[string][]protocol.TextEdit `json:"changes,omitempty"`
	DocumentChanges []textDocumentEdit             `json:"documentChanges,omitempty"`
}

// DecodeWorkspaceEdit decodes a rename result and returns the edits that
// apply to uri. Edits for other documents are reported through others.
func DecodeWorkspaceEdit(raw json.RawMessage, uri string) (edits []protocol.TextEdit, others []string, err error) {
	if isNull(raw) {
		return nil, nil, nil
	}
	var we workspaceEdit
	if err := json.Unmarshal(raw, &we); err != nil {
		return nil, nil, fmt.Errorf("%w: workspace edit: %w", ErrInvalidResponse, err)
	}
	seen := make(map[string]bool)
	add := func(target string, list []protocol.TextEdit) {
		if SameDocument(target, uri) {
			edits = append(edits, list...)
			return
		}
		if !seen[target] && len(list) > 0 {
			seen[target] = true
			others = append(others, target)
		}
	}
	if len(we.DocumentChanges) > 0 {
		for _, dc := range we.DocumentChanges {
			if dc.Kind != "" {
				continue
			}
			add(dc.TextDocument.URI, dc.Edits)
		}
	} else {
		for target, list := range we.Changes {
			add(target, list)
		}
	}
	return edits, others, nil
}

// SameDocument reports whether two URIs name the same file.
func SameDocument(a, b string) bool {
	if a == b {
		return true
	}
	pa, errA := URIToPath(a)
	pb, errB := URIToPath(b)
	return errA == nil && errB == nil && filepath.Clean(pa) == filepath.Clean(pb)
}
