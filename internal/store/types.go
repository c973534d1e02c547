package store

import (
	"time"

	"github.com/jward/sapling/internal/symbol"
)

// File is one indexed document.
type File struct {
	ID          int64
	Path        string
	Language    string
	Hash        string
	SymbolCount int
	LastIndexed time.Time
}

// Snapshot is the symbol index of a document at a given content hash.
type Snapshot struct {
	Path     string
	Language string
	Hash     string
	Symbols  []symbol.Symbol
}

// NamedSymbol is a stored symbol together with the file it belongs to.
type NamedSymbol struct {
	Path   string
	Symbol symbol.Symbol
}
