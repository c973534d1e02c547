package main

// CLIResult is the top-level JSON envelope for all commands.
type CLIResult struct {
	Command string `json:"command"`
	Results any    `json:"results"`
	// Fallback is set when the language server could not answer and the
	// result was computed from the syntax tree instead.
	Fallback bool   `json:"fallback,omitempty"`
	Revision *int64 `json:"revision,omitempty"`
	Error    string `json:"error,omitempty"`
}

// CLISymbol is a JSON-friendly symbol representation. Lines and columns
// are 1-based; columns count bytes.
type CLISymbol struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Qualified string `json:"qualified"`
	Kind      string `json:"kind"`
	Parent    *int   `json:"parent,omitempty"`
	File      string `json:"file,omitempty"`
	StartLine int    `json:"start_line"`
	StartCol  int    `json:"start_col"`
	EndLine   int    `json:"end_line"`
	EndCol    int    `json:"end_col"`
	StartByte int    `json:"start_byte"`
	EndByte   int    `json:"end_byte"`
}

// CLILocation is a place in a file. File is a path for local files and a
// URI otherwise.
type CLILocation struct {
	File      string `json:"file"`
	StartLine int    `json:"start_line"`
	StartCol  int    `json:"start_col"`
	EndLine   int    `json:"end_line"`
	EndCol    int    `json:"end_col"`
}

// CLINode is a syntax node.
type CLINode struct {
	Type      string `json:"type"`
	Named     bool   `json:"named"`
	StartLine int    `json:"start_line"`
	StartCol  int    `json:"start_col"`
	EndLine   int    `json:"end_line"`
	EndCol    int    `json:"end_col"`
	Text      string `json:"text"`
}

// CLICapture is one named capture of a query match.
type CLICapture struct {
	Name string  `json:"name"`
	Node CLINode `json:"node"`
}

// CLIMatch is one query match.
type CLIMatch struct {
	Pattern  int          `json:"pattern"`
	Captures []CLICapture `json:"captures"`
}

// CLIHover is hover text for a position.
type CLIHover struct {
	Text string `json:"text"`
}

// CLIRename summarizes an applied rename.
type CLIRename struct {
	File    string `json:"file"`
	Edits   int    `json:"edits"`
	Written bool   `json:"written"`
	Text    string `json:"text,omitempty"`
}

// CLIChange is one reload seen by watch.
type CLIChange struct {
	Revision int64 `json:"revision"`
	Start    int   `json:"start"`
	Removed  int   `json:"removed"`
	Added    int   `json:"added"`
	Symbols  int   `json:"symbols"`
}
