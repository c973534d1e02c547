package main

import (
	"fmt"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/sapling"
	"github.com/jward/sapling/internal/analysis"
)

// parseIntArg parses a positional argument as an integer with a clear error.
func parseIntArg(value, name string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: must be a non-negative integer", name, value)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s %q: must be non-negative", name, value)
	}
	return n, nil
}

// parsePosition resolves a "line:col" pair (1-based, columns in bytes) or a
// plain byte offset against doc.
func parsePosition(doc *sapling.CodeDocument, arg string) (int, error) {
	lineStr, colStr, ok := strings.Cut(arg, ":")
	if !ok {
		off, err := parseIntArg(arg, "offset")
		if err != nil {
			return 0, err
		}
		if off > doc.Len() {
			return 0, fmt.Errorf("offset %d: %w", off, sapling.ErrOutOfRange)
		}
		return off, nil
	}
	line, err := parseIntArg(lineStr, "line")
	if err != nil {
		return 0, err
	}
	col, err := parseIntArg(colStr, "column")
	if err != nil {
		return 0, err
	}
	if line == 0 || col == 0 {
		return 0, fmt.Errorf("invalid position %q: lines and columns start at 1", arg)
	}
	return doc.Offset(sapling.Position{Line: line - 1, Column: col - 1})
}

// lineCol converts a byte offset to 1-based line and column.
func lineCol(doc *sapling.CodeDocument, offset int) (int, int) {
	pos, err := doc.Position(offset)
	if err != nil {
		return 0, 0
	}
	return pos.Line + 1, pos.Column + 1
}

// symbolsToCLI converts syms, which must come from doc's current index.
func symbolsToCLI(doc *sapling.CodeDocument, syms []sapling.Symbol) ([]CLISymbol, error) {
	idx, err := doc.SymbolIndex()
	if err != nil {
		return nil, err
	}
	out := make([]CLISymbol, 0, len(syms))
	for _, s := range syms {
		cs := CLISymbol{
			ID:        s.ID,
			Name:      s.Name,
			Qualified: idx.QualifiedName(s),
			Kind:      string(s.Kind),
			File:      doc.Path(),
			StartByte: s.Range.Start,
			EndByte:   s.Range.End,
		}
		if s.Parent >= 0 {
			p := s.Parent
			cs.Parent = &p
		}
		cs.StartLine, cs.StartCol = lineCol(doc, s.Range.Start)
		cs.EndLine, cs.EndCol = lineCol(doc, s.Range.End)
		out = append(out, cs)
	}
	return out, nil
}

// spanLocation is the location of r in doc.
func spanLocation(doc *sapling.CodeDocument, r sapling.Range) CLILocation {
	loc := CLILocation{File: doc.Path()}
	loc.StartLine, loc.StartCol = lineCol(doc, r.Start)
	loc.EndLine, loc.EndCol = lineCol(doc, r.End)
	return loc
}

// locationToCLI converts a server location. Locations in other files keep
// the server's columns, shifted to 1-based.
func locationToCLI(doc *sapling.CodeDocument, l sapling.Location) CLILocation {
	if l.Local() {
		return spanLocation(doc, *l.Span)
	}
	file := l.URI
	if p, err := analysis.URIToPath(l.URI); err == nil {
		file = p
	}
	return CLILocation{
		File:      file,
		StartLine: int(l.Range.Start.Line) + 1,
		StartCol:  int(l.Range.Start.Character) + 1,
		EndLine:   int(l.Range.End.Line) + 1,
		EndCol:    int(l.Range.End.Character) + 1,
	}
}

func locationsToCLI(doc *sapling.CodeDocument, locs []sapling.Location) []CLILocation {
	out := make([]CLILocation, 0, len(locs))
	for _, l := range locs {
		out = append(out, locationToCLI(doc, l))
	}
	return out
}

func nodeToCLI(doc *sapling.CodeDocument, n *sitter.Node) CLINode {
	start, end := n.StartPoint(), n.EndPoint()
	return CLINode{
		Type:      n.Type(),
		Named:     n.IsNamed(),
		StartLine: int(start.Row) + 1,
		StartCol:  int(start.Column) + 1,
		EndLine:   int(end.Row) + 1,
		EndCol:    int(end.Column) + 1,
		Text:      doc.NodeText(n),
	}
}

func matchesToCLI(doc *sapling.CodeDocument, matches []sapling.Match) []CLIMatch {
	out := make([]CLIMatch, 0, len(matches))
	for _, m := range matches {
		cm := CLIMatch{Pattern: m.Pattern, Captures: make([]CLICapture, 0, len(m.Captures))}
		for _, c := range m.Captures {
			cm.Captures = append(cm.Captures, CLICapture{Name: c.Name, Node: nodeToCLI(doc, c.Node)})
		}
		out = append(out, cm)
	}
	return out
}
