package syntax

import (
	"context"
	"errors"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/sapling/internal/text"
)

// ErrUnsupportedLanguage is returned for languages without a registered
// grammar.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Parser produces Trees for one language. A Parser is not safe for
// concurrent use; each document owns its own.
type Parser struct {
	language string
	grammar  *sitter.Language
	parser   *sitter.Parser
}

// NewParser returns a Parser for the named language.
func NewParser(language string) (*Parser, error) {
	grammar, ok := GrammarForLanguage(language)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
	p := sitter.NewParser()
	p.SetLanguage(grammar)
	return &Parser{language: language, grammar: grammar, parser: p}, nil
}

// Language returns the language name the parser was created for.
func (p *Parser) Language() string { return p.language }

// Grammar returns the tree-sitter grammar.
func (p *Parser) Grammar() *sitter.Language { return p.grammar }

// Parse performs a full parse of src and tags the result with revision.
func (p *Parser) Parse(ctx context.Context, src []byte, revision int64) (*Tree, error) {
	raw, err := p.parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return &Tree{raw: raw, src: src, revision: revision, grammar: p.grammar}, nil
}

// Reparse applies deltas, in the order the edits happened, to prev and
// re-parses src reusing every subtree the edits did not touch. src must be
// the content after the last delta. The new Tree carries the revision of
// the last delta.
//
// Reparse consumes prev: it is closed on return and must not be used again,
// even when Reparse fails.
func (p *Parser) Reparse(ctx context.Context, prev *Tree, deltas []text.EditDelta, src []byte) (*Tree, error) {
	if len(deltas) == 0 {
		return prev, nil
	}
	old := prev.raw
	prev.raw = nil
	defer old.Close()

	for _, d := range deltas {
		old.Edit(editInput(d))
	}
	raw, err := p.parser.ParseCtx(ctx, old, src)
	if err != nil {
		return nil, fmt.Errorf("reparse: %w", err)
	}
	return &Tree{
		raw:      raw,
		src:      src,
		revision: deltas[len(deltas)-1].Revision,
		grammar:  p.grammar,
	}, nil
}

// Close releases the underlying parser.
func (p *Parser) Close() {
	p.parser.Close()
}

func editInput(d text.EditDelta) sitter.EditInput {
	return sitter.EditInput{
		StartIndex:  uint32(d.Start),
		OldEndIndex: uint32(d.OldEnd()),
		NewEndIndex: uint32(d.NewEnd()),
		StartPoint:  point(d.StartPosition),
		OldEndPoint: point(d.OldEndPosition),
		NewEndPoint: point(d.NewEndPosition),
	}
}

func point(p text.Position) sitter.Point {
	return sitter.Point{Row: uint32(p.Line), Column: uint32(p.Column)}
}
