package text

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Encoding names the code unit an external protocol counts columns in.
type Encoding string

const (
	UTF8  Encoding = "utf-8"
	UTF16 Encoding = "utf-16"
	UTF32 Encoding = "utf-32"
)

// ParseEncoding accepts the LSP spellings of a position encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(s)) {
	case UTF8:
		return UTF8, nil
	case UTF16, "":
		return UTF16, nil
	case UTF32:
		return UTF32, nil
	}
	return "", fmt.Errorf("unknown position encoding %q", s)
}

// units returns how many code units of e the rune r occupies, given that it
// is encoded in size bytes of UTF-8. Invalid bytes count as one unit each.
func (e Encoding) units(r rune, size int) int {
	switch e {
	case UTF8:
		return size
	case UTF32:
		return 1
	default:
		if r >= 0x10000 && r != utf8.RuneError {
			return 2
		}
		return 1
	}
}

// ProtocolPosition converts a byte offset into a position whose column is
// counted in code units of enc.
func (b *Buffer) ProtocolPosition(offset int, enc Encoding) (Position, error) {
	pos, err := b.Position(offset)
	if err != nil {
		return Position{}, err
	}
	if !b.isBoundary(offset) {
		return Position{}, fmt.Errorf("offset %d splits a character: %w", offset, ErrOutOfRange)
	}
	line := b.content[b.lines[pos.Line]:offset]
	col := 0
	for len(line) > 0 {
		r, size := utf8.DecodeRune(line)
		col += enc.units(r, size)
		line = line[size:]
	}
	return Position{Line: pos.Line, Column: col}, nil
}

// ProtocolOffset converts a position whose column is counted in code units
// of enc into a byte offset. A column that lands inside a character or past
// the end of the line is out of range.
func (b *Buffer) ProtocolOffset(pos Position, enc Encoding) (int, error) {
	if pos.Line < 0 || pos.Line >= len(b.lines) || pos.Column < 0 {
		return 0, fmt.Errorf("protocol position %d:%d: %w", pos.Line, pos.Column, ErrOutOfRange)
	}
	start := b.lines[pos.Line]
	line := b.content[start : start+b.lineLen(pos.Line)]
	col, off := 0, 0
	for col < pos.Column {
		if off >= len(line) {
			return 0, fmt.Errorf("protocol position %d:%d past end of line: %w", pos.Line, pos.Column, ErrOutOfRange)
		}
		r, size := utf8.DecodeRune(line[off:])
		col += enc.units(r, size)
		off += size
	}
	if col != pos.Column {
		return 0, fmt.Errorf("protocol position %d:%d splits a character: %w", pos.Line, pos.Column, ErrOutOfRange)
	}
	return start + off, nil
}
