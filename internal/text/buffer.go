package text

import (
	"errors"
	"fmt"
	"sort"
	"unicode"
	"unicode/utf8"
)

// ErrOutOfRange reports an offset, line, or column outside the buffer.
var ErrOutOfRange = errors.New("out of range")

// Position is a 0-based line and column. Columns count bytes unless the
// position was produced by ProtocolPosition, in which case they count code
// units of the requested Encoding.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Range is a half-open span of byte offsets [Start, End).
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes covered by r.
func (r Range) Len() int { return r.End - r.Start }

// IsEmpty reports whether r covers no bytes.
func (r Range) IsEmpty() bool { return r.Start == r.End }

// Contains reports whether o lies entirely within r.
func (r Range) Contains(o Range) bool {
	return r.Start <= o.Start && o.End <= r.End
}

// ContainsOffset reports whether offset lies in r. The end offset counts as
// inside so that a cursor placed right after a token still touches it.
func (r Range) ContainsOffset(offset int) bool {
	return r.Start <= offset && offset <= r.End
}

// Intersects reports whether r and o share at least one byte, or whether an
// empty range touches the other.
func (r Range) Intersects(o Range) bool {
	if r.IsEmpty() || o.IsEmpty() {
		return r.Start <= o.End && o.Start <= r.End
	}
	return r.Start < o.End && o.Start < r.End
}

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.End) }

// EditDelta describes a single mutation. The positions are byte-based and
// map directly onto tree-sitter's edit input.
type EditDelta struct {
	Start          int      `json:"start"`
	Removed        int      `json:"removed"`
	Added          int      `json:"added"`
	StartPosition  Position `json:"start_position"`
	OldEndPosition Position `json:"old_end_position"`
	NewEndPosition Position `json:"new_end_position"`
	Revision       int64    `json:"revision"`
}

// OldEnd returns the end offset of the replaced span before the edit.
func (d EditDelta) OldEnd() int { return d.Start + d.Removed }

// NewEnd returns the end offset of the inserted text after the edit.
func (d EditDelta) NewEnd() int { return d.Start + d.Added }

// Buffer holds UTF-8 text, a revision counter, and a line index.
//
// A Buffer is not safe for concurrent use. The byte slice returned by Bytes
// is never modified by the buffer; each Replace allocates new storage, so a
// slice obtained at one revision remains a valid snapshot of that revision.
type Buffer struct {
	content  []byte
	lines    []int // byte offset of the first byte of each line
	revision int64

	lineEnding LineEnding
	bom        bool
}

// New returns a Buffer holding content at revision 0.
func New(content string) *Buffer {
	b := &Buffer{content: []byte(content), lineEnding: LF}
	b.lines = scanLines(b.content, 0, []int{0})
	return b
}

// scanLines appends the start offset of each line following a '\n' in
// src, offsetting by base.
func scanLines(src []byte, base int, lines []int) []int {
	for i, c := range src {
		if c == '\n' {
			lines = append(lines, base+i+1)
		}
	}
	return lines
}

// Revision returns the number of successful mutations applied so far.
func (b *Buffer) Revision() int64 { return b.revision }

// Len returns the content length in bytes.
func (b *Buffer) Len() int { return len(b.content) }

// Text returns the content as a string.
func (b *Buffer) Text() string { return string(b.content) }

// Bytes returns the content. The caller must not modify the slice.
func (b *Buffer) Bytes() []byte { return b.content }

// Slice returns the text covered by r.
func (b *Buffer) Slice(r Range) (string, error) {
	if err := b.checkRange(r); err != nil {
		return "", err
	}
	return string(b.content[r.Start:r.End]), nil
}

// LineCount returns the number of lines. An empty buffer has one line, and
// a trailing newline starts a final empty line.
func (b *Buffer) LineCount() int { return len(b.lines) }

// Line returns the text of line n without its terminating newline.
func (b *Buffer) Line(n int) (string, error) {
	if n < 0 || n >= len(b.lines) {
		return "", fmt.Errorf("line %d: %w", n, ErrOutOfRange)
	}
	return string(b.content[b.lines[n] : b.lines[n]+b.lineLen(n)]), nil
}

// lineLen returns the length of line n in bytes, excluding '\n'.
func (b *Buffer) lineLen(n int) int {
	end := len(b.content)
	if n+1 < len(b.lines) {
		end = b.lines[n+1] - 1
	}
	return end - b.lines[n]
}

// Position converts a byte offset to a line and byte column.
func (b *Buffer) Position(offset int) (Position, error) {
	if offset < 0 || offset > len(b.content) {
		return Position{}, fmt.Errorf("offset %d: %w", offset, ErrOutOfRange)
	}
	line := sort.Search(len(b.lines), func(i int) bool { return b.lines[i] > offset }) - 1
	return Position{Line: line, Column: offset - b.lines[line]}, nil
}

// Offset converts a line and byte column to a byte offset. Columns beyond
// the end of the line or inside a multi-byte character are rejected rather
// than clamped.
func (b *Buffer) Offset(pos Position) (int, error) {
	if pos.Line < 0 || pos.Line >= len(b.lines) {
		return 0, fmt.Errorf("line %d: %w", pos.Line, ErrOutOfRange)
	}
	if pos.Column < 0 || pos.Column > b.lineLen(pos.Line) {
		return 0, fmt.Errorf("line %d column %d: %w", pos.Line, pos.Column, ErrOutOfRange)
	}
	offset := b.lines[pos.Line] + pos.Column
	if !b.isBoundary(offset) {
		return 0, fmt.Errorf("line %d column %d splits a character: %w", pos.Line, pos.Column, ErrOutOfRange)
	}
	return offset, nil
}

// checkRange validates r against the current content, including that
// neither end falls inside a multi-byte UTF-8 sequence.
func (b *Buffer) checkRange(r Range) error {
	if r.Start < 0 || r.End > len(b.content) || r.Start > r.End {
		return fmt.Errorf("range %s: %w", r, ErrOutOfRange)
	}
	if !b.isBoundary(r.Start) || !b.isBoundary(r.End) {
		return fmt.Errorf("range %s splits a character: %w", r, ErrOutOfRange)
	}
	return nil
}

func (b *Buffer) isBoundary(offset int) bool {
	return offset == len(b.content) || utf8.RuneStart(b.content[offset])
}

// Replace substitutes text for the bytes in r. It is the only mutation
// primitive: every successful call increments the revision exactly once,
// including calls that leave the content unchanged.
func (b *Buffer) Replace(r Range, text string) (EditDelta, error) {
	if err := b.checkRange(r); err != nil {
		return EditDelta{}, err
	}
	startPos, _ := b.Position(r.Start)
	oldEndPos, _ := b.Position(r.End)

	content := make([]byte, 0, len(b.content)-r.Len()+len(text))
	content = append(content, b.content[:r.Start]...)
	content = append(content, text...)
	content = append(content, b.content[r.End:]...)

	// Lines up to the edit start are unchanged, lines after the old end
	// shift by the size difference, and the inserted text is rescanned.
	shift := len(text) - r.Len()
	lines := make([]int, 0, len(b.lines)+1)
	lines = append(lines, b.lines[:startPos.Line+1]...)
	lines = scanLines([]byte(text), r.Start, lines)
	for _, off := range b.lines[oldEndPos.Line+1:] {
		lines = append(lines, off+shift)
	}

	b.content = content
	b.lines = lines
	b.revision++

	newEndPos, _ := b.Position(r.Start + len(text))
	return EditDelta{
		Start:          r.Start,
		Removed:        r.Len(),
		Added:          len(text),
		StartPosition:  startPos,
		OldEndPosition: oldEndPos,
		NewEndPosition: newEndPos,
		Revision:       b.revision,
	}, nil
}

// Insert inserts text at offset.
func (b *Buffer) Insert(offset int, text string) (EditDelta, error) {
	return b.Replace(Range{Start: offset, End: offset}, text)
}

// Delete removes the bytes in r.
func (b *Buffer) Delete(r Range) (EditDelta, error) {
	return b.Replace(r, "")
}

// Move relocates the text in r so that it starts at offset to, where to is
// measured before the move. It is expressed as two replaces and therefore
// advances the revision twice.
func (b *Buffer) Move(r Range, to int) ([]EditDelta, error) {
	if err := b.checkRange(r); err != nil {
		return nil, err
	}
	if err := b.checkRange(Range{Start: to, End: to}); err != nil {
		return nil, err
	}
	if to >= r.Start && to <= r.End {
		return nil, nil
	}
	moved := string(b.content[r.Start:r.End])
	if to > r.End {
		ins, err := b.Insert(to, moved)
		if err != nil {
			return nil, err
		}
		del, err := b.Delete(r)
		if err != nil {
			return nil, err
		}
		return []EditDelta{ins, del}, nil
	}
	del, err := b.Delete(r)
	if err != nil {
		return nil, err
	}
	ins, err := b.Insert(to, moved)
	if err != nil {
		return nil, err
	}
	return []EditDelta{del, ins}, nil
}

// WordAt returns the range of identifier characters (letters, digits and
// underscore) around offset. The range is empty when offset touches none.
func (b *Buffer) WordAt(offset int) (Range, error) {
	if offset < 0 || offset > len(b.content) {
		return Range{}, fmt.Errorf("offset %d: %w", offset, ErrOutOfRange)
	}
	start := offset
	for start > 0 {
		r, size := utf8.DecodeLastRune(b.content[:start])
		if !isWordRune(r) {
			break
		}
		start -= size
	}
	end := offset
	for end < len(b.content) {
		r, size := utf8.DecodeRune(b.content[end:])
		if !isWordRune(r) {
			break
		}
		end += size
	}
	return Range{Start: start, End: end}, nil
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
