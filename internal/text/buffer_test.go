package text

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Position ↔ offset
// =============================================================================

func TestPositionOffsetRoundTrip(t *testing.T) {
	t.Parallel()
	for _, content := range []string{
		"",
		"a",
		"int a() {}\nint b() {}",
		"\n\n\n",
		"trailing\n",
		"héllo\nwörld\n漢字\n",
	} {
		b := New(content)
		for o := 0; o <= b.Len(); o++ {
			if !b.isBoundary(o) {
				continue
			}
			pos, err := b.Position(o)
			require.NoError(t, err)
			back, err := b.Offset(pos)
			require.NoError(t, err)
			assert.Equal(t, o, back, "content %q offset %d", content, o)
		}
	}
}

func TestPositionOutOfRange(t *testing.T) {
	t.Parallel()
	b := New("ab\ncd")

	_, err := b.Position(-1)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = b.Position(6)
	assert.ErrorIs(t, err, ErrOutOfRange)

	tests := []struct {
		name string
		pos  Position
	}{
		{"negative line", Position{Line: -1}},
		{"line past end", Position{Line: 2}},
		{"negative column", Position{Line: 0, Column: -1}},
		{"column past line end", Position{Line: 0, Column: 3}},
		{"column past last line", Position{Line: 1, Column: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Offset(tt.pos)
			assert.ErrorIs(t, err, ErrOutOfRange)
		})
	}
}

func TestOffsetSplitsCharacter(t *testing.T) {
	t.Parallel()
	b := New("x\nhé!")

	_, err := b.Offset(Position{Line: 1, Column: 2})
	assert.ErrorIs(t, err, ErrOutOfRange)

	off, err := b.Offset(Position{Line: 1, Column: 3})
	require.NoError(t, err)
	assert.Equal(t, 5, off)
	_, err = b.Replace(Range{Start: off, End: off}, "?")
	assert.NoError(t, err)
}

func TestPositionLines(t *testing.T) {
	t.Parallel()
	b := New("int a() {}\nint b() {}")
	assert.Equal(t, 2, b.LineCount())

	pos, err := b.Position(11)
	require.NoError(t, err)
	assert.Equal(t, Position{Line: 1, Column: 0}, pos)

	pos, err = b.Position(10)
	require.NoError(t, err)
	assert.Equal(t, Position{Line: 0, Column: 10}, pos)

	line, err := b.Line(1)
	require.NoError(t, err)
	assert.Equal(t, "int b() {}", line)
}

// =============================================================================
// Replace
// =============================================================================

func TestReplaceBumpsRevision(t *testing.T) {
	t.Parallel()
	b := New("int a() {}\nint b() {}")
	assert.Equal(t, int64(0), b.Revision())

	d, err := b.Insert(0, "//")
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Revision())
	assert.Equal(t, "//int a() {}\nint b() {}", b.Text())
	assert.Equal(t, EditDelta{
		Start:          0,
		Removed:        0,
		Added:          2,
		StartPosition:  Position{0, 0},
		OldEndPosition: Position{0, 0},
		NewEndPosition: Position{0, 2},
		Revision:       1,
	}, d)

	// A no-op replace is still a mutation.
	_, err = b.Replace(Range{Start: 3, End: 3}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.Revision())
}

func TestReplaceRejectsInvalidRange(t *testing.T) {
	t.Parallel()
	b := New("h\u00e9llo")

	for _, r := range []Range{
		{Start: -1, End: 0},
		{Start: 0, End: 7},
		{Start: 3, End: 2},
		{Start: 2, End: 2}, // inside é
		{Start: 0, End: 2},
	} {
		_, err := b.Replace(r, "x")
		assert.ErrorIs(t, err, ErrOutOfRange, "range %s", r)
	}
	assert.Equal(t, int64(0), b.Revision())
	assert.Equal(t, "h\u00e9llo", b.Text())
}

func TestReplaceMultiline(t *testing.T) {
	t.Parallel()
	b := New("one\ntwo\nthree\nfour")

	d, err := b.Replace(Range{Start: 2, End: 10}, "X\nY")
	require.NoError(t, err)
	assert.Equal(t, "onX\nYree\nfour", b.Text())
	assert.Equal(t, Position{0, 2}, d.StartPosition)
	assert.Equal(t, Position{2, 2}, d.OldEndPosition)
	assert.Equal(t, Position{1, 1}, d.NewEndPosition)
	assert.Equal(t, 3, b.LineCount())

	line, err := b.Line(2)
	require.NoError(t, err)
	assert.Equal(t, "four", line)
}

func TestReplaceLineIndexMatchesFreshScan(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	inserts := []string{"", "x", "\n", "a\nb", "\n\n", "héllo\n"}
	b := New("alpha\nbeta\ngamma\n")

	for i := 0; i < 500; i++ {
		start := rng.Intn(b.Len() + 1)
		end := start + rng.Intn(b.Len()-start+1)
		_, err := b.Replace(Range{Start: start, End: end}, inserts[rng.Intn(len(inserts))])
		if err != nil {
			// Landed inside a multi-byte character.
			require.ErrorIs(t, err, ErrOutOfRange)
			continue
		}
		fresh := New(b.Text())
		require.Equal(t, fresh.lines, b.lines, "after edit %d", i)
	}
}

func TestMove(t *testing.T) {
	t.Parallel()

	b := New("abc def ghi")
	deltas, err := b.Move(Range{Start: 0, End: 4}, 8)
	require.NoError(t, err)
	assert.Len(t, deltas, 2)
	assert.Equal(t, "def abc ghi", b.Text())
	assert.Equal(t, int64(2), b.Revision())

	b = New("abc def ghi")
	_, err = b.Move(Range{Start: 8, End: 11}, 0)
	require.NoError(t, err)
	assert.Equal(t, "ghiabc def ", b.Text())
}

func TestWordAt(t *testing.T) {
	t.Parallel()
	b := New("int foo_bar(x);")

	r, err := b.WordAt(6)
	require.NoError(t, err)
	assert.Equal(t, Range{Start: 4, End: 11}, r)

	r, err = b.WordAt(11)
	require.NoError(t, err)
	assert.Equal(t, Range{Start: 4, End: 11}, r)

	r, err = b.WordAt(14)
	require.NoError(t, err)
	assert.True(t, r.IsEmpty())
}

// =============================================================================
// Protocol encodings
// =============================================================================

func TestProtocolPositionEncodings(t *testing.T) {
	t.Parallel()
	// a, thumbs up with skin tone (two astral code points), e + combining
	// acute, CJK, b.
	line := "a\U0001F44D\U0001F3FDe\u0301\u6f22b"
	b := New("first\n" + line)
	bOffset := 6 + len(line) - 1

	tests := []struct {
		enc  Encoding
		want int
	}{
		{UTF8, len(line) - 1},
		{UTF16, 1 + 4 + 2 + 1},
		{UTF32, 1 + 2 + 2 + 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.enc), func(t *testing.T) {
			pos, err := b.ProtocolPosition(bOffset, tt.enc)
			require.NoError(t, err)
			assert.Equal(t, Position{Line: 1, Column: tt.want}, pos)

			off, err := b.ProtocolOffset(pos, tt.enc)
			require.NoError(t, err)
			assert.Equal(t, bOffset, off)
		})
	}
}

func TestProtocolOffsetSplitsCharacter(t *testing.T) {
	t.Parallel()
	b := New("a👍b")

	// Column 2 in UTF-16 is between the surrogates of the emoji.
	_, err := b.ProtocolOffset(Position{Line: 0, Column: 2}, UTF16)
	assert.ErrorIs(t, err, ErrOutOfRange)

	off, err := b.ProtocolOffset(Position{Line: 0, Column: 3}, UTF16)
	require.NoError(t, err)
	assert.Equal(t, 5, off)

	_, err = b.ProtocolOffset(Position{Line: 0, Column: 5}, UTF16)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = b.ProtocolPosition(2, UTF16)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestProtocolRoundTripAllBoundaries(t *testing.T) {
	t.Parallel()
	b := New("漢字 é\n👍🏽 x\n")
	for _, enc := range []Encoding{UTF8, UTF16, UTF32} {
		for o := 0; o <= b.Len(); o++ {
			if !b.isBoundary(o) {
				continue
			}
			pos, err := b.ProtocolPosition(o, enc)
			require.NoError(t, err)
			back, err := b.ProtocolOffset(pos, enc)
			require.NoError(t, err)
			assert.Equal(t, o, back, "%s offset %d", enc, o)
		}
	}
}

func TestParseEncoding(t *testing.T) {
	t.Parallel()
	enc, err := ParseEncoding("UTF-8")
	require.NoError(t, err)
	assert.Equal(t, UTF8, enc)

	enc, err = ParseEncoding("")
	require.NoError(t, err)
	assert.Equal(t, UTF16, enc)

	_, err = ParseEncoding("latin1")
	assert.Error(t, err)
}

// =============================================================================
// Files
// =============================================================================

func TestLoadSaveCRLFAndBOM(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "win.c")
	raw := append([]byte{0xEF, 0xBB, 0xBF}, []byte("int a;\r\nint b;\r\n")...)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	b, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "int a;\nint b;\n", b.Text())
	assert.Equal(t, CRLF, b.LineEnding())
	assert.True(t, b.HasBOM())

	_, err = b.Insert(b.Len(), "int c;\n")
	require.NoError(t, err)

	out := filepath.Join(dir, "out.c")
	require.NoError(t, b.Save(out))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0xEF, 0xBB, 0xBF}, []byte("int a;\r\nint b;\r\nint c;\r\n")...), got)
}

func TestDecodeLF(t *testing.T) {
	t.Parallel()
	b := Decode([]byte("x\ny\n"))
	assert.Equal(t, LF, b.LineEnding())
	assert.False(t, b.HasBOM())
	assert.Equal(t, []byte("x\ny\n"), b.Encode())
}
