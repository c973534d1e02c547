package text

import (
	"bytes"
	"fmt"
	"os"
)

// LineEnding is the line terminator a file uses on disk.
type LineEnding int

const (
	LF LineEnding = iota
	CRLF
)

func (l LineEnding) String() string {
	if l == CRLF {
		return "crlf"
	}
	return "lf"
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Load reads path into a new Buffer. A leading UTF-8 byte order mark is
// stripped and "\r\n" is normalised to "\n"; both are restored by Save.
func Load(path string) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return Decode(data), nil
}

// Decode builds a Buffer from raw file bytes, detecting the BOM and the
// line ending from the first line break.
func Decode(data []byte) *Buffer {
	bom := bytes.HasPrefix(data, utf8BOM)
	if bom {
		data = data[len(utf8BOM):]
	}
	ending := LF
	if i := bytes.IndexByte(data, '\n'); i > 0 && data[i-1] == '\r' {
		ending = CRLF
	}
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))

	b := New(string(data))
	b.lineEnding = ending
	b.bom = bom
	return b
}

// Encode returns the content as it would be written to disk.
func (b *Buffer) Encode() []byte {
	var out []byte
	if b.bom {
		out = append(out, utf8BOM...)
	}
	if b.lineEnding == CRLF {
		return append(out, bytes.ReplaceAll(b.content, []byte("\n"), []byte("\r\n"))...)
	}
	return append(out, b.content...)
}

// Save writes the content to path using the buffer's line ending and BOM.
func (b *Buffer) Save(path string) error {
	if err := os.WriteFile(path, b.Encode(), 0o644); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// LineEnding returns the line ending used when saving.
func (b *Buffer) LineEnding() LineEnding { return b.lineEnding }

// SetLineEnding changes the line ending used when saving. The in-memory
// content is unaffected, so the revision does not change.
func (b *Buffer) SetLineEnding(l LineEnding) { b.lineEnding = l }

// HasBOM reports whether the file was loaded with a UTF-8 byte order mark.
func (b *Buffer) HasBOM() bool { return b.bom }
