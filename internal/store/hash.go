package store

import (
	"crypto/sha256"
	"fmt"
)

// ContentHash identifies a snapshot: the same content indexed with the same
// symbol query always produces the same symbols.
func ContentHash(content []byte, symbolQuery string) string {
	h := sha256.New()
	fmt.Fprintf(h, "query:%d:%s\n", len(symbolQuery), symbolQuery)
	h.Write(content)
	return fmt.Sprintf("%x", h.Sum(nil))
}
