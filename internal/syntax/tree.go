package syntax

import (
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/sapling/internal/text"
)

// Tree is an immutable parse of one buffer revision. The source bytes it
// was parsed from are retained so node text can be read without consulting
// the buffer, which may have moved on.
type Tree struct {
	raw      *sitter.Tree
	src      []byte
	revision int64
	grammar  *sitter.Language
}

// Root returns the root node, or nil if the tree has been closed.
func (t *Tree) Root() *sitter.Node {
	if t.raw == nil {
		return nil
	}
	return t.raw.RootNode()
}

// Revision returns the buffer revision the tree was parsed from.
func (t *Tree) Revision() int64 { return t.revision }

// Source returns the bytes the tree was parsed from.
func (t *Tree) Source() []byte { return t.src }

// Grammar returns the grammar the tree was parsed with.
func (t *Tree) Grammar() *sitter.Language { return t.grammar }

// String returns the S-expression of the whole tree.
func (t *Tree) String() string {
	root := t.Root()
	if root == nil {
		return ""
	}
	return root.String()
}

// HasError reports whether the parse contains syntax errors.
func (t *Tree) HasError() bool {
	root := t.Root()
	return root != nil && root.HasError()
}

// Close releases the tree. Closing twice is harmless.
func (t *Tree) Close() {
	if t.raw != nil {
		t.raw.Close()
		t.raw = nil
	}
}

// NodeRange returns the byte range of n.
func NodeRange(n *sitter.Node) text.Range {
	return text.Range{Start: int(n.StartByte()), End: int(n.EndByte())}
}

// Text returns the source text of n, or "" when n lies outside the
// tree's source.
func (t *Tree) Text(n *sitter.Node) string {
	if int(n.EndByte()) > len(t.src) || n.StartByte() > n.EndByte() {
		return ""
	}
	return n.Content(t.src)
}

// NodeCovering returns the deepest named node that fully contains r. When
// several children contain r the tightest wins, and on an exact tie the
// earlier one. The root is treated as spanning the whole source, so any
// valid range is covered by at least the root. Returns nil when r lies
// outside the source.
func (t *Tree) NodeCovering(r text.Range) *sitter.Node {
	root := t.Root()
	if root == nil || r.Start < 0 || r.Start > r.End || r.End > len(t.src) {
		return nil
	}
	node := root
	for {
		var best *sitter.Node
		n := int(node.NamedChildCount())
		for i := 0; i < n; i++ {
			child := node.NamedChild(i)
			cr := NodeRange(child)
			if !containsRange(cr, r) {
				continue
			}
			if best == nil || cr.Len() < NodeRange(best).Len() {
				best = child
			}
		}
		if best == nil {
			return node
		}
		node = best
	}
}

// containsRange is Range.Contains, except that an empty range sitting on
// either boundary of n counts as inside.
func containsRange(n, r text.Range) bool {
	if r.IsEmpty() {
		return n.ContainsOffset(r.Start)
	}
	return n.Contains(r)
}

// NodesInRange returns the nodes whose span intersects r, in document
// order. If the covering node matches r exactly it is returned alone;
// otherwise its named children that intersect r are returned, falling back
// to the covering node when none do.
func (t *Tree) NodesInRange(r text.Range) []*sitter.Node {
	covering := t.NodeCovering(r)
	if covering == nil {
		return nil
	}
	if NodeRange(covering) == r {
		return []*sitter.Node{covering}
	}
	var nodes []*sitter.Node
	n := int(covering.NamedChildCount())
	for i := 0; i < n; i++ {
		child := covering.NamedChild(i)
		if NodeRange(child).Intersects(r) {
			nodes = append(nodes, child)
		}
	}
	if len(nodes) == 0 {
		return []*sitter.Node{covering}
	}
	return nodes
}
