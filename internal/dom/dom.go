// ABOUTME: Minimal container tree used by the host to place plugin instances.
// ABOUTME: Every node has at most one parent and reparenting is a single atomic step.

package dom

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrCycle is returned when a node would be appended beneath itself.
	ErrCycle = errors.New("dom: node cannot be appended to its own subtree")

	// ErrForeignNode is returned when nodes from different documents are mixed.
	ErrForeignNode = errors.New("dom: node belongs to a different document")
)

// Document owns a tree of nodes. All tree mutations are serialized by the document lock.
type Document struct {
	mu   sync.RWMutex
	body *Node
}

// Node is an element in a Document.
type Node struct {
	doc      *Document
	id       string
	tag      string
	text     string
	attrs    map[string]string
	parent   *Node
	children []*Node
}

// NewDocument creates a document with an attached body root.
func NewDocument() *Document {
	d := &Document{}
	d.body = d.newNode("body")
	return d
}

// Body returns the root node. It is always available.
func (d *Document) Body() *Node {
	return d.body
}

// CreateElement returns a new detached node.
func (d *Document) CreateElement(tag string) *Node {
	return d.newNode(tag)
}

func (d *Document) newNode(tag string) *Node {
	return &Node{
		doc:   d,
		id:    uuid.NewString(),
		tag:   tag,
		attrs: make(map[string]string),
	}
}

// AppendChild moves child under parent. If child already has a parent it is
// detached and attached in the same critical section, so no reader ever
// observes it with zero or two parents.
func (d *Document) AppendChild(parent, child *Node) error {
	if parent.doc != d || child.doc != d {
		return ErrForeignNode
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for n := parent; n != nil; n = n.parent {
		if n == child {
			return ErrCycle
		}
	}

	if child.parent == parent {
		return nil
	}
	if child.parent != nil {
		child.parent.removeChildLocked(child)
	}
	child.parent = parent
	parent.children = append(parent.children, child)
	return nil
}

// Remove detaches n from its parent. Removing a detached node is a no-op.
func (d *Document) Remove(n *Node) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n.parent != nil {
		n.parent.removeChildLocked(n)
		n.parent = nil
	}
}

func (n *Node) removeChildLocked(child *Node) {
	for i, c := range n.children {
		if c == child {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

// ID returns the node's unique identifier.
func (n *Node) ID() string { return n.id }

// Document returns the document that owns n.
func (n *Node) Document() *Document { return n.doc }

// Tag returns the element tag.
func (n *Node) Tag() string { return n.tag }

// Parent returns the current parent, or nil when detached.
func (n *Node) Parent() *Node {
	n.doc.mu.RLock()
	defer n.doc.mu.RUnlock()
	return n.parent
}

// Children returns a snapshot of the node's children.
func (n *Node) Children() []*Node {
	n.doc.mu.RLock()
	defer n.doc.mu.RUnlock()
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out
}

// Contains reports whether other is n or a descendant of n.
func (n *Node) Contains(other *Node) bool {
	n.doc.mu.RLock()
	defer n.doc.mu.RUnlock()
	for c := other; c != nil; c = c.parent {
		if c == n {
			return true
		}
	}
	return false
}

// Connected reports whether the node is reachable from the document body.
func (n *Node) Connected() bool {
	return n.doc.body.Contains(n)
}

// SetText replaces the node's text content.
func (n *Node) SetText(text string) {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	n.text = text
}

// Text returns the node's own text content.
func (n *Node) Text() string {
	n.doc.mu.RLock()
	defer n.doc.mu.RUnlock()
	return n.text
}

// SetAttr sets an attribute value.
func (n *Node) SetAttr(key, value string) {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	n.attrs[key] = value
}

// Attr returns an attribute value.
func (n *Node) Attr(key string) (string, bool) {
	n.doc.mu.RLock()
	defer n.doc.mu.RUnlock()
	v, ok := n.attrs[key]
	return v, ok
}

// Render returns an indented outline of the subtree rooted at n.
func (n *Node) Render() string {
	n.doc.mu.RLock()
	defer n.doc.mu.RUnlock()

	var b strings.Builder
	n.renderLocked(&b, 0)
	return b.String()
}

func (n *Node) renderLocked(b *strings.Builder, depth int) {
	fmt.Fprintf(b, "%s<%s", strings.Repeat("  ", depth), n.tag)

	keys := make([]string, 0, len(n.attrs))
	for k := range n.attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%q", k, n.attrs[k])
	}
	b.WriteString(">")
	if n.text != "" {
		b.WriteString(" " + strings.ReplaceAll(n.text, "\n", " | "))
	}
	b.WriteString("\n")

	for _, c := range n.children {
		c.renderLocked(b, depth+1)
	}
}
