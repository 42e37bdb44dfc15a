// ABOUTME: Tests for the container tree.
// ABOUTME: Verifies single-parent reparenting, cycle rejection and concurrent moves.

package dom

import (
	"strings"
	"sync"
	"testing"
)

func TestAppendChild_MovesNode(t *testing.T) {
	d := NewDocument()
	a := d.CreateElement("aside")
	b := d.CreateElement("dialog")
	c := d.CreateElement("div")

	for _, n := range []*Node{a, b} {
		if err := d.AppendChild(d.Body(), n); err != nil {
			t.Fatalf("AppendChild() error = %v", err)
		}
	}

	if err := d.AppendChild(a, c); err != nil {
		t.Fatalf("AppendChild() error = %v", err)
	}
	if c.Parent() != a {
		t.Fatalf("parent = %v, want aside", c.Parent().Tag())
	}

	if err := d.AppendChild(b, c); err != nil {
		t.Fatalf("AppendChild() error = %v", err)
	}
	if c.Parent() != b {
		t.Errorf("parent = %v, want dialog", c.Parent().Tag())
	}
	if len(a.Children()) != 0 {
		t.Errorf("old parent still has %d children, want 0", len(a.Children()))
	}
	if len(b.Children()) != 1 {
		t.Errorf("new parent has %d children, want 1", len(b.Children()))
	}
}

func TestAppendChild_SameParentIsNoop(t *testing.T) {
	d := NewDocument()
	c := d.CreateElement("div")
	d.AppendChild(d.Body(), c)
	d.AppendChild(d.Body(), c)

	if got := len(d.Body().Children()); got != 1 {
		t.Errorf("children = %d, want 1", got)
	}
}

func TestAppendChild_RejectsCycle(t *testing.T) {
	d := NewDocument()
	outer := d.CreateElement("div")
	inner := d.CreateElement("div")
	d.AppendChild(outer, inner)

	if err := d.AppendChild(inner, outer); err != ErrCycle {
		t.Errorf("AppendChild() error = %v, want %v", err, ErrCycle)
	}
	if err := d.AppendChild(outer, outer); err != ErrCycle {
		t.Errorf("AppendChild(self) error = %v, want %v", err, ErrCycle)
	}
}

func TestAppendChild_RejectsForeignNode(t *testing.T) {
	d1 := NewDocument()
	d2 := NewDocument()

	if err := d1.AppendChild(d1.Body(), d2.CreateElement("div")); err != ErrForeignNode {
		t.Errorf("AppendChild() error = %v, want %v", err, ErrForeignNode)
	}
}

func TestRemoveAndConnected(t *testing.T) {
	d := NewDocument()
	panel := d.CreateElement("section")
	c := d.CreateElement("div")
	d.AppendChild(d.Body(), panel)
	d.AppendChild(panel, c)

	if !c.Connected() {
		t.Error("Connected() = false, want true")
	}

	d.Remove(panel)
	if c.Connected() {
		t.Error("Connected() = true after removing ancestor, want false")
	}
	if c.Parent() != panel {
		t.Error("removing an ancestor must not detach the child from its own parent")
	}

	d.Remove(panel)
}

func TestConcurrentMovesKeepSingleParent(t *testing.T) {
	d := NewDocument()
	targets := make([]*Node, 4)
	for i := range targets {
		targets[i] = d.CreateElement("section")
		d.AppendChild(d.Body(), targets[i])
	}
	c := d.CreateElement("div")

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.AppendChild(targets[i%len(targets)], c)
		}(i)
	}
	wg.Wait()

	holders := 0
	for _, tgt := range targets {
		for _, child := range tgt.Children() {
			if child == c {
				holders++
			}
		}
	}
	if holders != 1 {
		t.Errorf("container held by %d parents, want exactly 1", holders)
	}
}

func TestRender(t *testing.T) {
	d := NewDocument()
	n := d.CreateElement("div")
	n.SetAttr("data-plugin", "sampleWidget")
	n.SetText("hello\nworld")
	d.AppendChild(d.Body(), n)

	out := d.Body().Render()
	if !strings.Contains(out, `<div data-plugin="sampleWidget"> hello | world`) {
		t.Errorf("Render() = %q", out)
	}
}
