// ABOUTME: Instance relocator: one detached container per plugin, moved between docked and fullscreen parents.
// ABOUTME: Components are mounted once; display changes only reparent their container.

package relocator

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/2389/plughost/internal/dom"
	"github.com/2389/plughost/plugins/core"
)

var (
	// ErrUnknownHandle is returned for a plugin name with no live handle.
	ErrUnknownHandle = errors.New("relocator: no handle for plugin")

	// ErrAlreadyAttached is returned when a handle already holds a component.
	ErrAlreadyAttached = errors.New("relocator: component already attached")
)

// Mode is the display context a handle occupies.
type Mode int

const (
	Docked Mode = iota
	Fullscreen
)

func (m Mode) String() string {
	if m == Fullscreen {
		return "fullscreen"
	}
	return "docked"
}

// State is the lifecycle state of a handle.
type State string

const (
	StatePending State = "pending"
	StateReady   State = "ready"
	StateError   State = "error"
)

// Target returns the node a container should live under, or nil when that node is unavailable.
type Target func() *dom.Node

// Relocator owns every plugin instance container and is the only thing that moves them.
type Relocator struct {
	doc     *dom.Document
	root    *dom.Node
	overlay *dom.Node

	// mu serializes relocations so a container never has zero or two parents between steps.
	mu         sync.Mutex
	handles    map[string]*Handle
	fullscreen string

	moves atomic.Int64
}

// New creates a relocator over doc. A nil overlay gets a fresh node under the body.
func New(doc *dom.Document, overlay *dom.Node) *Relocator {
	root := doc.Body()
	if overlay == nil {
		overlay = doc.CreateElement("overlay")
		if err := doc.AppendChild(root, overlay); err != nil {
			log.Printf("relocator: attach overlay: %v", err)
		}
	}
	return &Relocator{
		doc:     doc,
		root:    root,
		overlay: overlay,
		handles: make(map[string]*Handle),
	}
}

// Handle is the single live instance of one plugin.
type Handle struct {
	r *Relocator

	id        string
	name      string
	container *dom.Node

	// Guarded by r.mu.
	docked    Target
	mode      Mode
	state     State
	err       error
	component core.Component
}

// ID returns the handle's unique id.
func (h *Handle) ID() string { return h.id }

// Name returns the plugin name.
func (h *Handle) Name() string { return h.name }

// Container returns the node the component is mounted into.
func (h *Handle) Container() *dom.Node { return h.container }

// Mode returns the current display mode.
func (h *Handle) Mode() Mode {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.mode
}

// State returns the lifecycle state.
func (h *Handle) State() State {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.state
}

// Err returns the failure recorded by Fail, if any.
func (h *Handle) Err() error {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.err
}

// Component returns the mounted component, or nil while pending.
func (h *Handle) Component() core.Component {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.component
}

// Acquire returns the handle for name, creating it on first use. A non-nil docked
// target replaces the handle's current one and the container is moved accordingly.
func (r *Relocator) Acquire(name string, docked Target) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[name]
	if !ok {
		h = &Handle{
			r:     r,
			id:    uuid.NewString(),
			name:  name,
			mode:  Docked,
			state: StatePending,
		}
		h.container = r.doc.CreateElement("plugin-container")
		h.container.SetAttr("data-plugin", name)
		h.container.SetAttr("data-handle", h.id)
		r.handles[name] = h
	}
	if docked != nil {
		h.docked = docked
	}
	r.relocateLocked(h)
	return h
}

// Attach mounts c into the handle's container. A handle is mounted at most once.
func (r *Relocator) Attach(name string, c core.Component) error {
	r.mu.Lock()
	h, ok := r.handles[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownHandle, name)
	}
	if h.component != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyAttached, name)
	}
	container := h.container
	r.mu.Unlock()

	// Mount outside the lock; components may call back into the host while mounting.
	if err := c.Mount(container); err != nil {
		r.Fail(name, err)
		return fmt.Errorf("mount %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[name] != h {
		// Released while mounting.
		c.Unmount()
		return fmt.Errorf("%w: %s", ErrUnknownHandle, name)
	}
	h.component = c
	h.state = StateReady
	h.err = nil
	return nil
}

// Fail records a load or mount failure on the handle.
func (r *Relocator) Fail(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[name]; ok && h.component == nil {
		h.state = StateError
		h.err = err
	}
}

// Reset returns a failed handle to pending so it can be resolved again.
func (r *Relocator) Reset(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, name)
	}
	if h.state == StateError {
		h.state = StatePending
		h.err = nil
	}
	return nil
}

// Open moves name into the fullscreen overlay. Any other fullscreen plugin goes back to docked first.
func (r *Relocator) Open(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, name)
	}
	if r.fullscreen != "" && r.fullscreen != name {
		if prev, ok := r.handles[r.fullscreen]; ok {
			prev.mode = Docked
			r.relocateLocked(prev)
		}
	}
	h.mode = Fullscreen
	r.fullscreen = name
	r.relocateLocked(h)
	return nil
}

// Close returns name to its docked target.
func (r *Relocator) Close(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, name)
	}
	h.mode = Docked
	if r.fullscreen == name {
		r.fullscreen = ""
	}
	r.relocateLocked(h)
	return nil
}

// Relocate re-evaluates where name belongs, e.g. after its docked panel collapsed or expanded.
func (r *Relocator) Relocate(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, name)
	}
	r.relocateLocked(h)
	return nil
}

// RelocateAll re-evaluates every handle.
func (r *Relocator) RelocateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.namesLocked() {
		r.relocateLocked(r.handles[name])
	}
}

// Park moves name under the root because the view that owned its docked target went away.
// The component stays mounted.
func (r *Relocator) Park(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, name)
	}
	h.docked = nil
	h.mode = Docked
	if r.fullscreen == name {
		r.fullscreen = ""
	}
	r.relocateLocked(h)
	return nil
}

// Release permanently discards name: the component is unmounted and its container removed.
func (r *Relocator) Release(name string) error {
	r.mu.Lock()
	h, ok := r.handles[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownHandle, name)
	}
	delete(r.handles, name)
	if r.fullscreen == name {
		r.fullscreen = ""
	}
	c := h.component
	h.component = nil
	r.mu.Unlock()

	if c != nil {
		c.Unmount()
	}
	r.doc.Remove(h.container)
	return nil
}

// Handle returns the live handle for name.
func (r *Relocator) Handle(name string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[name]
	return h, ok
}

// Names returns the names of every live handle, sorted.
func (r *Relocator) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.namesLocked()
}

// Fullscreen returns the plugin currently in the overlay, or "".
func (r *Relocator) Fullscreen() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fullscreen
}

// Moves returns how many reparent operations have been performed.
func (r *Relocator) Moves() int64 {
	return r.moves.Load()
}

// Root returns the guaranteed fallback parent.
func (r *Relocator) Root() *dom.Node { return r.root }

// Overlay returns the fullscreen parent.
func (r *Relocator) Overlay() *dom.Node { return r.overlay }

func (r *Relocator) namesLocked() []string {
	names := make([]string, 0, len(r.handles))
	for name := range r.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// targetLocked picks the designated parent for h, falling back to the root.
func (r *Relocator) targetLocked(h *Handle) *dom.Node {
	var target *dom.Node
	switch h.mode {
	case Fullscreen:
		target = r.overlay
	case Docked:
		if h.docked != nil {
			target = h.docked()
		}
	}
	if target == nil || !target.Connected() || h.container.Contains(target) {
		return r.root
	}
	return target
}

// relocateLocked reparents h's container in one step. Caller holds r.mu.
func (r *Relocator) relocateLocked(h *Handle) {
	target := r.targetLocked(h)
	if h.container.Parent() == target {
		return
	}
	if err := r.doc.AppendChild(target, h.container); err != nil {
		// Only possible for a foreign node; the root is always a valid parent.
		log.Printf("relocator: move %s: %v, parking under root", h.name, err)
		if err := r.doc.AppendChild(r.root, h.container); err != nil {
			log.Printf("relocator: park %s: %v", h.name, err)
			return
		}
	}
	r.moves.Add(1)
}
