// ABOUTME: Headless host shell: plugin slots, their views and the single live instance behind each.
// ABOUTME: Resolves plugins in the background, mounts them once and routes modal and token callbacks.

package host

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/2389/plughost/internal/dom"
	"github.com/2389/plughost/internal/relocator"
	"github.com/2389/plughost/plugins/bridge"
	"github.com/2389/plughost/plugins/core"
)

var (
	// ErrUnknownSlot is returned for a name that was never added.
	ErrUnknownSlot = errors.New("host: unknown slot")

	// ErrNotMounted is returned for view operations on a slot whose view is not mounted.
	ErrNotMounted = errors.New("host: view not mounted")

	// ErrNotFailed is returned by Retry for a slot that is not in the error state.
	ErrNotFailed = errors.New("host: slot has not failed")

	// ErrNoBroker is what plugins get from onRequestToken when the host has no token broker.
	ErrNoBroker = errors.New("host: no token broker configured")
)

// Options configures a Host.
type Options struct {
	Registry *core.Registry

	// Requester answers onRequestToken. Nil fails every token request closed.
	Requester core.TokenRequester

	// Document is the tree plugins render into. Nil creates a new one.
	Document *dom.Document

	QueueSize int
}

// Status is a snapshot of one slot.
type Status struct {
	Name      string          `json:"name"`
	State     relocator.State `json:"state"`
	Mode      string          `json:"mode"`
	Mounted   bool            `json:"mounted"`
	Collapsed bool            `json:"collapsed"`
	Parent    string          `json:"parent"`
	Error     string          `json:"error,omitempty"`
}

type slot struct {
	desc  core.PluginDescriptor
	props core.PluginProps

	panel     *dom.Node
	body      *dom.Node
	collapsed bool

	// generation changes on every mount, unmount and discard so late async results can be recognized.
	generation uint64
	resolving  bool
	err        error
}

// Host owns the plugin slots. All slot state lives on the loop goroutine.
type Host struct {
	loop      *Loop
	registry  *core.Registry
	requester core.TokenRequester
	doc       *dom.Document
	reloc     *relocator.Relocator
	panels    *dom.Node

	ctx    context.Context
	cancel context.CancelFunc

	slots map[string]*slot
	order []string
}

// New creates a host and starts its loop.
func New(opts Options) (*Host, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("host: registry is required")
	}
	doc := opts.Document
	if doc == nil {
		doc = dom.NewDocument()
	}

	panels := doc.CreateElement("panels")
	if err := doc.AppendChild(doc.Body(), panels); err != nil {
		return nil, fmt.Errorf("host: attach panels: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		loop:      NewLoop(opts.QueueSize),
		registry:  opts.Registry,
		requester: opts.Requester,
		doc:       doc,
		reloc:     relocator.New(doc, nil),
		panels:    panels,
		ctx:       ctx,
		cancel:    cancel,
		slots:     make(map[string]*slot),
	}
	go h.loop.Run(ctx)
	return h, nil
}

// Close discards every plugin and stops the loop.
func (h *Host) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.loop.Do(ctx, func() error {
		for _, name := range h.order {
			h.discardLocked(name)
		}
		return nil
	})
	if err != nil {
		log.Printf("host: close: %v", err)
	}
	h.cancel()
	h.loop.Close()
}

// Document returns the tree plugins render into.
func (h *Host) Document() *dom.Document { return h.doc }

// Relocator returns the relocator owning every instance container.
func (h *Host) Relocator() *relocator.Relocator { return h.reloc }

// AddSlot registers d and remembers props as the slot's base props.
func (h *Host) AddSlot(ctx context.Context, d core.PluginDescriptor, props core.PluginProps) error {
	return h.loop.Do(ctx, func() error {
		if _, ok := h.slots[d.Name]; ok {
			return fmt.Errorf("host: slot %s already added", d.Name)
		}
		if err := h.registry.Register(d); err != nil {
			return err
		}
		h.slots[d.Name] = &slot{desc: d, props: props.Clone()}
		h.order = append(h.order, d.Name)
		return nil
	})
}

// MountView shows the slot's panel and places the plugin instance in it, resolving the plugin
// the first time. A failed plugin stays failed until Retry.
func (h *Host) MountView(ctx context.Context, name string) error {
	return h.loop.Do(ctx, func() error { return h.mountLocked(name) })
}

// MountAll mounts every slot's view in the order slots were added.
func (h *Host) MountAll(ctx context.Context) error {
	return h.loop.Do(ctx, func() error {
		for _, name := range h.order {
			if err := h.mountLocked(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// UnmountView removes the slot's panel. The plugin instance is parked, not destroyed, and any
// resolution still in flight is discarded when it arrives.
func (h *Host) UnmountView(ctx context.Context, name string) error {
	return h.loop.Do(ctx, func() error {
		s, ok := h.slots[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSlot, name)
		}
		if s.panel == nil {
			return nil
		}
		s.generation++
		if _, ok := h.reloc.Handle(name); ok {
			if err := h.reloc.Park(name); err != nil {
				return err
			}
		}
		h.removePanel(s)
		h.pushProps(name)
		return nil
	})
}

// Discard permanently tears down the slot's instance and view.
func (h *Host) Discard(ctx context.Context, name string) error {
	return h.loop.Do(ctx, func() error {
		if _, ok := h.slots[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSlot, name)
		}
		h.discardLocked(name)
		return nil
	})
}

// Retry re-resolves a failed slot.
func (h *Host) Retry(ctx context.Context, name string) error {
	return h.loop.Do(ctx, func() error {
		s, ok := h.slots[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSlot, name)
		}
		handle, ok := h.reloc.Handle(name)
		if !ok || handle.State() != relocator.StateError {
			return fmt.Errorf("%w: %s", ErrNotFailed, name)
		}
		if err := h.reloc.Reset(name); err != nil {
			return err
		}
		h.registry.Forget(name)
		s.err = nil
		if s.panel != nil {
			h.startResolve(name, s)
		}
		return nil
	})
}

// OpenModal shows name fullscreen.
func (h *Host) OpenModal(ctx context.Context, name string) error {
	return h.loop.Do(ctx, func() error { return h.openLocked(name) })
}

// CloseModal returns name to its panel.
func (h *Host) CloseModal(ctx context.Context, name string) error {
	return h.loop.Do(ctx, func() error { return h.closeLocked(name) })
}

// SetCollapsed collapses or expands the slot's panel. A collapsed panel is no docking target.
func (h *Host) SetCollapsed(ctx context.Context, name string, collapsed bool) error {
	return h.loop.Do(ctx, func() error {
		s, ok := h.slots[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSlot, name)
		}
		if s.panel == nil {
			return fmt.Errorf("%w: %s", ErrNotMounted, name)
		}
		s.collapsed = collapsed
		if collapsed {
			s.panel.SetAttr("data-collapsed", "true")
		} else {
			s.panel.SetAttr("data-collapsed", "false")
		}
		return h.reloc.Relocate(name)
	})
}

// Status returns a snapshot of every slot in the order they were added.
func (h *Host) Status(ctx context.Context) ([]Status, error) {
	var out []Status
	err := h.loop.Do(ctx, func() error {
		for _, name := range h.order {
			out = append(out, h.statusLocked(name))
		}
		return nil
	})
	return out, err
}

// Component returns the mounted component for name, or nil while it is not ready.
func (h *Host) Component(ctx context.Context, name string) (core.Component, error) {
	var c core.Component
	err := h.loop.Do(ctx, func() error {
		if _, ok := h.slots[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSlot, name)
		}
		if handle, ok := h.reloc.Handle(name); ok {
			c = handle.Component()
		}
		return nil
	})
	return c, err
}

// Render returns the whole tree as text.
func (h *Host) Render(ctx context.Context) (string, error) {
	var out string
	err := h.loop.Do(ctx, func() error {
		out = h.doc.Body().Render()
		return nil
	})
	return out, err
}

// Sync waits until every task posted before it has run.
func (h *Host) Sync(ctx context.Context) error {
	return h.loop.Do(ctx, func() error { return nil })
}

// WaitSettled waits until name is no longer resolving. It returns the slot's load error, if any.
func (h *Host) WaitSettled(ctx context.Context, name string) error {
	for {
		var settled bool
		var loadErr error
		err := h.loop.Do(ctx, func() error {
			s, ok := h.slots[name]
			if !ok {
				return fmt.Errorf("%w: %s", ErrUnknownSlot, name)
			}
			settled = !s.resolving
			loadErr = s.err
			return nil
		})
		if err != nil {
			return err
		}
		if settled {
			return loadErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (h *Host) mountLocked(name string) error {
	s, ok := h.slots[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, name)
	}
	if s.panel != nil {
		return nil
	}

	s.generation++
	s.collapsed = false
	s.panel = h.doc.CreateElement("panel")
	s.panel.SetAttr("data-slot", name)
	s.body = h.doc.CreateElement("panel-body")
	if err := h.doc.AppendChild(h.panels, s.panel); err != nil {
		return err
	}
	if err := h.doc.AppendChild(s.panel, s.body); err != nil {
		return err
	}

	handle := h.reloc.Acquire(name, h.dockedTarget(s))
	switch handle.State() {
	case relocator.StateReady:
		h.pushProps(name)
	case relocator.StatePending:
		h.startResolve(name, s)
	case relocator.StateError:
		log.Printf("host: %s previously failed (%v); waiting for retry", name, handle.Err())
	}
	return nil
}

func (h *Host) dockedTarget(s *slot) relocator.Target {
	return func() *dom.Node {
		if s.collapsed {
			return nil
		}
		return s.body
	}
}

func (h *Host) removePanel(s *slot) {
	if s.panel != nil {
		h.doc.Remove(s.panel)
	}
	s.panel = nil
	s.body = nil
	s.collapsed = false
}

func (h *Host) discardLocked(name string) {
	s := h.slots[name]
	s.generation++
	s.err = nil
	if err := h.reloc.Release(name); err != nil && !errors.Is(err, relocator.ErrUnknownHandle) {
		log.Printf("host: release %s: %v", name, err)
	}
	h.removePanel(s)
}

// startResolve loads the slot's plugin off the loop and posts the result back.
func (h *Host) startResolve(name string, s *slot) {
	if s.resolving {
		return
	}
	s.resolving = true
	gen := s.generation
	desc := s.desc

	go func() {
		comp, err := h.instantiate(desc)
		doErr := h.loop.Do(h.ctx, func() error {
			h.finishResolve(name, gen, comp, err)
			return nil
		})
		if doErr != nil {
			log.Printf("host: dropping load result for %s: %v", name, doErr)
			discard(name, comp)
		}
	}()
}

// discard releases a component that was loaded but never attached.
func discard(name string, comp core.Component) {
	if comp == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("host: unmount of unused %s panicked: %v", name, r)
		}
	}()
	comp.Unmount()
}

func (h *Host) instantiate(d core.PluginDescriptor) (comp core.Component, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &core.RemoteLoadError{Name: d.Name, Module: d.Module, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()

	exp, err := h.registry.Resolve(h.ctx, d.Name, d.Module)
	if err != nil {
		return nil, err
	}
	factory, err := bridge.Adapt(d, exp)
	if err != nil {
		return nil, err
	}
	comp, err = factory()
	if err != nil {
		return nil, &core.RemoteLoadError{Name: d.Name, Module: d.Module, Cause: err}
	}
	return comp, nil
}

func (h *Host) finishResolve(name string, gen uint64, comp core.Component, err error) {
	s := h.slots[name]
	s.resolving = false

	if gen != s.generation || s.panel == nil {
		log.Printf("host: discarding stale load result for %s", name)
		discard(name, comp)
		// The view came back while the old load was in flight; load again for it.
		if s.panel != nil {
			if handle, ok := h.reloc.Handle(name); ok && handle.State() == relocator.StatePending {
				h.startResolve(name, s)
			}
		}
		return
	}

	if err != nil {
		log.Printf("host: %v", err)
		s.err = err
		h.reloc.Fail(name, err)
		return
	}

	// Props go in before mounting, the way a host sets properties on an element it has not attached yet.
	comp.Update(h.propsFor(name, s))
	if err := h.attach(name, comp); err != nil {
		log.Printf("host: %v", err)
		s.err = err
		return
	}
	s.err = nil
}

func (h *Host) attach(name string, comp core.Component) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mount %s: panic: %v", name, r)
			h.reloc.Fail(name, err)
		}
	}()
	return h.reloc.Attach(name, comp)
}

func (h *Host) openLocked(name string) error {
	s, ok := h.slots[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, name)
	}
	if s.panel == nil {
		return fmt.Errorf("%w: %s", ErrNotMounted, name)
	}

	prev := h.reloc.Fullscreen()
	if err := h.reloc.Open(name); err != nil {
		return err
	}
	if prev != "" && prev != name {
		h.pushProps(prev)
	}
	h.pushProps(name)
	return nil
}

func (h *Host) closeLocked(name string) error {
	if _, ok := h.slots[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, name)
	}
	if h.reloc.Fullscreen() != name {
		return nil
	}
	if err := h.reloc.Close(name); err != nil {
		return err
	}
	h.pushProps(name)
	return nil
}

// pushProps delivers fresh props to name's component if it is mounted.
func (h *Host) pushProps(name string) {
	handle, ok := h.reloc.Handle(name)
	if !ok {
		return
	}
	if c := handle.Component(); c != nil {
		c.Update(h.propsFor(name, h.slots[name]))
	}
}

// propsFor builds the full props for name, callbacks included.
func (h *Host) propsFor(name string, s *slot) core.PluginProps {
	p := s.props.Clone()
	p.IsModalOpen = h.reloc.Fullscreen() == name

	// Modal callbacks may run while a plugin holds its own locks, so they only post.
	p.OnOpenModal = func(d core.ModalEventDetail) {
		h.post(name, "open", func() error { return h.openLocked(name) })
	}
	p.OnCloseModal = func(d core.ModalEventDetail) {
		h.post(name, "close", func() error { return h.closeLocked(name) })
	}
	p.OnRequestToken = h.tokenRequester(name)
	return p
}

func (h *Host) post(name, what string, fn func() error) {
	err := h.loop.Post(func() {
		if err := fn(); err != nil {
			log.Printf("host: %s %s: %v", what, name, err)
		}
	})
	if err != nil {
		log.Printf("host: %s %s dropped: %v", what, name, err)
	}
}

func (h *Host) tokenRequester(name string) core.TokenRequester {
	return func(ctx context.Context, d core.TokenRequestDetail) (resp core.TokenRequestResponse, err error) {
		defer func() {
			if r := recover(); r != nil {
				resp, err = core.TokenRequestResponse{}, fmt.Errorf("token broker panicked: %v", r)
			}
			if err != nil {
				log.Printf("host: token request from %s denied: %v", name, err)
			}
		}()
		if h.requester == nil {
			return core.TokenRequestResponse{}, ErrNoBroker
		}
		return h.requester(ctx, d)
	}
}

func (h *Host) statusLocked(name string) Status {
	s := h.slots[name]
	st := Status{
		Name:      name,
		State:     relocator.StatePending,
		Mode:      relocator.Docked.String(),
		Mounted:   s.panel != nil,
		Collapsed: s.collapsed,
	}
	if handle, ok := h.reloc.Handle(name); ok {
		st.State = handle.State()
		st.Mode = handle.Mode().String()
		if parent := handle.Container().Parent(); parent != nil {
			st.Parent = parent.Tag()
		}
		if err := handle.Err(); err != nil {
			st.Error = err.Error()
		}
	}
	if st.Error == "" && s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}
