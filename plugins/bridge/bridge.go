// ABOUTME: Adapts loaded exports into the uniform Component surface the host renders.
// ABOUTME: Bridged elements get every prop as a property and the full set re-applied once ready.

package bridge

import (
	"fmt"
	"log"
	"sync"

	"github.com/2389/plughost/internal/dom"
	"github.com/2389/plughost/plugins/core"
)

// Adapt returns a factory producing Components for exp.
// Native exports pass through; bridged exports are wrapped so they accept props.
func Adapt(d core.PluginDescriptor, exp core.Export) (core.ComponentFactory, error) {
	if exp.Type != d.Type {
		return nil, &core.RemoteLoadError{
			Name:   d.Name,
			Module: d.Module,
			Cause:  fmt.Errorf("descriptor type %q does not match export type %q", d.Type, exp.Type),
		}
	}

	switch d.Type {
	case core.TypeNative:
		if exp.Component == nil {
			return nil, &core.RemoteLoadError{Name: d.Name, Module: d.Module, Cause: core.ErrNoUsableExport}
		}
		return exp.Component, nil
	case core.TypeBridged:
		if exp.Element == nil {
			return nil, &core.RemoteLoadError{Name: d.Name, Module: d.Module, Cause: core.ErrNoUsableExport}
		}
		newElement := exp.Element
		return func() (core.Component, error) {
			el, err := newElement()
			if err != nil {
				return nil, err
			}
			return &Bridged{name: d.Name, el: el}, nil
		}, nil
	}
	return nil, &core.RemoteLoadError{Name: d.Name, Module: d.Module, Cause: fmt.Errorf("unknown plugin type %q", d.Type)}
}

// Bridged presents a property-based Element as a Component.
type Bridged struct {
	name string
	el   core.Element

	mu        sync.Mutex
	last      core.PluginProps
	hasProps  bool
	applied   int
	unmounted bool
}

// Element returns the wrapped element.
func (b *Bridged) Element() core.Element {
	return b.el
}

// Applied returns how many full prop sets have been pushed to the element.
func (b *Bridged) Applied() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applied
}

// Mount connects the element. Props that arrived before it was ready are re-applied when it is.
func (b *Bridged) Mount(container *dom.Node) error {
	b.el.OnReady(b.reapply)
	if err := b.el.Connect(container); err != nil {
		return fmt.Errorf("mount bridged plugin %s: %w", b.name, err)
	}
	return nil
}

// Update records props as the last-known set and pushes every field to the element.
func (b *Bridged) Update(props core.PluginProps) {
	b.mu.Lock()
	if b.unmounted {
		b.mu.Unlock()
		return
	}
	b.last = props.Clone()
	b.hasProps = true
	b.mu.Unlock()

	b.push(props)
}

// Unmount disconnects the element.
func (b *Bridged) Unmount() {
	b.mu.Lock()
	b.unmounted = true
	b.mu.Unlock()
	b.el.Disconnect()
}

func (b *Bridged) reapply() {
	b.mu.Lock()
	props, ok := b.last, b.hasProps
	b.mu.Unlock()
	if ok {
		b.push(props)
	}
}

// push assigns every prop. Writes the element drops before it is ready are recovered by reapply.
func (b *Bridged) push(props core.PluginProps) {
	if !b.el.Ready() {
		return
	}

	b.mu.Lock()
	b.applied++
	b.mu.Unlock()

	for _, p := range properties(props) {
		if err := b.el.SetProperty(p.name, p.value); err != nil {
			log.Printf("bridged plugin %s: set %s: %v", b.name, p.name, err)
		}
	}
}

type property struct {
	name  string
	value any
}

// properties lists every field of the props contract, including screen and additional props.
func properties(p core.PluginProps) []property {
	additional := p.AdditionalProps
	if additional == nil {
		additional = map[string]any{}
	}
	return []property{
		{"id", p.ID},
		{"name", p.Name},
		{"screen", p.Screen},
		{"context", p.Context},
		{"settings", p.Settings},
		{"imaging", p.Imaging},
		{"isModalOpen", p.IsModalOpen},
		{"onOpenModal", p.OnOpenModal},
		{"onCloseModal", p.OnCloseModal},
		{"onRequestToken", p.OnRequestToken},
		{"additionalProps", additional},
	}
}
