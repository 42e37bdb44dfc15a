// ABOUTME: Core plugin interfaces for the plugin host.
// ABOUTME: Defines descriptors, native components, bridged elements and loaded exports.

package core

import (
	"context"
	"fmt"

	"github.com/2389/plughost/internal/dom"
)

// PluginType tells the adapter how to drive a loaded plugin.
type PluginType string

const (
	// TypeNative plugins implement Component and take props directly.
	TypeNative PluginType = "native"
	// TypeBridged plugins expose a property surface and need an adapter.
	TypeBridged PluginType = "bridged"
)

// PluginDescriptor identifies where and how to load a plugin. Immutable once registered.
type PluginDescriptor struct {
	URL    string     `json:"url" toml:"url"`
	Name   string     `json:"name" toml:"name"`
	Module string     `json:"module" toml:"module"`
	Type   PluginType `json:"type" toml:"type"`
}

// Validate checks that every descriptor field is usable.
func (d PluginDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("plugin descriptor: name is required")
	}
	if d.URL == "" {
		return fmt.Errorf("plugin descriptor %q: url is required", d.Name)
	}
	if d.Module == "" {
		return fmt.Errorf("plugin descriptor %q: module is required", d.Name)
	}
	if d.Type != TypeNative && d.Type != TypeBridged {
		return fmt.Errorf("plugin descriptor %q: unknown type %q", d.Name, d.Type)
	}
	return nil
}

// Component is a mounted plugin instance with the uniform props surface.
type Component interface {
	// Mount renders the component into container. Called once per instance.
	Mount(container *dom.Node) error
	// Update delivers the latest props.
	Update(props PluginProps)
	// Unmount releases the instance. Called once when the plugin is discarded, mounted or not.
	Unmount()
}

// Element is a plugin whose public surface is property based rather than props based.
type Element interface {
	// SetProperty assigns one property. Writes made before the element is ready may be ignored.
	SetProperty(name string, value any) error
	// Ready reports whether the element has initialized.
	Ready() bool
	// OnReady registers fn to run once the element initializes.
	OnReady(fn func())
	// Connect attaches the element to container and starts its initialization.
	Connect(container *dom.Node) error
	// Disconnect releases the element.
	Disconnect()
}

// ComponentFactory creates a fresh native component instance.
type ComponentFactory func() (Component, error)

// ElementFactory creates a fresh bridged element instance.
type ElementFactory func() (Element, error)

// Export is what a successful load yields: an instantiable plugin reference.
type Export struct {
	Name      string
	Module    string
	Type      PluginType
	Component ComponentFactory
	Element   ElementFactory
}

// Usable reports whether the export carries a factory for its type.
func (e Export) Usable() bool {
	switch e.Type {
	case TypeNative:
		return e.Component != nil
	case TypeBridged:
		return e.Element != nil
	}
	return false
}

// Loader performs the network load of one exposed module.
type Loader interface {
	Load(ctx context.Context, d PluginDescriptor, module string) (Export, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, d PluginDescriptor, module string) (Export, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, d PluginDescriptor, module string) (Export, error) {
	return f(ctx, d, module)
}
