// ABOUTME: Error types raised while registering and resolving plugins.
// ABOUTME: RemoteLoadError is the single failure surfaced to the host for a failed load.

package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRegistered is returned when resolving a name with no descriptor.
	ErrNotRegistered = errors.New("plugin not registered")

	// ErrDescriptorConflict is returned when a different descriptor is registered under an existing name.
	ErrDescriptorConflict = errors.New("plugin descriptor already registered with different values")

	// ErrNoUsableExport is returned when a loaded module exposes nothing the host can instantiate.
	ErrNoUsableExport = errors.New("module has no usable export")
)

// RemoteLoadError reports a failed plugin load. The registry never retries on its own.
type RemoteLoadError struct {
	Name   string
	Module string
	Cause  error
}

func (e *RemoteLoadError) Error() string {
	if e.Module != "" {
		return fmt.Sprintf("load plugin %s (%s): %v", e.Name, e.Module, e.Cause)
	}
	return fmt.Sprintf("load plugin %s: %v", e.Name, e.Cause)
}

func (e *RemoteLoadError) Unwrap() error {
	return e.Cause
}
