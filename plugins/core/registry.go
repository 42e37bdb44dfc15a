// ABOUTME: Catalog of native plugin factories compiled into the host binary.
// ABOUTME: Native plugins register themselves in init() functions; remote entries refer to them by key.

package core

import (
	"fmt"
	"sort"
	"sync"
)

var (
	natives = make(map[string]ComponentFactory)
	mu      sync.RWMutex
)

// RegisterNative adds a native factory under key. Registering a key twice panics.
func RegisterNative(key string, f ComponentFactory) {
	mu.Lock()
	defer mu.Unlock()

	if f == nil {
		panic(fmt.Sprintf("native plugin %q registered with nil factory", key))
	}
	if _, exists := natives[key]; exists {
		panic(fmt.Sprintf("native plugin %q already registered", key))
	}
	natives[key] = f
}

// Native retrieves a native factory by key
func Native(key string) (ComponentFactory, bool) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := natives[key]
	return f, ok
}

// NativeNames returns all registered native keys, sorted
func NativeNames() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(natives))
	for name := range natives {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
