// ABOUTME: Remote entry publishing the sample widget in native and bridged form.
// ABOUTME: The host serves it so a development setup can load plugins from itself.

package samplewidget

import (
	_ "embed"

	"github.com/2389/plughost/plugins/core"
	"github.com/2389/plughost/plugins/federation"
)

// Module paths exposed by the sample remote.
const (
	ModuleComponent = "./Component"
	ModuleElement   = "./Element"
)

//go:embed sample-widget.lua
var luaSource string

// LuaSource returns the bridged widget's script.
func LuaSource() string {
	return luaSource
}

// Remote returns the sample remote entry.
func Remote() federation.Remote {
	return federation.Remote{
		Name: FactoryKey,
		Exposes: map[string]federation.Exposed{
			ModuleComponent: {Type: core.TypeNative, Factory: FactoryKey},
			ModuleElement:   {Type: core.TypeBridged, Source: "sample-widget.lua"},
		},
		Sources: map[string]string{
			"sample-widget.lua": luaSource,
		},
	}
}
