// ABOUTME: Bridged plugin element backed by a sandboxed gopher-lua state.
// ABOUTME: Properties land in a global props table; init, render and on_property are optional hooks.

// Package lua runs bridged plugins written in Lua.
//
// A script sees a global table named props holding everything the host assigned
// through SetProperty. Callback properties (onOpenModal, onCloseModal,
// onRequestToken) arrive as Lua functions. The script may define:
//
//	init()               called once when the element connects
//	render()             returns the text to show in the container
//	on_property(name)    called after each property write
//	destroy()            called when the element disconnects
//
// Property writes made before init has finished are dropped, like a custom
// element that has not been upgraded yet.
package lua

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/2389/plughost/internal/dom"
	"github.com/2389/plughost/plugins/core"
)

// DefaultTimeout bounds every call into a script.
const DefaultTimeout = 5 * time.Second

var (
	// ErrNotReady is returned when calling into an element that has not initialized.
	ErrNotReady = errors.New("lua element not ready")

	// ErrAlreadyConnected is returned when connecting an element twice.
	ErrAlreadyConnected = errors.New("lua element already connected")
)

// Compile parses and compiles a script so syntax errors surface at load time.
func Compile(name, source string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return proto, nil
}

// Factory compiles source once and returns a factory producing fresh elements.
func Factory(name, source string) (core.ElementFactory, error) {
	proto, err := Compile(name, source)
	if err != nil {
		return nil, err
	}
	return func() (core.Element, error) {
		return NewElement(name, proto), nil
	}, nil
}

// Element is a core.Element whose behavior is defined by a Lua script.
// gopher-lua states are not goroutine-safe, so every access goes through mu.
type Element struct {
	name    string
	proto   *lua.FunctionProto
	timeout time.Duration

	mu        sync.Mutex
	L         *lua.LState
	props     *lua.LTable
	container *dom.Node
	ready     bool
	onReady   []func()
	ignored   int
	identity  core.ModalEventDetail
}

// NewElement creates an unconnected element running proto.
func NewElement(name string, proto *lua.FunctionProto) *Element {
	return &Element{name: name, proto: proto, timeout: DefaultTimeout}
}

// Connect creates the Lua state, runs the script and its init hook, then marks the element ready.
func (e *Element) Connect(container *dom.Node) error {
	e.mu.Lock()

	if e.L != nil {
		e.mu.Unlock()
		return ErrAlreadyConnected
	}

	L := newSandboxedState(e.name)
	e.L = L
	e.container = container
	e.props = L.NewTable()
	L.SetGlobal("props", e.props)

	err := e.run(func() error {
		L.Push(L.NewFunctionFromProto(e.proto))
		return L.PCall(0, 0, nil)
	})
	if err == nil {
		_, err = e.callOptional("init")
	}
	if err != nil {
		L.Close()
		e.L = nil
		e.props = nil
		e.mu.Unlock()
		return fmt.Errorf("lua element %s: %w", e.name, err)
	}

	e.ready = true
	if err := e.render(); err != nil {
		log.Printf("lua element %s: render: %v", e.name, err)
	}
	pending := e.onReady
	e.onReady = nil
	e.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
	return nil
}

// Ready reports whether init has completed.
func (e *Element) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// OnReady runs fn once the element is ready, immediately if it already is.
func (e *Element) OnReady(fn func()) {
	e.mu.Lock()
	if e.ready {
		e.mu.Unlock()
		fn()
		return
	}
	e.onReady = append(e.onReady, fn)
	e.mu.Unlock()
}

// SetProperty assigns props[name]. Writes before the element is ready are dropped.
func (e *Element) SetProperty(name string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.ready {
		e.ignored++
		return nil
	}

	lv, err := e.luaValue(value)
	if err != nil {
		return fmt.Errorf("lua element %s: property %s: %w", e.name, name, err)
	}
	e.props.RawSetString(name, lv)
	e.trackIdentity(name, value)

	if _, err := e.callOptional("on_property", lua.LString(name)); err != nil {
		return fmt.Errorf("lua element %s: on_property(%s): %w", e.name, name, err)
	}
	return e.render()
}

// Ignored returns how many property writes were dropped because the element was not ready.
func (e *Element) Ignored() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ignored
}

// Prop returns the current value of props[name] as a Go value. Functions read as nil.
func (e *Element) Prop(name string) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.props == nil {
		return nil
	}
	return toGo(e.props.RawGetString(name))
}

// Call invokes a global script function and re-renders afterwards.
func (e *Element) Call(fn string, args ...any) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.ready {
		return nil, ErrNotReady
	}
	if _, ok := e.L.GetGlobal(fn).(*lua.LFunction); !ok {
		return nil, fmt.Errorf("lua element %s: function %q not found", e.name, fn)
	}

	largs := make([]lua.LValue, 0, len(args))
	for _, a := range args {
		lv, err := e.luaValue(a)
		if err != nil {
			return nil, err
		}
		largs = append(largs, lv)
	}

	ret, err := e.callOptional(fn, largs...)
	if err != nil {
		return nil, fmt.Errorf("lua element %s: %s: %w", e.name, fn, err)
	}
	if err := e.render(); err != nil {
		return nil, err
	}
	return toGo(ret), nil
}

// Disconnect runs the destroy hook and closes the state.
func (e *Element) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.L == nil {
		return
	}
	if e.ready {
		if _, err := e.callOptional("destroy"); err != nil {
			log.Printf("lua element %s: destroy: %v", e.name, err)
		}
	}
	e.L.Close()
	e.L = nil
	e.props = nil
	e.ready = false
}

// luaValue converts a property value, wrapping host callbacks as Lua functions.
func (e *Element) luaValue(value any) (lua.LValue, error) {
	switch v := value.(type) {
	case core.ModalHandler:
		if v == nil {
			return lua.LNil, nil
		}
		return e.L.NewFunction(e.modalFunction(v)), nil
	case core.TokenRequester:
		if v == nil {
			return lua.LNil, nil
		}
		return e.L.NewFunction(e.tokenFunction(v)), nil
	}

	normalized, err := normalize(value)
	if err != nil {
		return lua.LNil, err
	}
	return toLua(e.L, normalized), nil
}

// trackIdentity keeps the fields modal events default to.
func (e *Element) trackIdentity(name string, value any) {
	switch name {
	case "id":
		if s, ok := value.(string); ok {
			e.identity.PluginID = s
		}
	case "name":
		if s, ok := value.(string); ok {
			e.identity.PluginName = s
		}
	case "context":
		if c, ok := value.(core.PluginContext); ok {
			e.identity.Context = c
		}
	}
}

// modalFunction exposes h to Lua. The optional table argument overrides the default detail.
func (e *Element) modalFunction(h core.ModalHandler) lua.LGFunction {
	return func(L *lua.LState) int {
		detail := e.identity
		if tbl, ok := L.Get(1).(*lua.LTable); ok {
			if err := decodeInto(tbl, &detail); err != nil {
				L.RaiseError("invalid modal detail: %v", err)
				return 0
			}
		}
		h(detail)
		return 0
	}
}

// tokenFunction exposes r to Lua. It returns the response as {detail = ..., token = ...},
// or nil and an error message.
func (e *Element) tokenFunction(r core.TokenRequester) lua.LGFunction {
	return func(L *lua.LState) int {
		detail := core.TokenRequestDetail{
			PluginID:   e.identity.PluginID,
			PluginName: e.identity.PluginName,
			Context:    e.identity.Context,
		}
		if err := decodeInto(L.CheckTable(1), &detail); err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}

		ctx := L.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		resp, err := r(ctx, detail)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		normalized, err := normalize(resp)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(toLua(L, normalized))
		return 1
	}
}

// callOptional calls a global function if the script defines it. Caller holds mu.
func (e *Element) callOptional(fn string, args ...lua.LValue) (lua.LValue, error) {
	fnVal, ok := e.L.GetGlobal(fn).(*lua.LFunction)
	if !ok {
		return lua.LNil, nil
	}

	var ret lua.LValue = lua.LNil
	err := e.run(func() error {
		if err := e.L.CallByParam(lua.P{Fn: fnVal, NRet: 1, Protect: true}, args...); err != nil {
			return err
		}
		ret = e.L.Get(-1)
		e.L.Pop(1)
		return nil
	})
	return ret, err
}

// render writes the render hook's result into the container. Caller holds mu.
func (e *Element) render() error {
	ret, err := e.callOptional("render")
	if err != nil {
		return fmt.Errorf("lua element %s: render: %w", e.name, err)
	}
	if s, ok := ret.(lua.LString); ok && e.container != nil {
		e.container.SetText(string(s))
	}
	return nil
}

// run executes fn with the call timeout installed and panics recovered.
func (e *Element) run(fn func() error) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	e.L.SetContext(ctx)
	defer e.L.RemoveContext()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

// newSandboxedState opens only the base, table, string and math libraries.
func newSandboxedState(name string) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	L.SetTop(0)

	for _, fn := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(fn, lua.LNil)
	}

	host := L.NewTable()
	host.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		log.Printf("plugin %s: %s", name, L.CheckString(1))
		return 0
	}))
	L.SetGlobal("host", host)
	return L
}
