package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tasmota-fleet/internal/fleet"

	lua "github.com/yuin/gopher-lua"
)

// luaEventHandler is a registered Lua callback for an event pattern.
type luaEventHandler struct {
	eventType string
	topic     string // filter: only this device topic (empty = any)
	property  string // filter: only this property (empty = any)
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

// Engine manages Lua VMs and dispatches fleet events to scripts.
type Engine struct {
	fleet   *fleet.Engine
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates an automation engine over a running fleet.
func NewEngine(fl *fleet.Engine, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		fleet:   fl,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to the event bus and loads all scripts.
func (e *Engine) Start() {
	e.unsub = e.fleet.Env().Bus().OnAll(func(event fleet.Event) {
		e.dispatchEvent(event)
	})

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}

	for _, s := range scripts {
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.logger.Info("automation engine started", "scripts", len(e.vms))
}

// Stop cancels all VMs and unsubscribes from the bus.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}

	if e.unsub != nil {
		e.unsub()
	}

	e.logger.Info("automation engine stopped")
}

// ReloadScript stops the old VM (if any) and starts a new one.
func (e *Engine) ReloadScript(id string) error {
	e.disableScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	return e.startScript(s)
}

// Running returns the IDs of currently loaded scripts.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

// disableScript stops one VM. Other scripts are unaffected.
func (e *Engine) disableScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script disabled", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())

	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	// Sandbox: no filesystem, no process, no loading.
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	registerFleetModule(L, vm, e, s.ID)

	// Top-level execution registers handlers via fleet.on.
	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID)
	return nil
}

// dispatchEvent routes a bus event to all matching Lua handlers.
func (e *Engine) dispatchEvent(event fleet.Event) {
	e.mu.Lock()
	type entry struct {
		id string
		vm *scriptVM
	}
	entries := make([]entry, 0, len(e.vms))
	for id, vm := range e.vms {
		entries = append(entries, entry{id, vm})
	}
	e.mu.Unlock()

	for _, en := range entries {
		en.vm.mu.Lock()
		handlers := make([]luaEventHandler, len(en.vm.handlers))
		copy(handlers, en.vm.handlers)
		en.vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, event) {
				continue
			}

			fn := h.fn
			id := en.id
			select {
			case <-en.vm.ctx.Done():
			case en.vm.commands <- func(L *lua.LState) {
				e.callHandler(L, id, fn, event)
			}:
			default:
				e.logger.Warn("script command channel full, dropping event", "id", en.id)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, event fleet.Event) bool {
	if h.eventType != event.Type {
		return false
	}

	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return h.topic == "" && h.property == ""
	}

	if h.topic != "" {
		if topic, _ := data["topic"].(string); topic != h.topic {
			return false
		}
	}
	if h.property != "" {
		if prop, _ := data["property"].(string); prop != h.property {
			return false
		}
	}
	return true
}

// callHandler runs one Lua handler. An erroring handler disables its
// script rather than poisoning the engine.
func (e *Engine) callHandler(L *lua.LState, id string, fn *lua.LFunction, event fleet.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "id", id, "err", r)
			e.disableScript(id)
		}
	}()

	eventTable := L.NewTable()
	eventTable.RawSetString("type", lua.LString(event.Type))
	if data, ok := event.Data.(map[string]interface{}); ok {
		for k, v := range data {
			eventTable.RawSetString(k, goToLua(L, v))
		}
	}

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, eventTable); err != nil {
		e.logger.Error("lua handler error", "id", id, "err", err)
		e.disableScript(id)
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case map[int]string:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetInt(k, lua.LString(vv))
		}
		return t
	case map[int]int:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetInt(k, lua.LNumber(vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	case []string:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, lua.LString(vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
