package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

const maxHandlersPerScript = 100

// registerFleetModule registers the `fleet` global table in a Lua state.
func registerFleetModule(L *lua.LState, vm *scriptVM, e *Engine, scriptID string) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return fleetOn(L, vm)
	}))

	mod.RawSetString("publish", L.NewFunction(func(L *lua.LState) int {
		return fleetPublish(L, e)
	}))

	mod.RawSetString("cmnd", L.NewFunction(func(L *lua.LState) int {
		return fleetCmnd(L, e)
	}))

	mod.RawSetString("power", L.NewFunction(func(L *lua.LState) int {
		return fleetPower(L, e)
	}))

	mod.RawSetString("get_property", L.NewFunction(func(L *lua.LState) int {
		return fleetGetProperty(L, e)
	}))

	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return fleetDevices(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return fleetAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		e.logger.Info("script log", "id", scriptID, "msg", msg)
		return 0
	}))

	L.SetGlobal("fleet", mod)
}

// fleet.on(type, filter, callback). The filter table may carry "topic"
// and "property" keys; pass an empty table to match everything.
func fleetOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}
	if v := filterTable.RawGetString("topic"); v != lua.LNil {
		h.topic = v.String()
	}
	if v := filterTable.RawGetString("property"); v != lua.LNil {
		h.property = v.String()
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

// fleet.publish(topic, payload)
func fleetPublish(L *lua.LState, e *Engine) int {
	topic := L.CheckString(1)
	payload := L.CheckString(2)

	if err := e.fleet.Publish(topic, []byte(payload), 0, false); err != nil {
		e.logger.Warn("script publish", "topic", topic, "err", err)
	}
	return 0
}

// fleet.cmnd(device_topic, command, payload)
func fleetCmnd(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	cmd := L.CheckString(2)
	payload := L.OptString(3, "")

	d := e.fleet.Env().DeviceByTopic(target)
	if d == nil {
		e.logger.Warn("script cmnd: device not found", "target", target)
		return 0
	}

	if err := e.fleet.Dispatcher().SendCommand(d, cmd, payload); err != nil {
		e.logger.Warn("script cmnd", "target", target, "cmd", cmd, "err", err)
	}
	return 0
}

// fleet.power(device_topic, index, "ON"|"OFF"|"TOGGLE")
func fleetPower(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	idx := L.CheckInt(2)
	state := L.CheckString(3)

	d := e.fleet.Env().DeviceByTopic(target)
	if d == nil {
		e.logger.Warn("script power: device not found", "target", target)
		return 0
	}
	if idx < 1 {
		L.ArgError(2, "relay index starts at 1")
		return 0
	}

	cmd := "POWER"
	if idx > 1 {
		cmd = cmd + lua.LNumber(idx).String()
	}
	if err := e.fleet.Dispatcher().SendCommand(d, cmd, state); err != nil {
		e.logger.Warn("script power", "target", target, "err", err)
	}
	return 0
}

// fleet.get_property(device_topic, name)
func fleetGetProperty(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	prop := L.CheckString(2)

	d := e.fleet.Env().DeviceByTopic(target)
	if d == nil {
		L.Push(lua.LNil)
		return 1
	}

	if v := d.Prop(prop); v != nil {
		L.Push(goToLua(L, v))
		return 1
	}
	L.Push(lua.LNil)
	return 1
}

// fleet.devices() returns a table of {topic, name, online} rows.
func fleetDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, d := range e.fleet.Env().Devices() {
		row := L.NewTable()
		row.RawSetString("topic", lua.LString(d.Topic()))
		row.RawSetString("name", lua.LString(d.Name()))
		row.RawSetString("online", lua.LBool(d.Online()))
		tbl.RawSetInt(i+1, row)
	}
	L.Push(tbl)
	return 1
}

// fleet.after(seconds, callback) runs the callback on the script's own
// VM after a delay; cancelled with the script.
func fleetAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}
