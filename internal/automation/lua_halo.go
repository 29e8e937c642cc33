//go:build !no_automation

package automation

import (
	"context"
	"time"

	"halo-bridge/internal/store"

	lua "github.com/yuin/gopher-lua"
)

// commandTimeout bounds one cloud write issued from a script.
const commandTimeout = 10 * time.Second

// registerHaloModule registers the `halo` global table in a Lua state.
func registerHaloModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return haloOn(L, vm)
	}))

	mod.RawSetString("turn_on", L.NewFunction(func(L *lua.LState) int {
		return haloPower(L, e, "on")
	}))

	mod.RawSetString("turn_off", L.NewFunction(func(L *lua.LState) int {
		return haloPower(L, e, "off")
	}))

	mod.RawSetString("toggle", L.NewFunction(func(L *lua.LState) int {
		return haloPower(L, e, "toggle")
	}))

	mod.RawSetString("set_brightness", L.NewFunction(func(L *lua.LState) int {
		return haloSetBrightness(L, e)
	}))

	mod.RawSetString("set_color_temp", L.NewFunction(func(L *lua.LState) int {
		return haloSetColorTemp(L, e)
	}))

	mod.RawSetString("activate_scene", L.NewFunction(func(L *lua.LState) int {
		return haloSetScene(L, e, true)
	}))

	mod.RawSetString("deactivate_scene", L.NewFunction(func(L *lua.LState) int {
		return haloSetScene(L, e, false)
	}))

	mod.RawSetString("get_property", L.NewFunction(func(L *lua.LState) int {
		return haloGetProperty(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return haloAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return haloLog(L, e)
	}))

	mod.RawSetString("lights", L.NewFunction(func(L *lua.LState) int {
		return haloLights(L, e)
	}))

	L.SetGlobal("halo", mod)
}

const maxHandlersPerScript = 100

// halo.on(type, filter, callback)
func haloOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("key"); v != lua.LNil {
		h.key = v.String()
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

// halo.turn_on/turn_off/toggle(target)
func haloPower(L *lua.LState, e *Engine, action string) int {
	target := L.CheckString(1)

	dev := resolveTarget(e, target)
	if dev == nil {
		e.logger.Warn("script target not found", "target", target)
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch action {
	case "on":
		err = e.hub.TurnOn(ctx, dev.Key())
	case "off":
		err = e.hub.TurnOff(ctx, dev.Key())
	case "toggle":
		err = e.hub.Toggle(ctx, dev.Key())
	}
	if err != nil {
		e.logger.Error("script power command", "err", err, "target", target, "action", action)
	}
	return 0
}

// halo.set_brightness(target, level)
func haloSetBrightness(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	level := L.CheckInt(2)

	dev := resolveTarget(e, target)
	if dev == nil {
		e.logger.Warn("script target not found", "target", target)
		return 0
	}

	if level < 0 {
		level = 0
	}
	if level > 255 {
		level = 255
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := e.hub.SetBrightness(ctx, dev.Key(), uint8(level)); err != nil {
		e.logger.Error("script set brightness", "err", err, "target", target, "level", level)
	}
	return 0
}

// halo.set_color_temp(target, kelvin)
// Out-of-range values clamp to the product's supported span.
func haloSetColorTemp(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	kelvin := L.CheckInt(2)

	dev := resolveTarget(e, target)
	if dev == nil {
		e.logger.Warn("script target not found", "target", target)
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := e.hub.SetColorTemp(ctx, dev.Key(), kelvin); err != nil {
		e.logger.Error("script set color temp", "err", err, "target", target, "kelvin", kelvin)
	}
	return 0
}

// halo.activate_scene/deactivate_scene(target)
func haloSetScene(L *lua.LState, e *Engine, active bool) int {
	target := L.CheckString(1)

	dev := resolveTarget(e, target)
	if dev == nil {
		e.logger.Warn("script target not found", "target", target)
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	if active {
		err = e.hub.ActivateScene(ctx, dev.Key())
	} else {
		err = e.hub.DeactivateScene(ctx, dev.Key())
	}
	if err != nil {
		e.logger.Error("script scene command", "err", err, "target", target, "active", active)
	}
	return 0
}

// halo.get_property(target, property)
func haloGetProperty(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	prop := L.CheckString(2)

	dev := resolveTarget(e, target)
	if dev == nil {
		L.Push(lua.LNil)
		return 1
	}

	if dev.Properties != nil {
		if v, ok := dev.Properties[prop]; ok {
			L.Push(goToLua(L, v))
			return 1
		}
	}

	L.Push(lua.LNil)
	return 1
}

// halo.after(seconds, callback) runs the callback after a delay.
func haloAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
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

		// Send callback execution to the VM's command channel
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

// halo.log(msg)
func haloLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}

// halo.lights() returns a table of all known lights.
func haloLights(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()

	if e.hub == nil {
		L.Push(tbl)
		return 1
	}

	devices, err := e.hub.Store().ListDevices()
	if err != nil {
		L.Push(tbl)
		return 1
	}

	n := 0
	for _, dev := range devices {
		if dev.Kind != store.KindLight {
			continue
		}
		n++
		d := L.NewTable()
		d.RawSetString("key", lua.LString(dev.Key()))
		d.RawSetString("pid", lua.LNumber(dev.PID))
		d.RawSetString("name", lua.LString(dev.DisplayName()))
		d.RawSetString("brand", lua.LString(dev.Brand))
		d.RawSetString("model", lua.LString(dev.Model))
		tbl.RawSetInt(n, d)
	}

	L.Push(tbl)
	return 1
}

// resolveTarget finds a registry entry by key, PID, or name.
func resolveTarget(e *Engine, target string) *store.Device {
	if e.hub == nil {
		return nil
	}
	dev, err := e.hub.Devices().Resolve(target)
	if err != nil {
		return nil
	}
	return dev
}
