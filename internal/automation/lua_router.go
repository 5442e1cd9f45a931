//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"time"

	"github.com/halkeye/aioasuswrt/internal/asuswrt"
	"github.com/halkeye/aioasuswrt/internal/store"

	lua "github.com/yuin/gopher-lua"
)

// registerRouterModule registers the `router` global table in a Lua state.
func registerRouterModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return routerOn(L, vm)
	}))

	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return routerDevices(L, e)
	}))

	mod.RawSetString("get_device", L.NewFunction(func(L *lua.LState) int {
		return routerGetDevice(L, e)
	}))

	mod.RawSetString("is_home", L.NewFunction(func(L *lua.LState) int {
		return routerIsHome(L, e)
	}))

	mod.RawSetString("set_name", L.NewFunction(func(L *lua.LState) int {
		return routerSetName(L, e)
	}))

	mod.RawSetString("poll", L.NewFunction(func(L *lua.LState) int {
		return routerPoll(L, e)
	}))

	mod.RawSetString("rates", L.NewFunction(func(L *lua.LState) int {
		return routerRates(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return routerAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return routerLog(L, e)
	}))

	L.SetGlobal("router", mod)
}

const maxHandlersPerScript = 100

// router.on(type, filter, callback)
func routerOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("mac"); v != lua.LNil {
		h.mac = canonicalMAC(v.String())
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

// router.devices(): returns a table of all known devices
func routerDevices(L *lua.LState, e *Engine) int {
	devices, err := e.tracker.ListDevices()
	if err != nil {
		L.Push(L.NewTable())
		return 1
	}

	tbl := L.NewTable()
	for i, dev := range devices {
		tbl.RawSetInt(i+1, deviceToLua(L, dev))
	}

	L.Push(tbl)
	return 1
}

// router.get_device(mac_or_name): returns a device table or nil
func routerGetDevice(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)

	dev := resolveDevice(e, target)
	if dev == nil {
		L.Push(lua.LNil)
		return 1
	}

	L.Push(deviceToLua(L, dev))
	return 1
}

// router.is_home(mac_or_name): reports whether a device is currently online
func routerIsHome(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)

	dev := resolveDevice(e, target)
	if dev == nil {
		L.Push(lua.LFalse)
		return 1
	}

	L.Push(lua.LBool(dev.Online))
	return 1
}

// router.set_name(mac, name)
func routerSetName(L *lua.LState, e *Engine) int {
	mac := L.CheckString(1)
	name := L.CheckString(2)

	if err := e.tracker.SetFriendlyName(canonicalMAC(mac), name); err != nil {
		e.logger.Warn("set device name", "mac", mac, "err", err)
	}
	return 0
}

// router.poll(): triggers an immediate poll without waiting for the ticker
func routerPoll(L *lua.LState, e *Engine) int {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.tracker.Poll(ctx); err != nil {
			e.logger.Warn("script poll", "err", err)
		}
	}()
	return 0
}

// router.rates(): returns the latest transfer rates as {rx=..., tx=...}
func routerRates(L *lua.LState, e *Engine) int {
	status := e.tracker.Status()

	tbl := L.NewTable()
	tbl.RawSetString("rx", lua.LNumber(status.Rates.RX))
	tbl.RawSetString("tx", lua.LNumber(status.Rates.TX))
	L.Push(tbl)
	return 1
}

// router.after(seconds, callback): delayed execution
func routerAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
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

// router.log(msg)
func routerLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}

func deviceToLua(L *lua.LState, dev *store.Device) *lua.LTable {
	d := L.NewTable()
	d.RawSetString("mac", lua.LString(dev.MAC))
	d.RawSetString("ip", lua.LString(dev.IP))
	d.RawSetString("hostname", lua.LString(dev.Hostname))
	d.RawSetString("name", lua.LString(dev.DisplayName()))
	d.RawSetString("online", lua.LBool(dev.Online))
	if !dev.LastSeen.IsZero() {
		d.RawSetString("last_seen", lua.LNumber(dev.LastSeen.Unix()))
	}
	return d
}

// resolveDevice finds a device by MAC address or friendly name.
func resolveDevice(e *Engine, target string) *store.Device {
	if looksLikeMAC(target) {
		dev, err := e.tracker.GetDevice(canonicalMAC(target))
		if err == nil {
			return dev
		}
		return nil
	}

	devices, err := e.tracker.ListDevices()
	if err != nil {
		return nil
	}

	for _, dev := range devices {
		if strings.EqualFold(dev.FriendlyName, target) {
			return dev
		}
	}
	for _, dev := range devices {
		if strings.EqualFold(dev.Hostname, target) {
			return dev
		}
	}

	return nil
}

// canonicalMAC normalizes a MAC address to the uppercase colon form used
// as the device key.
func canonicalMAC(mac string) string {
	return asuswrt.NormalizeMAC(mac)
}

// looksLikeMAC reports whether s has the shape of a MAC address: six
// hex octets separated by colons or dashes.
func looksLikeMAC(s string) bool {
	if len(s) != 17 {
		return false
	}
	for i, c := range s {
		if i%3 == 2 {
			if c != ':' && c != '-' {
				return false
			}
			continue
		}
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
