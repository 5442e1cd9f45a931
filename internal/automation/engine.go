//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/halkeye/aioasuswrt/internal/asuswrt"
	"github.com/halkeye/aioasuswrt/internal/store"
	"github.com/halkeye/aioasuswrt/internal/tracker"

	lua "github.com/yuin/gopher-lua"
)

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a registered Lua callback for a specific event pattern.
type luaEventHandler struct {
	eventType string
	mac       string // filter: only match this MAC (empty = any)
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

// Engine manages Lua VMs and dispatches tracker events to scripts.
type Engine struct {
	tracker *tracker.Tracker
	manager *Manager
	logger  *slog.Logger

	systemCfg   SystemConfig
	telegramCfg TelegramConfig

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates a new automation engine.
func NewEngine(trk *tracker.Tracker, mgr *Manager, logger *slog.Logger, sysCfg SystemConfig, teleCfg TelegramConfig) *Engine {
	return &Engine{
		tracker:     trk,
		manager:     mgr,
		logger:      logger.With("component", "automation"),
		systemCfg:   sysCfg,
		telegramCfg: teleCfg,
		vms:         make(map[string]*scriptVM),
	}
}

// Start subscribes to the tracker's event bus and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.tracker.Events().OnAll(func(event tracker.Event) {
		e.dispatchEvent(event)
	})

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}

	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.logger.Info("automation engine started", "scripts", len(e.vms))
}

// Stop cancels all VMs and unsubscribes from the event bus.
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
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}

	if !s.Meta.Enabled {
		return nil // disabled, just stop
	}

	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript executes a script in a temporary sandboxed VM for testing.
// It runs the top-level code (which registers handlers via router.on) and
// captures any log output. The VM is destroyed after a short timeout.
func (e *Engine) RunScript(id string) *RunResult {
	start := time.Now()

	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: "script not found: " + err.Error(), Duration: time.Since(start).String()}
	}

	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes arbitrary Lua code in a temporary sandboxed VM for testing.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	defer L.Close()

	sandbox(L)
	L.SetContext(ctx)

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	// Capture logs
	var logs []string
	var logMu sync.Mutex

	registerRouterModule(L, vm, e)
	registerSystemModule(L, e)
	registerTelegramModule(L, e)

	// Override router.log to capture output
	mod := L.GetGlobal("router")
	if tbl, ok := mod.(*lua.LTable); ok {
		tbl.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			msg := L.CheckString(1)
			logMu.Lock()
			logs = append(logs, msg)
			logMu.Unlock()
			e.logger.Info("script run log", "msg", msg)
			return 0
		}))
	}

	// Also capture system.log
	sysMod := L.GetGlobal("system")
	if tbl, ok := sysMod.(*lua.LTable); ok {
		tbl.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			level := L.CheckString(1)
			msg := L.CheckString(2)
			logMu.Lock()
			logs = append(logs, "["+level+"] "+msg)
			logMu.Unlock()
			return 0
		}))
	}

	if err := L.DoString(code); err != nil {
		dur := time.Since(start)
		errStr := err.Error()
		if strings.Contains(errStr, "context deadline exceeded") {
			errStr = "timeout (5s)"
		}
		e.logger.Warn("script run error", "err", errStr)
		return &RunResult{OK: false, Error: errStr, Logs: logs, Duration: dur.String()}
	}

	// If the script registered event handlers, invoke each one with a
	// synthetic event so the actions actually execute.
	vm.mu.Lock()
	handlers := make([]luaEventHandler, len(vm.handlers))
	copy(handlers, vm.handlers)
	vm.mu.Unlock()

	for _, h := range handlers {
		eventTable := L.NewTable()
		eventTable.RawSetString("type", lua.LString(h.eventType))
		if h.mac != "" {
			eventTable.RawSetString("mac", lua.LString(h.mac))
		}

		if err := L.CallByParam(lua.P{
			Fn:      h.fn,
			NRet:    0,
			Protect: true,
		}, eventTable); err != nil {
			errStr := err.Error()
			if strings.Contains(errStr, "context deadline exceeded") {
				errStr = "timeout (5s)"
			}
			dur := time.Since(start)
			return &RunResult{OK: false, Error: errStr, Logs: logs, Duration: dur.String()}
		}
	}

	return &RunResult{OK: true, Logs: logs, Duration: time.Since(start).String()}
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// sandbox removes Lua libs and functions scripts have no business using.
func sandbox(L *lua.LState) {
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())

	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	sandbox(L)

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	registerRouterModule(L, vm, e)
	registerSystemModule(L, e)
	registerTelegramModule(L, e)

	// Execute the script to register handlers
	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	e.vms[s.ID] = vm
	e.mu.Unlock()

	// Command loop goroutine owns the Lua state and exits on cancel.
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

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent routes a tracker event to all matching Lua handlers.
func (e *Engine) dispatchEvent(event tracker.Event) {
	e.mu.Lock()
	vmsCopy := make(map[string]*scriptVM, len(e.vms))
	for k, v := range e.vms {
		vmsCopy[k] = v
	}
	e.mu.Unlock()

	data := eventData(event)

	for _, vm := range vmsCopy {
		vm.mu.Lock()
		handlers := make([]luaEventHandler, len(vm.handlers))
		copy(handlers, vm.handlers)
		vm.mu.Unlock()

	handlerLoop:
		for _, h := range handlers {
			if !matchesHandler(h, event.Type, data) {
				continue
			}

			fn := h.fn
			// Send to the VM's command channel for thread-safe Lua execution.
			// Check context first to avoid sending to a stopped VM.
			select {
			case <-vm.ctx.Done():
				// VM stopped, skip its remaining handlers.
				break handlerLoop
			case vm.commands <- func(L *lua.LState) {
				e.callHandler(L, fn, event.Type, data)
			}:
			default:
				e.logger.Warn("script command channel full, dropping event")
			}
		}
	}
}

// eventData flattens an event payload into a map for filtering and for
// building the Lua event table.
func eventData(event tracker.Event) map[string]interface{} {
	switch d := event.Data.(type) {
	case *store.Device:
		data := map[string]interface{}{
			"mac":      d.MAC,
			"ip":       d.IP,
			"hostname": d.Hostname,
			"name":     d.DisplayName(),
			"online":   d.Online,
		}
		if !d.LastSeen.IsZero() {
			data["last_seen"] = d.LastSeen.Unix()
		}
		return data
	case asuswrt.Rates:
		return map[string]interface{}{"rx": d.RX, "tx": d.TX}
	case string:
		return map[string]interface{}{"message": d}
	case map[string]interface{}:
		return d
	default:
		return nil
	}
}

func matchesHandler(h luaEventHandler, eventType string, data map[string]interface{}) bool {
	if h.eventType != eventType {
		return false
	}

	if h.mac != "" {
		mac, _ := data["mac"].(string)
		if !strings.EqualFold(mac, h.mac) {
			return false
		}
	}

	return true
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, eventType string, data map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	eventTable := L.NewTable()
	eventTable.RawSetString("type", lua.LString(eventType))
	for k, v := range data {
		eventTable.RawSetString(k, goToLua(L, v))
	}

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, eventTable); err != nil {
		e.logger.Error("lua handler error", "err", err)
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
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case int8:
		return lua.LNumber(val)
	case int16:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
