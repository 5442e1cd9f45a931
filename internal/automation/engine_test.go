//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/halkeye/aioasuswrt/internal/asuswrt"
	"github.com/halkeye/aioasuswrt/internal/store"
	"github.com/halkeye/aioasuswrt/internal/tracker"

	lua "github.com/yuin/gopher-lua"
)

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  interface{}
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool true", true, lua.LTBool},
		{"bool false", false, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"int64", int64(99), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"uint8", uint8(255), lua.LTNumber},
		{"map", map[string]interface{}{"a": 1}, lua.LTTable},
		{"slice", []interface{}{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := goToLua(L, tt.val)
			if result.Type() != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, result.Type(), tt.want)
			}
		})
	}
}

func TestGoToLuaMap(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	m := map[string]interface{}{"key": "value", "num": 10}
	v := goToLua(L, m)
	tbl, ok := v.(*lua.LTable)
	if !ok {
		t.Fatal("expected LTable")
	}

	keyVal := tbl.RawGetString("key")
	if s, ok := keyVal.(lua.LString); !ok || string(s) != "value" {
		t.Errorf("map[key] = %v, want value", keyVal)
	}

	numVal := tbl.RawGetString("num")
	if n, ok := numVal.(lua.LNumber); !ok || float64(n) != 10 {
		t.Errorf("map[num] = %v, want 10", numVal)
	}
}

func TestGoToLuaSlice(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	s := []interface{}{"a", "b", "c"}
	v := goToLua(L, s)
	tbl, ok := v.(*lua.LTable)
	if !ok {
		t.Fatal("expected LTable")
	}

	if tbl.Len() != 3 {
		t.Errorf("table len = %d, want 3", tbl.Len())
	}

	first := tbl.RawGetInt(1)
	if str, ok := first.(lua.LString); !ok || string(str) != "a" {
		t.Errorf("slice[1] = %v, want a", first)
	}
}

func TestMatchesHandler(t *testing.T) {
	tests := []struct {
		name    string
		handler luaEventHandler
		evType  string
		evData  map[string]interface{}
		want    bool
	}{
		{
			"exact match",
			luaEventHandler{eventType: "device_connected", mac: "AA:BB:CC:DD:EE:FF"},
			"device_connected",
			map[string]interface{}{"mac": "AA:BB:CC:DD:EE:FF"},
			true,
		},
		{
			"wrong event type",
			luaEventHandler{eventType: "device_connected"},
			"device_disconnected",
			map[string]interface{}{},
			false,
		},
		{
			"mac filter mismatch",
			luaEventHandler{eventType: "device_connected", mac: "AA:BB:CC:DD:EE:FF"},
			"device_connected",
			map[string]interface{}{"mac": "11:22:33:44:55:66"},
			false,
		},
		{
			"mac filter case-insensitive",
			luaEventHandler{eventType: "device_connected", mac: "AA:BB:CC:DD:EE:FF"},
			"device_connected",
			map[string]interface{}{"mac": "aa:bb:cc:dd:ee:ff"},
			true,
		},
		{
			"no filter matches any",
			luaEventHandler{eventType: "device_connected"},
			"device_connected",
			map[string]interface{}{"mac": "AA:BB:CC:DD:EE:FF"},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matchesHandler(tt.handler, tt.evType, tt.evData)
			if got != tt.want {
				t.Errorf("matchesHandler() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventDataDevice(t *testing.T) {
	dev := &store.Device{
		MAC:      "AA:BB:CC:DD:EE:FF",
		IP:       "192.168.1.10",
		Hostname: "laptop",
		Online:   true,
		LastSeen: time.Unix(1700000000, 0),
	}

	data := eventData(tracker.Event{Type: tracker.EventDeviceConnected, Data: dev})
	if data["mac"] != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("mac = %v", data["mac"])
	}
	if data["ip"] != "192.168.1.10" {
		t.Errorf("ip = %v", data["ip"])
	}
	if data["name"] != "laptop" {
		t.Errorf("name = %v, want hostname fallback", data["name"])
	}
	if data["online"] != true {
		t.Errorf("online = %v", data["online"])
	}
	if data["last_seen"] != int64(1700000000) {
		t.Errorf("last_seen = %v", data["last_seen"])
	}
}

func TestEventDataRates(t *testing.T) {
	data := eventData(tracker.Event{Type: tracker.EventTransferRates, Data: asuswrt.Rates{RX: 100, TX: 50}})
	if data["rx"] != int64(100) || data["tx"] != int64(50) {
		t.Errorf("rates data = %v", data)
	}
}

func TestEventDataString(t *testing.T) {
	data := eventData(tracker.Event{Type: tracker.EventPollError, Data: "broken pipe"})
	if data["message"] != "broken pipe" {
		t.Errorf("message = %v", data["message"])
	}
}

func TestRunLuaCodeCapturesLogs(t *testing.T) {
	e := newTestEngine()

	res := e.RunLuaCode(`
router.log("first")
system.log("warn", "second")
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 2 {
		t.Fatalf("logs = %v, want 2 entries", res.Logs)
	}
	if res.Logs[0] != "first" {
		t.Errorf("logs[0] = %q", res.Logs[0])
	}
	if res.Logs[1] != "[warn] second" {
		t.Errorf("logs[1] = %q", res.Logs[1])
	}
}

func TestRunLuaCodeSyntaxError(t *testing.T) {
	e := newTestEngine()

	res := e.RunLuaCode(`this is not lua`)
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.Error == "" {
		t.Error("expected error message")
	}
}

func TestRunLuaCodeInvokesHandlers(t *testing.T) {
	e := newTestEngine()

	res := e.RunLuaCode(`
router.on("device_connected", {mac="aa:bb:cc:dd:ee:ff"}, function(event)
    router.log("handler: " .. event.mac)
end)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 {
		t.Fatalf("logs = %v, want 1 entry", res.Logs)
	}
	if !strings.Contains(res.Logs[0], "AA:BB:CC:DD:EE:FF") {
		t.Errorf("logs[0] = %q, want normalized mac", res.Logs[0])
	}
}

func TestRunLuaCodeSandbox(t *testing.T) {
	e := newTestEngine()

	res := e.RunLuaCode(`
if os == nil and io == nil and require == nil then
    router.log("sandboxed")
end
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "sandboxed" {
		t.Errorf("logs = %v, want [sandboxed]", res.Logs)
	}
}

func TestLooksLikeMAC(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"AA:BB:CC:DD:EE:FF", true},
		{"aa:bb:cc:dd:ee:ff", true},
		{"AA-BB-CC-DD-EE-FF", true},
		{"laptop", false},
		{"", false},
		{"AA:BB:CC:DD:EE", false},
		{"GG:BB:CC:DD:EE:FF", false},
	}

	for _, tt := range tests {
		if got := looksLikeMAC(tt.input); got != tt.want {
			t.Errorf("looksLikeMAC(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestCanonicalMAC(t *testing.T) {
	if got := canonicalMAC("aa-bb-cc-dd-ee-ff"); got != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("canonicalMAC = %q", got)
	}
}

func TestDispatchEventSkipsStoppedVM(t *testing.T) {
	e := newTestEngine()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	vm := &scriptVM{
		commands: make(chan func(*lua.LState)),
		ctx:      ctx,
		cancel:   cancel,
		handlers: []luaEventHandler{
			{eventType: tracker.EventDeviceConnected},
			{eventType: tracker.EventDeviceConnected},
		},
	}
	e.vms["stopped"] = vm

	// The VM's command loop has exited, so nothing reads commands. The
	// dispatch must notice the stopped VM and return without blocking
	// or queueing work for it.
	done := make(chan struct{})
	go func() {
		e.dispatchEvent(tracker.Event{Type: tracker.EventDeviceConnected, Data: "gone"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatchEvent blocked on a stopped VM")
	}

	select {
	case <-vm.commands:
		t.Error("command delivered to a stopped VM")
	default:
	}
}
