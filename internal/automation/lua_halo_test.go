//go:build !no_automation

package automation

import (
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func newHaloState(t *testing.T, e *Engine) (*lua.LState, *scriptVM) {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(func() { L.Close() })

	vm := &scriptVM{state: L}
	registerHaloModule(L, vm, e)
	return L, vm
}

func TestHaloOnRegistersHandler(t *testing.T) {
	L, vm := newHaloState(t, newTestEngine())

	code := `halo.on("property_update", {key="group:7", property="dim"}, function(event) end)`
	if err := L.DoString(code); err != nil {
		t.Fatal(err)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) != 1 {
		t.Fatalf("handlers = %d, want 1", len(vm.handlers))
	}
	h := vm.handlers[0]
	if h.eventType != "property_update" {
		t.Errorf("eventType = %q, want property_update", h.eventType)
	}
	if h.key != "group:7" {
		t.Errorf("key = %q, want group:7", h.key)
	}
	if h.property != "dim" {
		t.Errorf("property = %q, want dim", h.property)
	}
}

func TestHaloOnEmptyFilter(t *testing.T) {
	L, vm := newHaloState(t, newTestEngine())

	if err := L.DoString(`halo.on("device_discovered", {}, function(event) end)`); err != nil {
		t.Fatal(err)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) != 1 {
		t.Fatalf("handlers = %d, want 1", len(vm.handlers))
	}
	if h := vm.handlers[0]; h.key != "" || h.property != "" {
		t.Errorf("filters = %q/%q, want empty", h.key, h.property)
	}
}

func TestHaloOnHandlerCap(t *testing.T) {
	L, _ := newHaloState(t, newTestEngine())

	err := L.DoString(`
for i = 1, 101 do
    halo.on("property_update", {}, function(event) end)
end
`)
	if err == nil {
		t.Fatal("expected handler cap error, got nil")
	}
	if !strings.Contains(err.Error(), "too many handlers") {
		t.Errorf("err = %v, want too many handlers", err)
	}
}

func TestHaloGetPropertyUnknownTarget(t *testing.T) {
	L, _ := newHaloState(t, newTestEngine())

	if err := L.DoString(`_v = halo.get_property("no such light", "on_off")`); err != nil {
		t.Fatal(err)
	}
	if v := L.GetGlobal("_v"); v != lua.LNil {
		t.Errorf("get_property = %v, want nil", v)
	}
}

func TestHaloLightsWithoutHub(t *testing.T) {
	L, _ := newHaloState(t, newTestEngine())

	if err := L.DoString(`_n = #halo.lights()`); err != nil {
		t.Fatal(err)
	}
	if n := L.GetGlobal("_n"); n != lua.LNumber(0) {
		t.Errorf("lights count = %v, want 0", n)
	}
}
