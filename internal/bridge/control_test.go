package bridge

import (
	"context"
	"errors"
	"testing"

	"halo-bridge/internal/avion"
)

func TestTurnOnWritesOnOff(t *testing.T) {
	b, api, ms := newTestBridge(t)
	ctx := context.Background()

	if err := b.Devices().Sync(ctx); err != nil {
		t.Fatal(err)
	}

	var updates []string
	b.Events().On(EventPropertyUpdate, func(e Event) {
		data := e.Data.(map[string]interface{})
		updates = append(updates, data["property"].(string))
	})

	if err := b.TurnOn(ctx, "light:13"); err != nil {
		t.Fatal(err)
	}

	w := api.lastWrite(t)
	if w.collection != "devices" || w.pid != 13 {
		t.Errorf("write went to %s/%d, want devices/13", w.collection, w.pid)
	}
	if w.prop.Name != avion.PropOnOff {
		t.Errorf("property = %q, want on_off", w.prop.Name)
	}
	if string(w.prop.Value) != `"[1]"` {
		t.Errorf("value = %s, want \"[1]\"", w.prop.Value)
	}

	// The echo is folded into the registry before the next poll.
	dev, err := ms.GetDevice("light:13")
	if err != nil {
		t.Fatal(err)
	}
	if on, ok := avion.PropBool(dev.Properties, avion.PropOnOff); !ok || !on {
		t.Errorf("cached on_off = %v/%v, want true", on, ok)
	}
	if len(updates) != 1 || updates[0] != "on_off" {
		t.Errorf("updates = %v, want [on_off]", updates)
	}
}

func TestTurnOffWritesZero(t *testing.T) {
	b, api, _ := newTestBridge(t)
	ctx := context.Background()

	if err := b.Devices().Sync(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.TurnOff(ctx, "light:12"); err != nil {
		t.Fatal(err)
	}

	w := api.lastWrite(t)
	if string(w.prop.Value) != `"[0]"` {
		t.Errorf("value = %s, want \"[0]\"", w.prop.Value)
	}
}

func TestToggle(t *testing.T) {
	b, api, _ := newTestBridge(t)
	ctx := context.Background()

	if err := b.Devices().Sync(ctx); err != nil {
		t.Fatal(err)
	}

	// Unknown state toggles on.
	if err := b.Toggle(ctx, "light:12"); err != nil {
		t.Fatal(err)
	}
	if w := api.lastWrite(t); string(w.prop.Value) != `"[1]"` {
		t.Errorf("first toggle = %s, want \"[1]\"", w.prop.Value)
	}

	// The echo made the cached state true, so the next toggle turns off.
	if err := b.Toggle(ctx, "light:12"); err != nil {
		t.Fatal(err)
	}
	if w := api.lastWrite(t); string(w.prop.Value) != `"[0]"` {
		t.Errorf("second toggle = %s, want \"[0]\"", w.prop.Value)
	}
}

func TestSetBrightnessRoutesGroups(t *testing.T) {
	b, api, _ := newTestBridge(t)
	ctx := context.Background()

	if err := b.Devices().Sync(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.SetBrightness(ctx, "group:32896", 128); err != nil {
		t.Fatal(err)
	}

	w := api.lastWrite(t)
	if w.collection != "groups" || w.pid != 32896 {
		t.Errorf("write went to %s/%d, want groups/32896", w.collection, w.pid)
	}
	if w.prop.Name != avion.PropDim || string(w.prop.Value) != `"[128]"` {
		t.Errorf("wrote %s=%s, want dim=\"[128]\"", w.prop.Name, w.prop.Value)
	}
}

func TestSetColorTempClampsToProduct(t *testing.T) {
	b, api, ms := newTestBridge(t)
	ctx := context.Background()

	if err := b.Devices().Sync(ctx); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		kelvin int
		want   string
	}{
		{"above range", 9000, "5000"},
		{"below range", 1000, "2700"},
		{"in range", 3500, "3500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := b.SetColorTemp(ctx, "light:12", tt.kelvin); err != nil {
				t.Fatal(err)
			}
			w := api.lastWrite(t)
			if w.prop.Name != avion.PropWhite {
				t.Errorf("property = %q, want white", w.prop.Name)
			}
			if string(w.prop.Value) != tt.want {
				t.Errorf("value = %s, want %s", w.prop.Value, tt.want)
			}
		})
	}

	dev, err := ms.GetDevice("light:12")
	if err != nil {
		t.Fatal(err)
	}
	if white, _ := avion.PropInt(dev.Properties, avion.PropWhite); white != 3500 {
		t.Errorf("cached white = %d, want 3500", white)
	}
}

func TestActivateScene(t *testing.T) {
	b, api, _ := newTestBridge(t)
	ctx := context.Background()

	if err := b.Devices().Sync(ctx); err != nil {
		t.Fatal(err)
	}

	var activated map[string]interface{}
	b.Events().On(EventSceneActivated, func(e Event) {
		activated = e.Data.(map[string]interface{})
	})

	if err := b.ActivateScene(ctx, "scene:4"); err != nil {
		t.Fatal(err)
	}

	w := api.lastWrite(t)
	if w.collection != "scenes" || w.pid != 4 {
		t.Errorf("write went to %s/%d, want scenes/4", w.collection, w.pid)
	}
	if string(w.prop.Value) != `"[1]"` {
		t.Errorf("value = %s, want \"[1]\"", w.prop.Value)
	}
	if activated == nil || activated["active"] != true {
		t.Errorf("scene event = %v", activated)
	}

	if err := b.DeactivateScene(ctx, "scene:4"); err != nil {
		t.Fatal(err)
	}
	if w := api.lastWrite(t); string(w.prop.Value) != `"[0]"` {
		t.Errorf("deactivate value = %s, want \"[0]\"", w.prop.Value)
	}
	if activated["active"] != false {
		t.Errorf("deactivate event = %v", activated)
	}
}

func TestActivateSceneRejectsNonScenes(t *testing.T) {
	b, _, _ := newTestBridge(t)
	ctx := context.Background()

	if err := b.Devices().Sync(ctx); err != nil {
		t.Fatal(err)
	}

	if err := b.ActivateScene(ctx, "light:12"); err == nil {
		t.Error("expected error for non-scene target")
	}
}

func TestWriteErrorLeavesCacheAlone(t *testing.T) {
	b, api, ms := newTestBridge(t)
	ctx := context.Background()

	if err := b.Devices().Sync(ctx); err != nil {
		t.Fatal(err)
	}

	wantErr := errors.New("cloud down")
	api.mu.Lock()
	api.writeErr = wantErr
	api.mu.Unlock()

	err := b.TurnOn(ctx, "light:13")
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapped cloud down", err)
	}

	dev, err := ms.GetDevice("light:13")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := avion.PropBool(dev.Properties, avion.PropOnOff); ok {
		t.Error("failed write still updated the cache")
	}
}
