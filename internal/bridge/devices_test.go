package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"halo-bridge/internal/avion"
	"halo-bridge/internal/store"
)

func TestSyncDiscoversInventory(t *testing.T) {
	b, _, ms := newTestBridge(t)

	var discovered []string
	b.Events().On(EventDeviceDiscovered, func(e Event) {
		data := e.Data.(map[string]interface{})
		discovered = append(discovered, data["key"].(string))
	})

	if err := b.Devices().Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	list, err := ms.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 4 {
		t.Fatalf("registry has %d devices, want 4", len(list))
	}
	if len(discovered) != 4 {
		t.Errorf("discovered events = %d, want 4", len(discovered))
	}

	// Smart plug is product 501, not in the catalog.
	if _, err := ms.GetDevice("light:99"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("uncataloged product registered, err = %v", err)
	}

	dev, err := ms.GetDevice("light:12")
	if err != nil {
		t.Fatal(err)
	}
	if dev.Brand != "HALO Home" || dev.Model != "RL56 Series Downlight" {
		t.Errorf("catalog fields = %q/%q", dev.Brand, dev.Model)
	}
	if dev.LocationPID != 2718 {
		t.Errorf("location = %d, want 2718", dev.LocationPID)
	}

	locs := b.Devices().Locations()
	if len(locs) != 1 || locs[0].Name != "Home" {
		t.Errorf("locations = %v", locs)
	}
	if b.Devices().LastSync().IsZero() {
		t.Error("last sync not recorded")
	}
}

func TestSyncSecondRunIsQuiet(t *testing.T) {
	b, _, _ := newTestBridge(t)

	count := 0
	b.Events().On(EventDeviceDiscovered, func(e Event) { count++ })

	if err := b.Devices().Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := b.Devices().Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	if count != 4 {
		t.Errorf("discovered events = %d, want 4 (no re-discovery)", count)
	}
}

func TestSyncRemovesStale(t *testing.T) {
	b, api, ms := newTestBridge(t)

	if err := b.Devices().Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	var removed []string
	b.Events().On(EventDeviceRemoved, func(e Event) {
		data := e.Data.(map[string]interface{})
		removed = append(removed, data["key"].(string))
	})

	// Hallway disappears from the cloud inventory.
	api.mu.Lock()
	api.devices[2718] = []avion.AbstractDevice{
		{PID: 12, Name: "Kitchen Main", ProductID: 162},
	}
	api.mu.Unlock()

	if err := b.Devices().Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := ms.GetDevice("light:13"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stale device still present, err = %v", err)
	}
	if len(removed) != 1 || removed[0] != "light:13" {
		t.Errorf("removed events = %v, want [light:13]", removed)
	}
}

func TestSyncPreservesLocalFields(t *testing.T) {
	b, api, ms := newTestBridge(t)

	if err := b.Devices().Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Devices().Rename("light:12", "Island Lights"); err != nil {
		t.Fatal(err)
	}
	if err := b.Devices().Refresh(context.Background(), "light:12"); err != nil {
		t.Fatal(err)
	}

	// Cloud rename must not clobber the friendly name or cached state.
	api.mu.Lock()
	api.devices[2718][0].Name = "Kitchen Primary"
	api.mu.Unlock()

	if err := b.Devices().Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	dev, err := ms.GetDevice("light:12")
	if err != nil {
		t.Fatal(err)
	}
	if dev.Name != "Kitchen Primary" {
		t.Errorf("name = %q, want Kitchen Primary", dev.Name)
	}
	if dev.FriendlyName != "Island Lights" {
		t.Errorf("friendly name = %q, want Island Lights", dev.FriendlyName)
	}
	if len(dev.Properties) == 0 {
		t.Error("cached properties lost on sync")
	}
	if !dev.Refreshed {
		t.Error("refreshed flag lost on sync")
	}
}

func TestRefreshEmitsPropertyUpdates(t *testing.T) {
	b, api, ms := newTestBridge(t)

	if err := b.Devices().Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	type update struct {
		property string
		value    interface{}
	}
	var updates []update
	b.Events().On(EventPropertyUpdate, func(e Event) {
		data := e.Data.(map[string]interface{})
		if data["key"] != "light:12" {
			return
		}
		updates = append(updates, update{data["property"].(string), data["value"]})
	})

	if err := b.Devices().Refresh(context.Background(), "light:12"); err != nil {
		t.Fatal(err)
	}

	if len(updates) != 3 {
		t.Fatalf("first refresh emitted %d updates, want 3: %v", len(updates), updates)
	}

	dev, err := ms.GetDevice("light:12")
	if err != nil {
		t.Fatal(err)
	}
	if on, _ := avion.PropBool(dev.Properties, avion.PropOnOff); !on {
		t.Error("on_off not cached as true")
	}
	if dim, _ := avion.PropInt(dev.Properties, avion.PropDim); dim != 200 {
		t.Errorf("dim = %d, want 200", dim)
	}
	if white, _ := avion.PropInt(dev.Properties, avion.PropWhite); white != 3500 {
		t.Errorf("white = %d, want 3500", white)
	}

	// Identical state: no further events.
	updates = nil
	if err := b.Devices().Refresh(context.Background(), "light:12"); err != nil {
		t.Fatal(err)
	}
	if len(updates) != 0 {
		t.Errorf("unchanged refresh emitted %v", updates)
	}

	// One property changes.
	api.mu.Lock()
	api.states["devices/12"] = []avion.Property{
		{Name: "on_off", Value: json.RawMessage(`"[1]"`)},
		{Name: "dim", Value: json.RawMessage(`"[128]"`)},
		{Name: "white", Value: json.RawMessage(`"[180]"`), Humanized: json.RawMessage(`3500`)},
	}
	api.mu.Unlock()

	if err := b.Devices().Refresh(context.Background(), "light:12"); err != nil {
		t.Fatal(err)
	}
	if len(updates) != 1 || updates[0].property != "dim" {
		t.Fatalf("changed refresh emitted %v, want one dim update", updates)
	}
}

func TestRefreshUnknownDevice(t *testing.T) {
	b, _, _ := newTestBridge(t)

	err := b.Devices().Refresh(context.Background(), "light:777")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRefreshAllCountsFailures(t *testing.T) {
	b, _, ms := newTestBridge(t)

	if err := b.Devices().Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	if failed := b.Devices().RefreshAll(context.Background()); failed != 0 {
		t.Errorf("failed = %d, want 0", failed)
	}

	// A device with an unknown kind cannot be fetched.
	if err := ms.SaveDevice(&store.Device{Kind: "plug", PID: 55, Name: "Bad"}); err != nil {
		t.Fatal(err)
	}
	if failed := b.Devices().RefreshAll(context.Background()); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
}

func TestResolve(t *testing.T) {
	b, _, ms := newTestBridge(t)

	if err := b.Devices().Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		target  string
		wantKey string
	}{
		{"by key", "light:12", "light:12"},
		{"by cloud name", "Kitchen Main", "light:12"},
		{"case insensitive", "kitchen main", "light:12"},
		{"group by name", "kitchen", "group:32896"},
		{"scene by name", "movie night", "scene:4"},
		{"bare pid", "13", "light:13"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, err := b.Devices().Resolve(tt.target)
			if err != nil {
				t.Fatalf("Resolve(%q) error = %v", tt.target, err)
			}
			if dev.Key() != tt.wantKey {
				t.Errorf("Resolve(%q) = %q, want %q", tt.target, dev.Key(), tt.wantKey)
			}
		})
	}

	if _, err := b.Devices().Resolve("does not exist"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown target err = %v, want ErrNotFound", err)
	}

	// A scene sharing PID 13 makes the bare number ambiguous.
	if err := ms.SaveDevice(&store.Device{Kind: store.KindScene, PID: 13, Name: "Conflict"}); err != nil {
		t.Fatal(err)
	}
	_, err := b.Devices().Resolve("13")
	if err == nil || !strings.Contains(err.Error(), "ambiguous") {
		t.Errorf("ambiguous pid err = %v", err)
	}
}

func TestRename(t *testing.T) {
	b, _, _ := newTestBridge(t)

	if err := b.Devices().Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	var renamed map[string]interface{}
	b.Events().On(EventDeviceRenamed, func(e Event) {
		renamed = e.Data.(map[string]interface{})
	})

	dev, err := b.Devices().Rename("light:13", "Front Hall")
	if err != nil {
		t.Fatal(err)
	}
	if dev.DisplayName() != "Front Hall" {
		t.Errorf("display name = %q, want Front Hall", dev.DisplayName())
	}
	if renamed == nil || renamed["friendly_name"] != "Front Hall" {
		t.Errorf("rename event = %v", renamed)
	}

	// Both names resolve afterwards.
	if d, err := b.Devices().Resolve("front hall"); err != nil || d.Key() != "light:13" {
		t.Errorf("resolve by friendly name: %v, %v", d, err)
	}
	if d, err := b.Devices().Resolve("hallway"); err != nil || d.Key() != "light:13" {
		t.Errorf("resolve by cloud name: %v, %v", d, err)
	}
}

func TestRenameUnknownDevice(t *testing.T) {
	b, _, _ := newTestBridge(t)

	_, err := b.Devices().Rename("light:777", "Ghost")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
