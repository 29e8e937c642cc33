package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"halo-bridge/internal/avion"
	"halo-bridge/internal/store"
)

// DeviceManager keeps the local registry in step with the cloud inventory
// and turns polled state into property events.
type DeviceManager struct {
	bridge *Bridge
	logger *slog.Logger

	// Serializes sync passes. Concurrent sync requests queue up here
	// instead of interleaving upserts and removals.
	syncMu sync.Mutex

	// Location list and timestamp from the last successful sync.
	locMu     sync.RWMutex
	locations []avion.Location
	lastSync  time.Time

	// Lowercased display name -> registry key, for name targeting from
	// scripts and the CLI. Rebuilt lazily on misses.
	nameMu    sync.RWMutex
	nameIndex map[string]string
}

// NewDeviceManager creates a device manager.
func NewDeviceManager(b *Bridge) *DeviceManager {
	return &DeviceManager{
		bridge:    b,
		logger:    b.logger.With("component", "devices"),
		nameIndex: make(map[string]string),
	}
}

// Sync pulls the account inventory from the cloud and reconciles the local
// registry against it: new devices are created, known ones updated, and
// entries that vanished from the cloud are removed.
func (dm *DeviceManager) Sync(ctx context.Context) error {
	dm.syncMu.Lock()
	defer dm.syncMu.Unlock()

	locations, err := dm.bridge.API().Locations(ctx)
	if err != nil {
		return fmt.Errorf("list locations: %w", err)
	}

	seen := make(map[string]bool)
	for _, loc := range locations {
		devices, err := dm.bridge.API().AbstractDevices(ctx, loc.PID)
		if err != nil {
			return fmt.Errorf("location %d devices: %w", loc.PID, err)
		}
		for _, ad := range devices {
			if !dm.bridge.Catalog().Supported(ad.ProductID) {
				dm.logger.Debug("skipping uncataloged product",
					"pid", ad.PID, "name", ad.Name, "product_id", ad.ProductID)
				continue
			}
			seen[dm.upsert(store.KindLight, ad.PID, ad.Name, loc.PID, ad.ProductID)] = true
		}

		groups, err := dm.bridge.API().Groups(ctx, loc.PID)
		if err != nil {
			return fmt.Errorf("location %d groups: %w", loc.PID, err)
		}
		for _, g := range groups {
			seen[dm.upsert(store.KindGroup, g.PID, g.Name, loc.PID, 0)] = true
		}

		scenes, err := dm.bridge.API().Scenes(ctx, loc.PID)
		if err != nil {
			return fmt.Errorf("location %d scenes: %w", loc.PID, err)
		}
		for _, s := range scenes {
			seen[dm.upsert(store.KindScene, s.PID, s.Name, loc.PID, 0)] = true
		}
	}

	dm.removeStale(seen)

	dm.locMu.Lock()
	dm.locations = locations
	dm.lastSync = time.Now()
	dm.locMu.Unlock()

	dm.rebuildNameIndex()

	dm.logger.Info("cloud sync complete", "locations", len(locations), "devices", len(seen))
	dm.bridge.Events().Emit(Event{
		Type: EventSyncComplete,
		Data: map[string]interface{}{
			"locations": len(locations),
			"devices":   len(seen),
		},
	})

	return nil
}

// upsert creates or updates a registry entry for a cloud inventory item and
// returns its key. Local fields (friendly name, cached properties) survive.
func (dm *DeviceManager) upsert(kind store.Kind, pid int64, name string, locationPID int64, productID int) string {
	key := store.DeviceKey(kind, pid)
	now := time.Now()

	dev, err := dm.bridge.Store().GetDevice(key)
	if err == nil {
		dev.Name = name
		dev.LocationPID = locationPID
		dev.ProductID = productID
		dev.LastSeen = now
		dm.applyCatalog(dev)
		if err := dm.bridge.Store().SaveDevice(dev); err != nil {
			dm.logger.Error("update device", "err", err, "key", key)
		}
		return key
	}
	if !errors.Is(err, store.ErrNotFound) {
		dm.logger.Error("load device", "err", err, "key", key)
		return key
	}

	dev = &store.Device{
		Kind:         kind,
		PID:          pid,
		Name:         name,
		LocationPID:  locationPID,
		ProductID:    productID,
		DiscoveredAt: now,
		LastSeen:     now,
	}
	dm.applyCatalog(dev)
	if err := dm.bridge.Store().SaveDevice(dev); err != nil {
		dm.logger.Error("save device", "err", err, "key", key)
		return key
	}

	dm.logger.Info("device discovered", "key", key, "name", name, "kind", kind)
	dm.bridge.Events().Emit(Event{
		Type: EventDeviceDiscovered,
		Data: map[string]interface{}{
			"key":  key,
			"kind": string(kind),
			"pid":  pid,
			"name": name,
		},
	})

	return key
}

// applyCatalog stamps brand and model from the product catalog onto lights.
func (dm *DeviceManager) applyCatalog(dev *store.Device) {
	if dev.Kind != store.KindLight {
		return
	}
	if p := dm.bridge.Catalog().Lookup(dev.ProductID); p != nil {
		dev.Brand = p.Brand
		dev.Model = p.Model
	}
}

// removeStale deletes registry entries missing from the latest inventory.
func (dm *DeviceManager) removeStale(seen map[string]bool) {
	devices, err := dm.bridge.Store().ListDevices()
	if err != nil {
		dm.logger.Error("list devices", "err", err)
		return
	}
	for _, dev := range devices {
		key := dev.Key()
		if seen[key] {
			continue
		}
		if err := dm.bridge.Store().DeleteDevice(key); err != nil {
			dm.logger.Error("delete device", "err", err, "key", key)
			continue
		}
		dm.logger.Info("device removed", "key", key, "name", dev.DisplayName())
		dm.bridge.Events().Emit(Event{
			Type: EventDeviceRemoved,
			Data: map[string]interface{}{
				"key":  key,
				"kind": string(dev.Kind),
				"pid":  dev.PID,
				"name": dev.DisplayName(),
			},
		})
	}
}

// Refresh reads one device's state from the cloud, persists it, and emits
// property_update events for values that changed.
func (dm *DeviceManager) Refresh(ctx context.Context, key string) error {
	dev, err := dm.bridge.Store().GetDevice(key)
	if err != nil {
		return err
	}

	props, err := dm.fetchState(ctx, dev)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", key, err)
	}

	dm.applyState(dev, avion.ParseState(props))
	return nil
}

// RefreshAll refreshes every registry entry and returns the failure count.
func (dm *DeviceManager) RefreshAll(ctx context.Context) int {
	devices, err := dm.bridge.Store().ListDevices()
	if err != nil {
		dm.logger.Error("list devices", "err", err)
		return 0
	}

	failed := 0
	for _, dev := range devices {
		if ctx.Err() != nil {
			return failed
		}
		if err := dm.Refresh(ctx, dev.Key()); err != nil {
			failed++
			dm.logger.Warn("state refresh failed", "key", dev.Key(), "name", dev.DisplayName(), "err", err)
		}
	}
	return failed
}

func (dm *DeviceManager) fetchState(ctx context.Context, dev *store.Device) ([]avion.Property, error) {
	switch dev.Kind {
	case store.KindLight:
		return dm.bridge.API().DeviceState(ctx, dev.PID)
	case store.KindGroup:
		return dm.bridge.API().GroupState(ctx, dev.PID)
	case store.KindScene:
		return dm.bridge.API().SceneState(ctx, dev.PID)
	default:
		return nil, fmt.Errorf("unknown kind %q", dev.Kind)
	}
}

// applyState merges decoded properties into the registry entry and emits
// property_update events for changed values. Both the poll loop and command
// echoes funnel through here, so optimistic writes and later polls agree.
func (dm *DeviceManager) applyState(dev *store.Device, state map[string]interface{}) {
	if len(state) == 0 {
		return
	}
	key := dev.Key()

	var changed []string
	err := dm.bridge.Store().UpdateDevice(key, func(d *store.Device) error {
		if d.Properties == nil {
			d.Properties = make(map[string]interface{})
		}
		for name, value := range state {
			if !propEqual(d.Properties[name], value) {
				changed = append(changed, name)
			}
			d.Properties[name] = value
		}
		d.Refreshed = true
		d.LastSeen = time.Now()
		return nil
	})
	if err != nil {
		dm.logger.Error("save device state", "err", err, "key", key)
		return
	}
	sort.Strings(changed)

	for _, name := range changed {
		dm.logger.Debug("property update", "key", key, "name", dev.DisplayName(),
			"property", name, "value", state[name])
		dm.bridge.Events().Emit(Event{
			Type: EventPropertyUpdate,
			Data: map[string]interface{}{
				"key":      key,
				"kind":     string(dev.Kind),
				"pid":      dev.PID,
				"property": name,
				"value":    state[name],
			},
		})
	}
}

// propEqual compares a stored property against a freshly decoded one.
// Stored numbers come back as float64 after the JSON round trip.
func propEqual(old, next interface{}) bool {
	if old == nil {
		return false
	}
	of, ook := toFloat(old)
	nf, nok := toFloat(next)
	if ook && nok {
		return of == nf
	}
	return old == next
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Rename sets a device's friendly name.
func (dm *DeviceManager) Rename(key, friendlyName string) (*store.Device, error) {
	var dev *store.Device
	err := dm.bridge.Store().UpdateDevice(key, func(d *store.Device) error {
		d.FriendlyName = friendlyName
		dev = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	dm.rebuildNameIndex()
	dm.logger.Info("device renamed", "key", key, "friendly_name", friendlyName)
	dm.bridge.Events().Emit(Event{
		Type: EventDeviceRenamed,
		Data: map[string]interface{}{
			"key":           key,
			"kind":          string(dev.Kind),
			"pid":           dev.PID,
			"friendly_name": friendlyName,
		},
	})

	return dev, nil
}

// Resolve finds a device by registry key ("light:12"), bare PID (when
// unique across kinds), or name. Names match friendly or cloud names,
// case-insensitively.
func (dm *DeviceManager) Resolve(target string) (*store.Device, error) {
	if dev, err := dm.bridge.Store().GetDevice(target); err == nil {
		return dev, nil
	}

	if key := dm.lookupName(target); key != "" {
		return dm.bridge.Store().GetDevice(key)
	}

	if pid, err := strconv.ParseInt(target, 10, 64); err == nil {
		devices, err := dm.bridge.Store().ListDevices()
		if err != nil {
			return nil, err
		}
		var match *store.Device
		for _, dev := range devices {
			if dev.PID != pid {
				continue
			}
			if match != nil {
				return nil, fmt.Errorf("pid %d is ambiguous, use kind:pid", pid)
			}
			match = dev
		}
		if match != nil {
			return match, nil
		}
	}

	return nil, fmt.Errorf("device %q: %w", target, store.ErrNotFound)
}

// lookupName checks the name index, rebuilding it once on a miss.
func (dm *DeviceManager) lookupName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))

	dm.nameMu.RLock()
	key := dm.nameIndex[n]
	dm.nameMu.RUnlock()
	if key != "" {
		return key
	}

	dm.nameMu.Lock()
	defer dm.nameMu.Unlock()
	if key = dm.nameIndex[n]; key != "" {
		return key
	}
	dm.rebuildNameIndexLocked()
	return dm.nameIndex[n]
}

func (dm *DeviceManager) rebuildNameIndex() {
	dm.nameMu.Lock()
	defer dm.nameMu.Unlock()
	dm.rebuildNameIndexLocked()
}

func (dm *DeviceManager) rebuildNameIndexLocked() {
	devices, err := dm.bridge.Store().ListDevices()
	if err != nil {
		dm.logger.Error("rebuild name index", "err", err)
		return
	}
	clear(dm.nameIndex)
	for _, dev := range devices {
		if dev.Name != "" {
			dm.nameIndex[strings.ToLower(dev.Name)] = dev.Key()
		}
		if dev.FriendlyName != "" {
			dm.nameIndex[strings.ToLower(dev.FriendlyName)] = dev.Key()
		}
	}
}

// Locations returns the location list from the last successful sync.
func (dm *DeviceManager) Locations() []avion.Location {
	dm.locMu.RLock()
	defer dm.locMu.RUnlock()
	out := make([]avion.Location, len(dm.locations))
	copy(out, dm.locations)
	return out
}

// LocationPIDs returns the PIDs of the known locations.
func (dm *DeviceManager) LocationPIDs() []int64 {
	locations := dm.Locations()
	pids := make([]int64, 0, len(locations))
	for _, loc := range locations {
		pids = append(pids, loc.PID)
	}
	return pids
}

// LastSync returns when the inventory was last reconciled.
func (dm *DeviceManager) LastSync() time.Time {
	dm.locMu.RLock()
	defer dm.locMu.RUnlock()
	return dm.lastSync
}
