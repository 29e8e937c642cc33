// Package bridge runs the hub core. It keeps the local device registry in
// step with the Avi-on cloud inventory, polls device state, and fans change
// events out to the MQTT, web, and automation layers.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"halo-bridge/internal/avion"
	"halo-bridge/internal/catalog"
	"halo-bridge/internal/store"
)

// Config holds bridge configuration.
type Config struct {
	Email        string
	PollInterval time.Duration
	SyncInterval time.Duration
}

// Bridge is the central hub component.
type Bridge struct {
	api     avion.API
	store   store.Store
	catalog *catalog.Catalog
	events  *EventBus
	devices *DeviceManager
	poller  *Poller
	logger  *slog.Logger
	config  Config

	ctx    context.Context
	cancel context.CancelFunc

	startedAt time.Time
}

// New creates a bridge around an authenticated-or-not cloud client.
func New(api avion.API, st store.Store, cat *catalog.Catalog, events *EventBus, config Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())

	b := &Bridge{
		api:     api,
		store:   st,
		catalog: cat,
		events:  events,
		logger:  logger,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
	}

	b.devices = NewDeviceManager(b)
	b.poller = NewPoller(b, config.PollInterval, config.SyncInterval)

	return b
}

// API returns the cloud client.
func (b *Bridge) API() avion.API {
	return b.api
}

// Store returns the persistent store.
func (b *Bridge) Store() store.Store {
	return b.store
}

// Catalog returns the product catalog.
func (b *Bridge) Catalog() *catalog.Catalog {
	return b.catalog
}

// Events returns the event bus.
func (b *Bridge) Events() *EventBus {
	return b.events
}

// Devices returns the device manager.
func (b *Bridge) Devices() *DeviceManager {
	return b.devices
}

// Poller returns the refresh scheduler.
func (b *Bridge) Poller() *Poller {
	return b.poller
}

// Context returns the bridge's context, cancelled on Stop.
func (b *Bridge) Context() context.Context {
	return b.ctx
}

// Start signs in to the cloud, loads the device inventory, and launches the
// poll loop. A session token persisted by a previous run is reused when it
// belongs to the configured account; the client re-authenticates on its own
// if the cloud rejects it.
func (b *Bridge) Start(ctx context.Context) error {
	b.startedAt = time.Now()

	b.seedSession()
	if b.api.Token() == "" {
		if err := b.api.Authenticate(ctx); err != nil {
			return fmt.Errorf("cloud login: %w", err)
		}
	}

	if err := b.devices.Sync(ctx); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}
	if failed := b.devices.RefreshAll(ctx); failed > 0 {
		b.logger.Warn("initial refresh incomplete", "failed", failed)
	}

	b.saveSession()
	b.poller.Start(b.ctx)

	b.logger.Info("bridge started", "email", b.config.Email,
		"poll_interval", b.config.PollInterval, "sync_interval", b.config.SyncInterval)
	b.events.Emit(Event{Type: EventBridgeState, Data: "online"})

	return nil
}

// Stop shuts down the bridge.
func (b *Bridge) Stop() {
	b.logger.Info("stopping bridge")
	b.events.Emit(Event{Type: EventBridgeState, Data: "offline"})
	b.cancel()
	b.poller.Stop()
	b.logger.Info("bridge stopped")
}

// seedSession loads a persisted session token into the client when it
// matches the configured account, avoiding a fresh login on every restart.
func (b *Bridge) seedSession() {
	sess, err := b.store.GetSession()
	if err != nil {
		return
	}
	if sess.Email != b.config.Email || sess.AuthToken == "" {
		return
	}
	b.api.SetToken(sess.AuthToken)
	b.logger.Info("resuming persisted cloud session", "email", sess.Email)
}

// saveSession persists the current token and location list so the next run
// can skip the login round trip.
func (b *Bridge) saveSession() {
	sess := &store.Session{
		Email:        b.config.Email,
		AuthToken:    b.api.Token(),
		LocationPIDs: b.devices.LocationPIDs(),
		UpdatedAt:    time.Now(),
	}
	if err := b.store.SaveSession(sess); err != nil {
		b.logger.Error("save session", "err", err)
	}
}

// AccountInfo returns account and inventory information for status surfaces.
func (b *Bridge) AccountInfo() map[string]interface{} {
	counts := map[string]int{}
	devices, err := b.store.ListDevices()
	if err == nil {
		for _, dev := range devices {
			counts[string(dev.Kind)]++
		}
	}

	locations := b.devices.Locations()
	locs := make([]map[string]interface{}, 0, len(locations))
	for _, loc := range locations {
		locs = append(locs, map[string]interface{}{
			"pid":  loc.PID,
			"name": loc.Name,
		})
	}

	return map[string]interface{}{
		"email":         b.config.Email,
		"locations":     locs,
		"lights":        counts[string(store.KindLight)],
		"groups":        counts[string(store.KindGroup)],
		"scenes":        counts[string(store.KindScene)],
		"last_sync":     b.devices.LastSync().Format(time.RFC3339),
		"poll_interval": b.config.PollInterval.String(),
		"sync_interval": b.config.SyncInterval.String(),
		"uptime":        time.Since(b.startedAt).Round(time.Second).String(),
	}
}
