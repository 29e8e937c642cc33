//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"halo-bridge/internal/avion"
	"halo-bridge/internal/bridge"
	"halo-bridge/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects the hub to MQTT with HA autodiscovery.
type Bridge struct {
	client pahomqtt.Client
	hub    *bridge.Bridge
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	// Per-device state accumulator, keyed by registry key.
	mu     sync.Mutex
	states map[string]map[string]any

	// Track pending delayed discovery goroutines per key to avoid duplicates.
	pendingDiscovery map[string]context.CancelFunc
	discoveryGen     map[string]uint64
	nextDiscGen      uint64
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(hub *bridge.Bridge, cfg Config, logger *slog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		hub:              hub,
		prefix:           cfg.TopicPrefix,
		logger:           logger.With("component", "mqtt"),
		states:           make(map[string]map[string]any),
		pendingDiscovery: make(map[string]context.CancelFunc),
		discoveryGen:     make(map[string]uint64),
		ctx:              ctx,
		cancel:           cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("halo-bridge").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to hub events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.hub.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event bridge.Event) {
	switch event.Type {
	case bridge.EventPropertyUpdate:
		b.handlePropertyUpdate(event)
	case bridge.EventDeviceDiscovered:
		// Publish discovery after the first state refresh lands.
		go b.delayedDiscovery(event)
	case bridge.EventDeviceRenamed:
		b.handleDeviceRenamed(event)
	case bridge.EventDeviceRemoved:
		b.handleDeviceRemoved(event)
	}
}

func (b *Bridge) handlePropertyUpdate(event bridge.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	key, _ := data["key"].(string)
	prop, _ := data["property"].(string)
	if key == "" || prop == "" {
		return
	}

	b.updateAndPublishState(key, translateProperty(prop, data["value"]))
}

// translateProperty maps a cloud property to HA state payload fields.
func translateProperty(prop string, value any) map[string]any {
	switch prop {
	case avion.PropOnOff:
		if on, ok := value.(bool); ok {
			if on {
				return map[string]any{"state": "ON"}
			}
			return map[string]any{"state": "OFF"}
		}
	case avion.PropDim:
		if dim, ok := toFloat64(value); ok {
			return map[string]any{"brightness": int(dim)}
		}
	case avion.PropWhite:
		if kelvin, ok := toFloat64(value); ok {
			// HA JSON lights speak mireds; keep kelvin alongside for
			// dashboards and scripts.
			return map[string]any{
				"color_temp":        avion.MiredFromKelvin(int(kelvin)),
				"color_temp_kelvin": int(kelvin),
			}
		}
	}
	return map[string]any{prop: value}
}

func (b *Bridge) updateAndPublishState(key string, fields map[string]any) {
	dev, err := b.hub.Store().GetDevice(key)
	if err != nil {
		return
	}

	b.mu.Lock()
	state, ok := b.states[key]
	if !ok {
		state = make(map[string]any)
		b.states[key] = state
	}
	for k, v := range fields {
		state[k] = v
	}
	state["last_seen"] = dev.LastSeen.Format(time.RFC3339)
	payload := mustJSON(state)
	b.mu.Unlock()

	topic := b.prefix + "/" + deviceTopicName(dev)
	b.publish(topic, payload, true)
}

// republishState pushes the accumulated state to a freshly named topic.
func (b *Bridge) republishState(key string) {
	b.mu.Lock()
	state := b.states[key]
	var payload []byte
	if state != nil {
		payload = mustJSON(state)
	}
	b.mu.Unlock()
	if payload == nil {
		return
	}

	dev, err := b.hub.Store().GetDevice(key)
	if err != nil {
		return
	}
	b.publish(b.prefix+"/"+deviceTopicName(dev), payload, true)
}

func (b *Bridge) handleDeviceRenamed(event bridge.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	key, _ := data["key"].(string)
	if key == "" {
		return
	}

	dev, err := b.hub.Store().GetDevice(key)
	if err != nil {
		return
	}

	// The discovery topic is keyed by kind and PID, so republishing
	// overwrites the retained config with the new state topic.
	b.publishDeviceDiscovery(dev)
	b.subscribeDeviceCommands(dev)
	b.republishState(key)
}

func (b *Bridge) handleDeviceRemoved(event bridge.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	key, _ := data["key"].(string)
	kind, _ := data["kind"].(string)
	pid, _ := toFloat64(data["pid"])
	name, _ := data["name"].(string)
	if key == "" || kind == "" {
		return
	}

	for _, msg := range buildRemoveDiscovery(store.Kind(kind), int64(pid)) {
		b.publish(msg.Topic, msg.Payload, true)
	}

	// Clear the retained state topic and the accumulator.
	if name != "" {
		b.publish(b.prefix+"/"+sanitizeName(name), nil, true)
	}
	b.mu.Lock()
	delete(b.states, key)
	b.mu.Unlock()
}

func (b *Bridge) delayedDiscovery(event bridge.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	key, _ := data["key"].(string)
	if key == "" {
		return
	}

	// Cancel any previous delayed discovery for this device.
	discCtx, discCancel := context.WithCancel(b.ctx)
	b.mu.Lock()
	if prev, ok := b.pendingDiscovery[key]; ok {
		prev()
	}
	b.nextDiscGen++
	gen := b.nextDiscGen
	b.pendingDiscovery[key] = discCancel
	b.discoveryGen[key] = gen
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.discoveryGen[key] == gen {
			delete(b.pendingDiscovery, key)
			delete(b.discoveryGen, key)
		}
		b.mu.Unlock()
		discCancel()
	}()

	// Fast path: the initial refresh may have landed already.
	if dev, err := b.hub.Store().GetDevice(key); err == nil && dev.Refreshed {
		b.publishDeviceDiscovery(dev)
		b.subscribeDeviceCommands(dev)
		return
	}

	// Wait for the first refresh (up to 3 minutes, checking periodically).
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for i := 0; i < 36; i++ {
		select {
		case <-ticker.C:
		case <-discCtx.Done():
			return
		}
		dev, err := b.hub.Store().GetDevice(key)
		if err != nil {
			return
		}
		if dev.Refreshed {
			b.publishDeviceDiscovery(dev)
			b.subscribeDeviceCommands(dev)
			return
		}
	}
}

func (b *Bridge) publishBridgeState(state string) {
	topic := b.prefix + "/bridge/state"
	b.publish(topic, []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	devices, err := b.hub.Store().ListDevices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, dev := range devices {
		if dev.Refreshed {
			b.publishDeviceDiscovery(dev)
		}
	}
}

func (b *Bridge) publishDeviceDiscovery(dev *store.Device) {
	for _, msg := range buildDiscovery(dev, b.prefix, b.hub.Catalog()) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "key", dev.Key(), "name", dev.DisplayName())
}

func (b *Bridge) subscribeCommands() {
	devices, err := b.hub.Store().ListDevices()
	if err != nil {
		b.logger.Error("list devices for command subscription", "err", err)
		return
	}
	for _, dev := range devices {
		if !dev.Refreshed {
			continue
		}
		b.subscribeDeviceCommands(dev)
	}
}

func (b *Bridge) subscribeDeviceCommands(dev *store.Device) {
	topic := b.prefix + "/" + deviceTopicName(dev) + "/set"
	key := dev.Key()
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(key, msg.Payload())
	})
}

func (b *Bridge) handleCommand(key string, payload []byte) {
	var cmd map[string]interface{}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "key", key, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.hub.Context(), 10*time.Second)
	defer cancel()

	// Handle state command (ON/OFF/TOGGLE). The hub updates the registry
	// and emits property_update, which flows back to the state topic.
	if state, ok := cmd["state"].(string); ok {
		var err error
		switch strings.ToUpper(state) {
		case "ON":
			err = b.hub.TurnOn(ctx, key)
		case "OFF":
			err = b.hub.TurnOff(ctx, key)
		case "TOGGLE":
			err = b.hub.Toggle(ctx, key)
		}
		if err != nil {
			b.logger.Warn("state command failed", "key", key, "err", err)
		}
	}

	// Handle brightness command.
	if brightness, ok := toFloat64(cmd["brightness"]); ok {
		level := brightness
		if level > 255 {
			level = 255
		}
		if level < 0 {
			level = 0
		}
		if err := b.hub.SetBrightness(ctx, key, uint8(level)); err != nil {
			b.logger.Warn("brightness command failed", "key", key, "err", err)
		}
	}

	// Handle color temperature, in mireds (HA JSON schema) or kelvin.
	if mireds, ok := toFloat64(cmd["color_temp"]); ok {
		if err := b.hub.SetColorTemp(ctx, key, avion.KelvinFromMired(int(mireds))); err != nil {
			b.logger.Warn("color temp command failed", "key", key, "err", err)
		}
	} else if kelvin, ok := toFloat64(cmd["color_temp_kelvin"]); ok {
		if err := b.hub.SetColorTemp(ctx, key, int(kelvin)); err != nil {
			b.logger.Warn("color temp command failed", "key", key, "err", err)
		}
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	default:
		return 0, false
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
