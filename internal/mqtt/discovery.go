//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"halo-bridge/internal/avion"
	"halo-bridge/internal/catalog"
	"halo-bridge/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/light/avion_light_12/light/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic,omitempty"`
	AvailabilityTopic   string   `json:"availability_topic"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	PayloadOn           string   `json:"payload_on,omitempty"`
	PayloadOff          string   `json:"payload_off,omitempty"`
	Icon                string   `json:"icon,omitempty"`
	Brightness          bool     `json:"brightness,omitempty"`
	BrightnessScale     int      `json:"brightness_scale,omitempty"`
	MinMireds           int      `json:"min_mireds,omitempty"`
	MaxMireds           int      `json:"max_mireds,omitempty"`
	SupportedColorModes []string `json:"supported_color_modes,omitempty"`
	Schema              string   `json:"schema,omitempty"`
	Device              haDevice `json:"device"`
}

// nodeID returns the unique identifier for the HA device registry. It is
// built from kind and PID, so it survives renames.
func nodeID(kind store.Kind, pid int64) string {
	return fmt.Sprintf("avion_%s_%d", kind, pid)
}

// sanitizeName lowercases a name and keeps only MQTT-topic-safe characters.
func sanitizeName(name string) string {
	name = strings.ToLower(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

// deviceTopicName returns the topic segment for a device (its display name,
// falling back to kind_pid).
func deviceTopicName(dev *store.Device) string {
	if name := dev.DisplayName(); name != dev.Key() {
		return sanitizeName(name)
	}
	return fmt.Sprintf("%s_%d", dev.Kind, dev.PID)
}

// buildDiscovery generates HA discovery messages for a refreshed device.
// Lights and groups become light entities with brightness and color
// temperature; scenes become switches.
func buildDiscovery(dev *store.Device, prefix string, cat *catalog.Catalog) []discoveryMsg {
	if !dev.Refreshed {
		return nil
	}

	id := nodeID(dev.Kind, dev.PID)
	displayName := dev.DisplayName()
	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + deviceTopicName(dev)
	cmdTopic := stateTopic + "/set"

	haDev := haDevice{
		Identifiers:  []string{id},
		Manufacturer: dev.Brand,
		Model:        dev.Model,
		Name:         displayName,
	}
	if dev.Kind == store.KindGroup {
		haDev.Model = "Light Group"
	}

	switch dev.Kind {
	case store.KindLight, store.KindGroup:
		minKelvin, maxKelvin := cat.KelvinRange(dev.ProductID)
		payload := haDiscovery{
			Name:              displayName,
			UniqueID:          id + "_light",
			StateTopic:        stateTopic,
			CommandTopic:      cmdTopic,
			AvailabilityTopic: avail,
			Brightness:        true,
			BrightnessScale:   255,
			// Mireds invert the kelvin range.
			MinMireds:           avion.MiredFromKelvin(maxKelvin),
			MaxMireds:           avion.MiredFromKelvin(minKelvin),
			SupportedColorModes: []string{"color_temp"},
			Schema:              "json",
			Device:              haDev,
		}
		topic := fmt.Sprintf("homeassistant/light/%s/light/config", id)
		return []discoveryMsg{{Topic: topic, Payload: mustJSON(payload)}}

	case store.KindScene:
		payload := haDiscovery{
			Name:              displayName,
			UniqueID:          id + "_scene",
			StateTopic:        stateTopic,
			CommandTopic:      cmdTopic,
			AvailabilityTopic: avail,
			ValueTemplate:     "{{ value_json.state }}",
			PayloadOn:         "ON",
			PayloadOff:        "OFF",
			Icon:              "mdi:palette",
			Device:            haDev,
		}
		topic := fmt.Sprintf("homeassistant/switch/%s/scene/config", id)
		return []discoveryMsg{{Topic: topic, Payload: mustJSON(payload)}}
	}

	return nil
}

// buildRemoveDiscovery generates empty retained messages to remove a device
// from HA.
func buildRemoveDiscovery(kind store.Kind, pid int64) []discoveryMsg {
	id := nodeID(kind, pid)

	components := []struct{ comp, obj string }{
		{"light", "light"},
		{"switch", "scene"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, id, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
