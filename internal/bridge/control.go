package bridge

import (
	"context"
	"fmt"

	"halo-bridge/internal/avion"
	"halo-bridge/internal/store"
)

// TurnOn powers a light, group, or scene target on.
func (b *Bridge) TurnOn(ctx context.Context, key string) error {
	return b.writeState(ctx, key, avion.OnOff(true))
}

// TurnOff powers a light, group, or scene target off.
func (b *Bridge) TurnOff(ctx context.Context, key string) error {
	return b.writeState(ctx, key, avion.OnOff(false))
}

// Toggle inverts the last known power state. The cloud has no native
// toggle, so a target with unknown state turns on.
func (b *Bridge) Toggle(ctx context.Context, key string) error {
	dev, err := b.store.GetDevice(key)
	if err != nil {
		return err
	}
	on, _ := avion.PropBool(dev.Properties, avion.PropOnOff)
	return b.write(ctx, dev, avion.OnOff(!on))
}

// SetBrightness writes a dim level (0-255).
func (b *Bridge) SetBrightness(ctx context.Context, key string, level uint8) error {
	return b.writeState(ctx, key, avion.Dim(level))
}

// SetColorTemp writes the white channel in kelvin, clamped to the
// product's tunable range.
func (b *Bridge) SetColorTemp(ctx context.Context, key string, kelvin int) error {
	dev, err := b.store.GetDevice(key)
	if err != nil {
		return err
	}
	min, max := b.catalog.KelvinRange(dev.ProductID)
	return b.write(ctx, dev, avion.White(avion.ClampKelvin(kelvin, min, max)))
}

// ActivateScene recalls a scene.
func (b *Bridge) ActivateScene(ctx context.Context, key string) error {
	return b.setScene(ctx, key, true)
}

// DeactivateScene turns a scene's members back off.
func (b *Bridge) DeactivateScene(ctx context.Context, key string) error {
	return b.setScene(ctx, key, false)
}

func (b *Bridge) setScene(ctx context.Context, key string, active bool) error {
	dev, err := b.store.GetDevice(key)
	if err != nil {
		return err
	}
	if dev.Kind != store.KindScene {
		return fmt.Errorf("%s is not a scene", key)
	}
	if err := b.write(ctx, dev, avion.OnOff(active)); err != nil {
		return err
	}

	b.events.Emit(Event{
		Type: EventSceneActivated,
		Data: map[string]interface{}{
			"key":    key,
			"pid":    dev.PID,
			"name":   dev.DisplayName(),
			"active": active,
		},
	})
	return nil
}

func (b *Bridge) writeState(ctx context.Context, key string, prop avion.Property) error {
	dev, err := b.store.GetDevice(key)
	if err != nil {
		return err
	}
	return b.write(ctx, dev, prop)
}

// write sends one property to the cloud and folds the echoed state back
// into the registry, so readers see the new value before the next poll.
func (b *Bridge) write(ctx context.Context, dev *store.Device, prop avion.Property) error {
	var echo []avion.Property
	var err error
	switch dev.Kind {
	case store.KindLight:
		echo, err = b.api.SetDeviceState(ctx, dev.PID, prop)
	case store.KindGroup:
		echo, err = b.api.SetGroupState(ctx, dev.PID, prop)
	case store.KindScene:
		echo, err = b.api.SetSceneState(ctx, dev.PID, prop)
	default:
		return fmt.Errorf("unknown kind %q", dev.Kind)
	}
	if err != nil {
		return fmt.Errorf("write %s to %s: %w", prop.Name, dev.Key(), err)
	}

	b.logger.Info("state written", "key", dev.Key(), "name", dev.DisplayName(), "property", prop.Name)

	state := avion.ParseState(echo)
	if len(state) == 0 {
		// Empty echo: trust the value we just sent.
		state = avion.ParseState([]avion.Property{prop})
	}
	b.devices.applyState(dev, state)

	return nil
}
