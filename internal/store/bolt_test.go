package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{
		Kind:        KindLight,
		PID:         12,
		Name:        "Kitchen 1",
		LocationPID: 2718,
		ProductID:   162,
		Brand:       "HALO Home",
		Model:       "RL56",
		Refreshed:   true,
		Properties: map[string]any{
			"on_off": true,
			"dim":    128,
			"white":  3500,
		},
		DiscoveredAt: time.Now().Truncate(time.Millisecond),
		LastSeen:     time.Now().Truncate(time.Millisecond),
	}

	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice(dev.Key())
	if err != nil {
		t.Fatal(err)
	}

	if got.Kind != KindLight {
		t.Errorf("kind = %q, want %q", got.Kind, KindLight)
	}
	if got.PID != dev.PID {
		t.Errorf("pid = %d, want %d", got.PID, dev.PID)
	}
	if got.Name != dev.Name {
		t.Errorf("name = %q, want %q", got.Name, dev.Name)
	}
	if got.ProductID != 162 {
		t.Errorf("product_id = %d, want 162", got.ProductID)
	}
	if !got.Refreshed {
		t.Error("refreshed = false, want true")
	}
	if on, _ := got.Properties["on_off"].(bool); !on {
		t.Error("on_off property lost in round trip")
	}
	// Numeric properties come back as float64 after the JSON round trip.
	if dim, _ := got.Properties["dim"].(float64); dim != 128 {
		t.Errorf("dim = %v, want 128", got.Properties["dim"])
	}
}

func TestDeviceKey(t *testing.T) {
	dev := &Device{Kind: KindGroup, PID: 32896}
	if got := dev.Key(); got != "group:32896" {
		t.Errorf("key = %q, want %q", got, "group:32896")
	}
	if got := DeviceKey(KindScene, 4); got != "scene:4" {
		t.Errorf("key = %q, want %q", got, "scene:4")
	}
}

func TestKeysDoNotCollideAcrossKinds(t *testing.T) {
	s := newTestStore(t)

	light := &Device{Kind: KindLight, PID: 7, Name: "Light"}
	group := &Device{Kind: KindGroup, PID: 7, Name: "Group"}
	for _, d := range []*Device{light, group} {
		if err := s.SaveDevice(d); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetDevice("group:7")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Group" {
		t.Errorf("name = %q, want %q", got.Name, "Group")
	}

	list, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("list count = %d, want 2", len(list))
	}
}

func TestDeleteDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{Kind: KindLight, PID: 12}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDevice(dev.Key()); err != nil {
		t.Fatal(err)
	}

	_, err := s.GetDevice(dev.Key())
	if err == nil {
		t.Fatal("expected error after delete, got nil")
	}
}

func TestListDevices(t *testing.T) {
	s := newTestStore(t)

	devs := []*Device{
		{Kind: KindLight, PID: 1},
		{Kind: KindLight, PID: 2},
		{Kind: KindScene, PID: 3},
	}
	for _, d := range devs {
		if err := s.SaveDevice(d); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}

	// Verify all entries present.
	found := make(map[string]bool)
	for _, d := range list {
		found[d.Key()] = true
	}
	for _, d := range devs {
		if !found[d.Key()] {
			t.Errorf("device %s not in list", d.Key())
		}
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDevice("light:404")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{Kind: KindLight, PID: 5, Properties: map[string]any{"on_off": false}}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateDevice(dev.Key(), func(d *Device) error {
		d.Properties["on_off"] = true
		d.Refreshed = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice(dev.Key())
	if err != nil {
		t.Fatal(err)
	}
	if on, _ := got.Properties["on_off"].(bool); !on {
		t.Error("on_off = false, want true after update")
	}
	if !got.Refreshed {
		t.Error("refreshed = false, want true after update")
	}
}

func TestUpdateDeviceNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateDevice("light:404", func(d *Device) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateDevicePropagatesFnError(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{Kind: KindLight, PID: 5}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	wantErr := errors.New("nope")
	err := s.UpdateDevice(dev.Key(), func(d *Device) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestSaveAndGetSession(t *testing.T) {
	s := newTestStore(t)

	sess := &Session{
		Email:        "user@example.com",
		AuthToken:    "tok-abc123",
		LocationPIDs: []int64{2718},
		UpdatedAt:    time.Now().Truncate(time.Millisecond),
	}

	if err := s.SaveSession(sess); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSession()
	if err != nil {
		t.Fatal(err)
	}

	if got.Email != sess.Email {
		t.Errorf("email = %q, want %q", got.Email, sess.Email)
	}
	if got.AuthToken != sess.AuthToken {
		t.Errorf("auth_token = %q, want %q", got.AuthToken, sess.AuthToken)
	}
	if len(got.LocationPIDs) != 1 || got.LocationPIDs[0] != 2718 {
		t.Errorf("location_pids = %v, want [2718]", got.LocationPIDs)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession()
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSessionTokenHiddenFromJSON(t *testing.T) {
	sess := &Session{Email: "user@example.com", AuthToken: "tok-secret"}

	data, err := json.Marshal(sess)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "tok-secret") {
		t.Errorf("auth token leaked into JSON: %s", data)
	}
}
