package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jvbridge/camctl/internal/configstore"
	"github.com/jvbridge/camctl/internal/discovery"
	"github.com/jvbridge/camctl/internal/model"
	"github.com/jvbridge/camctl/internal/paramspec"
)

func newTestEngineWithStore(t *testing.T) (*Engine, *configstore.Store) {
	t.Helper()
	store, err := configstore.Open(filepath.Join(t.TempDir(), "devices.yaml"))
	if err != nil {
		t.Fatalf("configstore.Open: %v", err)
	}
	disco := discovery.New(silentLogger())
	registry := paramspec.NewRegistry()
	return New(silentLogger(), store, nil, disco, registry, nil, Options{}), store
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := configstore.Open(filepath.Join(t.TempDir(), "devices.yaml"))
	if err != nil {
		t.Fatalf("configstore.Open: %v", err)
	}
	disco := discovery.New(silentLogger())
	registry := paramspec.NewRegistry()
	return New(silentLogger(), store, nil, disco, registry, nil, Options{})
}

func TestNextFreeIndexFillsGaps(t *testing.T) {
	e := newTestEngine(t)
	if _, _, err := e.store.Upsert("cam-1", model.DeviceConfig{DeviceIndex: 0}, model.Patch{}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, _, err := e.store.Upsert("cam-2", model.DeviceConfig{DeviceIndex: 2}, model.Patch{}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if got := e.nextFreeIndex(); got != 1 {
		t.Fatalf("expected the first free index to be 1, got %d", got)
	}
}

func TestKnownIndexAndSetterForIndex(t *testing.T) {
	e := newTestEngine(t)
	if _, _, err := e.store.Upsert("cam-1", model.DeviceConfig{DeviceIndex: 3}, model.Patch{}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if !e.KnownIndex(3) {
		t.Fatal("expected index 3 to be known")
	}
	if e.KnownIndex(9) {
		t.Fatal("expected index 9 to be unknown")
	}
	if _, ok := e.SetterForIndex(3); ok {
		t.Fatal("expected SetterForIndex to report false for a configured but unconnected device")
	}
}

func TestPatchDeviceUnknownDeviceErrors(t *testing.T) {
	e := newTestEngine(t)
	if _, _, err := e.PatchDevice("missing", model.Patch{}); err == nil {
		t.Fatal("expected an error for an unconfigured device id")
	}
}

func TestPatchDeviceAppliesAndPersists(t *testing.T) {
	e := newTestEngine(t)
	if _, _, err := e.store.Upsert("cam-1", model.DeviceConfig{Host: "10.0.0.1"}, model.Patch{}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	name := "Studio A"
	cfg, changed, err := e.PatchDevice("cam-1", model.Patch{DisplayName: &name})
	if err != nil {
		t.Fatalf("PatchDevice: %v", err)
	}
	if cfg.DisplayName != "Studio A" {
		t.Fatalf("expected patched display name, got %+v", cfg)
	}
	if len(changed) != 1 || changed[0] != "displayName" {
		t.Fatalf("expected displayName reported changed, got %v", changed)
	}
}

func TestPatchDeviceIndexSwapsWithOccupant(t *testing.T) {
	e := newTestEngine(t)
	if _, _, err := e.store.Upsert("cam-1", model.DeviceConfig{DeviceIndex: 0}, model.Patch{}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, _, err := e.store.Upsert("cam-2", model.DeviceConfig{DeviceIndex: 1}, model.Patch{}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	newIndex := model.DeviceIndex(1)
	cfg, _, err := e.PatchDevice("cam-1", model.Patch{DeviceIndex: &newIndex})
	if err != nil {
		t.Fatalf("PatchDevice: %v", err)
	}
	if cfg.DeviceIndex != 1 {
		t.Fatalf("expected cam-1 to take index 1, got %d", cfg.DeviceIndex)
	}

	occupant, ok := e.store.Get("cam-2")
	if !ok {
		t.Fatal("expected cam-2 to still exist")
	}
	if occupant.DeviceIndex != 0 {
		t.Fatalf("expected the displaced occupant to take cam-1's old index (0), got %d", occupant.DeviceIndex)
	}

	seen := map[model.DeviceIndex]int{}
	for _, c := range e.store.List() {
		seen[c.DeviceIndex]++
	}
	for idx, count := range seen {
		if count > 1 {
			t.Fatalf("expected no duplicate assigned index, but index %d is held by %d devices", idx, count)
		}
	}
}

func TestPatchDeviceIndexUnassignedSkipsSwap(t *testing.T) {
	e := newTestEngine(t)
	if _, _, err := e.store.Upsert("cam-1", model.DeviceConfig{DeviceIndex: 0}, model.Patch{}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, _, err := e.store.Upsert("cam-2", model.DeviceConfig{DeviceIndex: model.UnassignedIndex}, model.Patch{}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	unassigned := model.UnassignedIndex
	if _, _, err := e.PatchDevice("cam-1", model.Patch{DeviceIndex: &unassigned}); err != nil {
		t.Fatalf("PatchDevice: %v", err)
	}

	occupant, _ := e.store.Get("cam-2")
	if occupant.DeviceIndex != model.UnassignedIndex {
		t.Fatalf("expected cam-2 to be left unassigned, got %d", occupant.DeviceIndex)
	}
}

func TestSummaryCountsDevicesAndConnections(t *testing.T) {
	e := newTestEngine(t)
	if _, _, err := e.store.Upsert("cam-1", model.DeviceConfig{}, model.Patch{}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, _, err := e.store.Upsert("cam-2", model.DeviceConfig{}, model.Patch{}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	e.mu.Lock()
	e.status["cam-1"] = model.ConnectionConnected
	e.status["cam-2"] = model.ConnectionFailed
	e.mu.Unlock()

	s := e.Summary()
	if s.Devices != 2 {
		t.Fatalf("expected 2 devices, got %d", s.Devices)
	}
	if s.Connected != 1 {
		t.Fatalf("expected 1 connected device, got %d", s.Connected)
	}
}

func TestHandleDiscoveryEventCreatesEphemeralRecordAndMarksOnline(t *testing.T) {
	e, store := newTestEngineWithStore(t)

	// handleDiscoveryEvent also opens a session against the discovered
	// host; a cancellable context keeps that goroutine from outliving
	// the test with a real network dial in flight.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ev := discovery.Event{Kind: discovery.ServiceAdded, Service: discovery.Service{
		InstanceName: "studio-a",
		Host:         "10.0.0.7",
		Port:         80,
	}}
	e.handleDiscoveryEvent(ctx, ev)

	cfg, ok := store.Get("studio-a")
	if !ok {
		t.Fatal("expected discovery to create a record for the new device")
	}
	if cfg.StoredInConfig {
		t.Fatal("expected a freshly discovered device to remain unconfirmed (ephemeral)")
	}
	if !cfg.Online {
		t.Fatal("expected a discovered device to be marked online")
	}

	e.handleDiscoveryEvent(ctx, discovery.Event{Kind: discovery.ServiceRemoved, Service: ev.Service})
	cfg, ok = store.Get("studio-a")
	if !ok {
		t.Fatal("expected the ephemeral record to still exist after removal")
	}
	if cfg.Online {
		t.Fatal("expected a removed device to be marked offline")
	}
}

func TestOnSessionStateMarksActiveOnConnectedOnly(t *testing.T) {
	e, store := newTestEngineWithStore(t)
	if _, _, err := store.Upsert("cam-1", model.DeviceConfig{}, model.Patch{}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	e.onSessionState("cam-1", model.ConnectionConnected)
	cfg, _ := store.Get("cam-1")
	if !cfg.Active {
		t.Fatal("expected the connected transition to mark the device active")
	}

	e.onSessionState("cam-1", model.ConnectionSleeping)
	cfg, _ = store.Get("cam-1")
	if cfg.Active {
		t.Fatal("expected a non-connected transition to clear active")
	}
}

func TestConnectDisconnectUnknownDevice(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Connect(context.Background(), "missing"); err == nil {
		t.Fatal("expected Connect to fail for an unconfigured device")
	}
	if err := e.Disconnect("missing"); err == nil {
		t.Fatal("expected Disconnect to fail for a device with no live session")
	}
}
