package tally

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jvbridge/camctl/internal/model"
	"github.com/jvbridge/camctl/internal/umd"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSetter struct {
	mu   sync.Mutex
	sets []model.Value
	name []string
}

func (f *fakeSetter) Set(ctx context.Context, group, name string, value model.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.name = append(f.name, name)
	f.sets = append(f.sets, value)
	return nil
}

type fakeResolver struct {
	mu      sync.Mutex
	known   map[model.DeviceIndex]bool
	setters map[model.DeviceIndex]*fakeSetter
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{known: make(map[model.DeviceIndex]bool), setters: make(map[model.DeviceIndex]*fakeSetter)}
}

func (r *fakeResolver) SetterForIndex(idx model.DeviceIndex) (ParamSetter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.setters[idx]
	if !ok {
		return nil, false
	}
	return s, true
}

func (r *fakeResolver) KnownIndex(idx model.DeviceIndex) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.known[idx]
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "tally.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutRejectsUnknownDeviceIndex(t *testing.T) {
	resolver := newFakeResolver()
	store := newTestStore(t)
	r := New(silentLogger(), store, resolver, umd.NewListener(silentLogger(), ":0"))

	err := r.Put(model.TallyMap{DeviceIndex: 5, Program: model.TallySource{Key: model.TallyKey{Index: 1}, Type: model.TallyTypeRH}})
	if err == nil {
		t.Fatal("expected Put to reject an unconfigured device index")
	}
}

func TestPutRejectsIdenticalProgramAndPreviewSource(t *testing.T) {
	resolver := newFakeResolver()
	resolver.known[1] = true
	store := newTestStore(t)
	r := New(silentLogger(), store, resolver, umd.NewListener(silentLogger(), ":0"))

	src := model.TallySource{Key: model.TallyKey{Index: 1}, Type: model.TallyTypeRH}
	err := r.Put(model.TallyMap{DeviceIndex: 1, Program: src, Preview: src})
	if err == nil {
		t.Fatal("expected Put to reject identical program/preview sources")
	}
}

func TestPutPersistsAndListRoundTrips(t *testing.T) {
	resolver := newFakeResolver()
	resolver.known[1] = true
	store := newTestStore(t)
	r := New(silentLogger(), store, resolver, umd.NewListener(silentLogger(), ":0"))

	m := model.TallyMap{DeviceIndex: 1, Program: model.TallySource{Key: model.TallyKey{Index: 3}, Type: model.TallyTypeRH}}
	if err := r.Put(m); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok := r.Get(1)
	if !ok || got.Program.Key.Index != 3 {
		t.Fatalf("expected map to round-trip through Get, got %+v ok=%v", got, ok)
	}
	if len(r.List()) != 1 {
		t.Fatalf("expected 1 map in List, got %d", len(r.List()))
	}
}

func TestLoadRepopulatesFromStore(t *testing.T) {
	resolver := newFakeResolver()
	resolver.known[1] = true
	store := newTestStore(t)
	if err := store.Put(model.TallyMap{DeviceIndex: 1, Program: model.TallySource{Key: model.TallyKey{Index: 2}, Type: model.TallyTypeRH}}); err != nil {
		t.Fatalf("store.Put: %v", err)
	}

	r := New(silentLogger(), store, resolver, umd.NewListener(silentLogger(), ":0"))
	if err := r.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := r.Get(1); !ok {
		t.Fatal("expected Load to populate the in-memory map table")
	}
}

func TestHandleUMDEventAppliesProgramAndPreview(t *testing.T) {
	resolver := newFakeResolver()
	resolver.known[1] = true
	setter := &fakeSetter{}
	resolver.setters[1] = setter
	store := newTestStore(t)
	r := New(silentLogger(), store, resolver, umd.NewListener(silentLogger(), ":0"))

	key := model.TallyKey{Screen: 0, Index: 7}
	if err := r.Put(model.TallyMap{
		DeviceIndex: 1,
		Program:     model.TallySource{Key: key, Type: model.TallyTypeRH},
		Preview:     model.TallySource{Key: key, Type: model.TallyTypeLH},
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ev := umd.Event{Tally: umd.Tally{Screen: 0, Index: 7, RHTally: model.TallyRed, LHTally: model.TallyOff}}
	r.handleUMDEvent(context.Background(), ev)

	setter.mu.Lock()
	defer setter.mu.Unlock()
	if len(setter.sets) != 2 {
		t.Fatalf("expected 2 applied values (program+preview), got %d", len(setter.sets))
	}
	for i, name := range setter.name {
		if name == "program" && !setter.sets[i].Bool {
			t.Fatal("expected program to be set true for an active RH tally")
		}
		if name == "preview" && setter.sets[i].Bool {
			t.Fatal("expected preview to be set false for an off LH tally")
		}
	}
}

type fakeVector struct {
	mu      sync.Mutex
	program map[int]bool
	preview map[int]bool
}

func newFakeVector() *fakeVector {
	return &fakeVector{program: make(map[int]bool), preview: make(map[int]bool)}
}

func (v *fakeVector) SetProgram(idx int, on bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	changed := v.program[idx] != on
	v.program[idx] = on
	return changed
}

func (v *fakeVector) SetPreview(idx int, on bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	changed := v.preview[idx] != on
	v.preview[idx] = on
	return changed
}

func (v *fakeVector) programAt(idx int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.program[idx]
}

func (v *fakeVector) previewAt(idx int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.preview[idx]
}

func TestHandleUMDEventUpdatesAttachedVector(t *testing.T) {
	resolver := newFakeResolver()
	resolver.known[1] = true
	setter := &fakeSetter{}
	resolver.setters[1] = setter
	store := newTestStore(t)
	r := New(silentLogger(), store, resolver, umd.NewListener(silentLogger(), ":0"))
	vector := newFakeVector()
	r.SetVector(vector)

	key := model.TallyKey{Screen: 0, Index: 7}
	if err := r.Put(model.TallyMap{
		DeviceIndex: 1,
		Program:     model.TallySource{Key: key, Type: model.TallyTypeRH},
		Preview:     model.TallySource{Key: key, Type: model.TallyTypeLH},
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ev := umd.Event{Tally: umd.Tally{Screen: 0, Index: 7, RHTally: model.TallyRed, LHTally: model.TallyOff}}
	r.handleUMDEvent(context.Background(), ev)

	if !vector.programAt(1) {
		t.Fatal("expected a UMD-routed program tally to reach the attached vector")
	}
	if vector.previewAt(1) {
		t.Fatal("expected the off preview tally to leave the vector's preview bit clear")
	}
}

func TestRouterWithoutVectorStillAppliesParameters(t *testing.T) {
	resolver := newFakeResolver()
	resolver.known[1] = true
	setter := &fakeSetter{}
	resolver.setters[1] = setter
	store := newTestStore(t)
	r := New(silentLogger(), store, resolver, umd.NewListener(silentLogger(), ":0"))

	r.WriteDirect(1, boolPtr(true), nil)
	r.handleDirectWrite(context.Background(), <-r.direct)

	setter.mu.Lock()
	defer setter.mu.Unlock()
	if len(setter.sets) != 1 {
		t.Fatalf("expected the direct write to still apply without a vector attached, got %d sets", len(setter.sets))
	}
}

func boolPtr(b bool) *bool { return &b }

func TestWriteDirectAppliesBothFields(t *testing.T) {
	resolver := newFakeResolver()
	resolver.known[2] = true
	setter := &fakeSetter{}
	resolver.setters[2] = setter
	store := newTestStore(t)
	r := New(silentLogger(), store, resolver, umd.NewListener(silentLogger(), ":0"))

	on, off := true, false
	r.WriteDirect(2, &on, &off)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() {
		select {
		case w := <-r.direct:
			r.handleDirectWrite(ctx, w)
		case <-ctx.Done():
		}
	}()

	deadline := time.After(time.Second)
	for {
		setter.mu.Lock()
		n := len(setter.sets)
		setter.mu.Unlock()
		if n == 2 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for direct write to apply")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
