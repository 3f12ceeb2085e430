package tally

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jvbridge/camctl/internal/model"
	"github.com/jvbridge/camctl/internal/umd"
)

// ParamSetter is the subset of a device's parameter model the router
// needs: a local write into the Tally group's program/preview booleans.
type ParamSetter interface {
	Set(ctx context.Context, group, name string, value model.Value) error
}

// Resolver looks a device index up to its live parameter model, if the
// device is currently connected.
type Resolver interface {
	SetterForIndex(idx model.DeviceIndex) (ParamSetter, bool)
	KnownIndex(idx model.DeviceIndex) bool
}

// VectorSink is the command-port tally vector's mutating half. The
// router drives it from every applied program/preview write, UMD-routed
// or direct, so `TALLY.PGM:n`/`TALLY.PVW:n` queries reflect router state
// and not just command-port-originated writes.
type VectorSink interface {
	SetProgram(idx int, on bool) bool
	SetPreview(idx int, on bool) bool
}

// directWrite is a command-port-originated tally write, bypassing the
// UMD source mapping per §4.H.
type directWrite struct {
	index   model.DeviceIndex
	program *bool
	preview *bool
}

// Router merges UMD tally events and command-port writes into each
// device's Tally parameter group, translating the original_source
// mapper.py DeviceMapping/MappedDevice logic (priority to whichever
// message arrives, since both are boolean overwrites rather than the
// program-priority bitmask original_source used across two channels
// feeding one state).
type Router struct {
	log      *slog.Logger
	store    *Store
	resolve  Resolver
	listener *umd.Listener
	vector   VectorSink

	mu   sync.RWMutex
	maps map[model.DeviceIndex]model.TallyMap

	direct chan directWrite
}

// New builds a Router bound to a persisted Store, a Resolver for
// reaching live parameter models, and the UMD listener it consumes
// tally-updated events from.
func New(log *slog.Logger, store *Store, resolve Resolver, listener *umd.Listener) *Router {
	return &Router{
		log:      log,
		store:    store,
		resolve:  resolve,
		listener: listener,
		maps:     make(map[model.DeviceIndex]model.TallyMap),
		direct:   make(chan directWrite, 32),
	}
}

// Load populates the in-memory map table from the persisted store. Call
// once before Run.
func (r *Router) Load() error {
	maps, err := r.store.List()
	if err != nil {
		return fmt.Errorf("tally: load maps: %w", err)
	}
	r.mu.Lock()
	for _, m := range maps {
		r.maps[m.DeviceIndex] = m
	}
	r.mu.Unlock()
	return nil
}

// SetVector attaches the command-port tally vector; call once before Run.
// Without one, the router still drives parameter models but the command
// port keeps reporting whatever it last saw from direct writes alone.
func (r *Router) SetVector(v VectorSink) {
	r.vector = v
}

// Get returns one device's tally map.
func (r *Router) Get(idx model.DeviceIndex) (model.TallyMap, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.maps[idx]
	return m, ok
}

// List returns every configured tally map.
func (r *Router) List() []model.TallyMap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.TallyMap, 0, len(r.maps))
	for _, m := range r.maps {
		out = append(out, m)
	}
	return out
}

// Put validates and persists a tally map, replacing any existing map
// for the same device index.
func (r *Router) Put(m model.TallyMap) error {
	if err := r.checkValid(m); err != nil {
		return err
	}
	if err := r.store.Put(m); err != nil {
		return err
	}
	r.mu.Lock()
	r.maps[m.DeviceIndex] = m
	r.mu.Unlock()
	return nil
}

// Delete removes a device's tally map.
func (r *Router) Delete(idx model.DeviceIndex) error {
	if err := r.store.Delete(idx); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.maps, idx)
	r.mu.Unlock()
	return nil
}

// checkValid implements §4.H's validation rules.
func (r *Router) checkValid(m model.TallyMap) error {
	if m.DeviceIndex < 0 || !r.resolve.KnownIndex(m.DeviceIndex) {
		return fmt.Errorf("tally: device index %d is not known", m.DeviceIndex)
	}
	if !m.Program.Empty() {
		if err := checkSource(m.Program); err != nil {
			return fmt.Errorf("tally: program source: %w", err)
		}
	}
	if !m.Preview.Empty() {
		if err := checkSource(m.Preview); err != nil {
			return fmt.Errorf("tally: preview source: %w", err)
		}
	}
	if !m.Program.Empty() && !m.Preview.Empty() && m.Program == m.Preview {
		return fmt.Errorf("tally: program and preview sources must not be identical")
	}
	return nil
}

func checkSource(s model.TallySource) error {
	if s.Type == model.TallyTypeNone {
		return fmt.Errorf("source has no tally type")
	}
	if s.Key.Index < 0 || s.Key.Index > model.MaxTallyIndex {
		return fmt.Errorf("tally index %d out of range [0,%d]", s.Key.Index, model.MaxTallyIndex)
	}
	return nil
}

// WriteDirect queues a command-port-originated program/preview write,
// bypassing the UMD source mapping.
func (r *Router) WriteDirect(idx model.DeviceIndex, program, preview *bool) {
	select {
	case r.direct <- directWrite{index: idx, program: program, preview: preview}:
	default:
		r.log.Warn("tally: direct write queue full, dropping", "device_index", idx)
	}
}

// Run drains UMD events and command-port writes from a single goroutine
// so the two sources are totally ordered by arrival, per §5's ordering
// guarantee for tally routing.
func (r *Router) Run(ctx context.Context) error {
	events := r.listener.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			r.handleUMDEvent(ctx, ev)
		case w := <-r.direct:
			r.handleDirectWrite(ctx, w)
		}
	}
}

func (r *Router) handleUMDEvent(ctx context.Context, ev umd.Event) {
	key := model.TallyKey{Screen: int(ev.Tally.Screen), Index: int(ev.Tally.Index)}

	r.mu.RLock()
	var affected []model.TallyMap
	for _, m := range r.maps {
		if m.Program.Key == key || m.Preview.Key == key {
			affected = append(affected, m)
		}
	}
	r.mu.RUnlock()

	for _, m := range affected {
		setter, ok := r.resolve.SetterForIndex(m.DeviceIndex)
		if !ok {
			continue
		}
		if m.Program.Key == key {
			r.applyBool(ctx, setter, m.DeviceIndex, "program", tallyOn(ev.Tally, m.Program.Type))
		}
		if m.Preview.Key == key {
			r.applyBool(ctx, setter, m.DeviceIndex, "preview", tallyOn(ev.Tally, m.Preview.Type))
		}
	}
}

func (r *Router) handleDirectWrite(ctx context.Context, w directWrite) {
	setter, ok := r.resolve.SetterForIndex(w.index)
	if !ok {
		return
	}
	if w.program != nil {
		r.applyBool(ctx, setter, w.index, "program", *w.program)
	}
	if w.preview != nil {
		r.applyBool(ctx, setter, w.index, "preview", *w.preview)
	}
}

func (r *Router) applyBool(ctx context.Context, setter ParamSetter, idx model.DeviceIndex, param string, on bool) {
	if err := setter.Set(ctx, "Tally", param, model.BoolValue(on)); err != nil {
		r.log.Warn("tally: apply failed", "device_index", idx, "param", param, "err", err)
		return
	}
	if r.vector == nil {
		return
	}
	switch param {
	case "program":
		r.vector.SetProgram(int(idx), on)
	case "preview":
		r.vector.SetPreview(int(idx), on)
	}
}

// tallyOn translates a display's raw fields to a boolean per the source's
// configured TallyType: a color indicator is on when non-off; the text
// indicator is additionally on when its text is non-empty.
func tallyOn(t umd.Tally, tt model.TallyType) bool {
	switch tt {
	case model.TallyTypeRH:
		return t.RHTally != model.TallyOff
	case model.TallyTypeTXT:
		return t.TXTTally != model.TallyOff || t.Text != ""
	case model.TallyTypeLH:
		return t.LHTally != model.TallyOff
	default:
		return false
	}
}
