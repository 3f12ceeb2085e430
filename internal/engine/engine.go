// Package engine is the top-level supervisor: it owns discovery,
// config-store lookups, device sessions and their parameter models, and
// coordinates startup/shutdown across all of them from one root context.
// The device lifecycle (always-connect devices opened eagerly, discovered
// devices opened on sight, index assignment, parallel bounded-deadline
// shutdown) is grounded on original_source engine.py's Engine class
// (add_always_connected_devices, on_discovery_service_added,
// close/close_device); the "one root context supervising independently
// started goroutines" shape follows the teacher's cmd/server/main.go
// wiring rather than engine.py's per-task asyncio bookkeeping, since that
// is what a context-based Go program naturally does instead.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jvbridge/camctl/internal/configstore"
	"github.com/jvbridge/camctl/internal/device"
	"github.com/jvbridge/camctl/internal/discovery"
	"github.com/jvbridge/camctl/internal/model"
	"github.com/jvbridge/camctl/internal/parammodel"
	"github.com/jvbridge/camctl/internal/paramspec"
	"github.com/jvbridge/camctl/internal/tally"
)

// Options configures the engine's timing and network settings.
type Options struct {
	RequestTimeout  time.Duration
	PollInterval    time.Duration
	MotionHeartbeat time.Duration
	ShutdownGrace   time.Duration
	PreviewMinGap   time.Duration
}

// entry is everything the engine tracks for one connected or connecting
// device.
type entry struct {
	session *device.Session
	model   *parammodel.Model
	preview *device.PreviewFetcher
	cancel  context.CancelFunc
}

// Engine wires discovery, the config store, and per-device sessions
// together and supervises their combined lifecycle.
type Engine struct {
	log      *slog.Logger
	store    *configstore.Store
	history  *configstore.History
	disco    *discovery.Discovery
	registry *paramspec.Registry
	tally    *tally.Router
	opts     Options

	mu      sync.Mutex
	entries map[model.DeviceId]*entry
	status  map[model.DeviceId]model.ConnectionState

	// OnModelReady is called once a device's parameter model is created,
	// letting the tally router and status API attach to it.
	OnModelReady func(id model.DeviceId, m *parammodel.Model)
	// OnStateChange is called on every session state transition.
	OnStateChange func(id model.DeviceId, state model.ConnectionState)
}

// New builds an Engine ready to Run. tallyRouter may be nil if the UMD
// listener is not configured, in which case tally routing is skipped.
func New(log *slog.Logger, store *configstore.Store, history *configstore.History, disco *discovery.Discovery, registry *paramspec.Registry, tallyRouter *tally.Router, opts Options) *Engine {
	return &Engine{
		log:      log,
		store:    store,
		history:  history,
		disco:    disco,
		registry: registry,
		tally:    tallyRouter,
		opts:     opts,
		entries:  make(map[model.DeviceId]*entry),
		status:   make(map[model.DeviceId]model.ConnectionState),
	}
}

// SetTallyRouter attaches the tally router once it has been constructed
// with this engine as its Resolver; Run starts it if set before Run is
// called.
func (e *Engine) SetTallyRouter(r *tally.Router) {
	e.tally = r
}

// SetterForIndex implements tally.Resolver: resolve a device index to its
// live parameter model, if the device is connected.
func (e *Engine) SetterForIndex(idx model.DeviceIndex) (tally.ParamSetter, bool) {
	id, ok := e.idForIndex(idx)
	if !ok {
		return nil, false
	}
	return e.Model(id)
}

// KnownIndex implements tally.Resolver: true if any configured device
// currently holds this index, connected or not.
func (e *Engine) KnownIndex(idx model.DeviceIndex) bool {
	_, ok := e.idForIndex(idx)
	return ok
}

func (e *Engine) idForIndex(idx model.DeviceIndex) (model.DeviceId, bool) {
	for _, cfg := range e.store.List() {
		if cfg.DeviceIndex == idx {
			return cfg.Id, true
		}
	}
	return "", false
}

// Model returns a connected device's parameter model.
func (e *Engine) Model(id model.DeviceId) (*parammodel.Model, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[id]
	if !ok {
		return nil, false
	}
	return en.model, true
}

// Status returns a device's last known connection state.
func (e *Engine) Status(id model.DeviceId) (model.ConnectionState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.status[id]
	return s, ok
}

// Devices returns every configured device's persisted record.
func (e *Engine) Devices() []model.DeviceConfig {
	return e.store.List()
}

// DeviceConfig returns one device's persisted record.
func (e *Engine) DeviceConfig(id model.DeviceId) (model.DeviceConfig, bool) {
	return e.store.Get(id)
}

// PatchDevice applies a partial config update and persists it. A
// DeviceIndex reassignment is validated for uniqueness first: if the
// requested index is already held by another device, that device is
// given id's old index instead, per §4.F's swap-on-collision rule, so
// the assigned-index multiset never holds a duplicate.
func (e *Engine) PatchDevice(id model.DeviceId, patch model.Patch) (model.DeviceConfig, []string, error) {
	cfg, ok := e.store.Get(id)
	if !ok {
		return model.DeviceConfig{}, nil, fmt.Errorf("engine: unknown device %s", id)
	}
	if patch.DeviceIndex != nil && *patch.DeviceIndex != cfg.DeviceIndex {
		if err := e.reindexWithSwap(id, cfg.DeviceIndex, *patch.DeviceIndex); err != nil {
			return model.DeviceConfig{}, nil, err
		}
	}
	return e.store.Upsert(id, cfg, patch)
}

// reindexWithSwap gives newIndex's current occupant, if any, id's old
// index before the caller commits id's own new index. UnassignedIndex
// is exempt from uniqueness: any number of devices may be unassigned.
func (e *Engine) reindexWithSwap(id model.DeviceId, oldIndex, newIndex model.DeviceIndex) error {
	if newIndex == model.UnassignedIndex {
		return nil
	}
	occupantId, ok := e.idForIndex(newIndex)
	if !ok || occupantId == id {
		return nil
	}
	occupantCfg, ok := e.store.Get(occupantId)
	if !ok {
		return nil
	}
	if _, _, err := e.store.Upsert(occupantId, occupantCfg, model.Patch{DeviceIndex: &oldIndex}); err != nil {
		return fmt.Errorf("engine: swap index with %s: %w", occupantId, err)
	}
	return nil
}

// Preview fetches one throttled JPEG frame for a connected device.
func (e *Engine) Preview(ctx context.Context, id model.DeviceId) ([]byte, error) {
	e.mu.Lock()
	en, ok := e.entries[id]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("engine: device %s is not connected", id)
	}
	return en.preview.Fetch(ctx)
}

// Connect opens a session for an already-configured device on demand,
// driving the scheduling transition per §4.J's explicit connect route.
func (e *Engine) Connect(ctx context.Context, id model.DeviceId) error {
	cfg, ok := e.store.Get(id)
	if !ok {
		return fmt.Errorf("engine: unknown device %s", id)
	}
	e.connect(ctx, cfg)
	return nil
}

// Disconnect closes a device's session unconditionally, even if it is
// configured always-connect; the session's Run loop ends in the
// disconnect state and the device stays disconnected until Connect is
// called again.
func (e *Engine) Disconnect(id model.DeviceId) error {
	e.mu.Lock()
	en, ok := e.entries[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: device %s is not connected", id)
	}
	en.session.Close()
	return nil
}

// Summary reports counts used by the health endpoint.
type Summary struct {
	Devices   int
	Connected int
}

// Summary returns process-liveness counters for the health endpoint.
func (e *Engine) Summary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Summary{Devices: len(e.store.List())}
	for _, st := range e.status {
		if st == model.ConnectionConnected {
			s.Connected++
		}
	}
	return s
}

// Run starts always-connect devices, then the discovery browser, and
// blocks until ctx is cancelled, at which point it shuts every session
// down within the configured grace period.
func (e *Engine) Run(ctx context.Context) error {
	e.startAlwaysConnected(ctx)

	events := make(chan discovery.Event, 32)
	discoCtx, cancelDisco := context.WithCancel(ctx)
	defer cancelDisco()

	var g errgroup.Group
	g.Go(func() error {
		return e.disco.Run(discoCtx, events)
	})
	g.Go(func() error {
		for {
			select {
			case <-discoCtx.Done():
				return nil
			case ev := <-events:
				e.handleDiscoveryEvent(ctx, ev)
			}
		}
	})
	if e.tally != nil {
		g.Go(func() error {
			return e.tally.Run(discoCtx)
		})
	}

	<-ctx.Done()
	cancelDisco()
	e.shutdown()
	_ = g.Wait()
	return nil
}

func (e *Engine) startAlwaysConnected(ctx context.Context) {
	for _, cfg := range e.store.List() {
		if cfg.AlwaysConnect {
			e.connect(ctx, cfg)
		}
	}
}

func (e *Engine) handleDiscoveryEvent(ctx context.Context, ev discovery.Event) {
	id := model.NewDeviceId(ev.Service.Attrs["model"], ev.Service.Attrs["serial"])
	if id == "" || id == "-" {
		id = model.DeviceId(ev.Service.InstanceName)
	}

	switch ev.Kind {
	case discovery.ServiceAdded, discovery.ServiceUpdated:
		cfg, existed := e.store.Get(id)
		if !existed {
			// Newly seen devices start as ephemeral, in-memory-only
			// records; they are not written to the config document until
			// the user confirms one through an explicit patch.
			cfg = e.store.Discover(id, model.DeviceConfig{
				Id:          id,
				DisplayName: ev.Service.InstanceName,
				Host:        ev.Service.Host,
				Port:        ev.Service.Port,
				DeviceIndex: e.nextFreeIndex(),
			})
		}
		e.store.MarkOnline(id, true)
		e.log.Info("engine: device discovered", "device", id, "host", cfg.Host, "port", cfg.Port)
		e.connect(ctx, cfg)
	case discovery.ServiceRemoved:
		e.store.MarkOnline(id, false)
		e.markOffline(id)
	}
}

// nextFreeIndex returns the smallest non-negative index not already
// held by a known device, per §4.F.
func (e *Engine) nextFreeIndex() model.DeviceIndex {
	used := make(map[model.DeviceIndex]bool)
	for _, cfg := range e.store.List() {
		if cfg.DeviceIndex >= 0 {
			used[cfg.DeviceIndex] = true
		}
	}
	for i := model.DeviceIndex(0); ; i++ {
		if !used[i] {
			return i
		}
	}
}

func (e *Engine) markOffline(id model.DeviceId) {
	if cfg, ok := e.store.Get(id); ok && cfg.AlwaysConnect {
		// Kept alive through backoff; the session itself notices the
		// host is gone on its next connect attempt.
		return
	}
	e.mu.Lock()
	en, ok := e.entries[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	en.session.Close()
}

// connect creates a session and parameter model for a device if one
// does not already exist.
func (e *Engine) connect(ctx context.Context, cfg model.DeviceConfig) {
	e.mu.Lock()
	if _, exists := e.entries[cfg.Id]; exists {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	sessCtx, cancel := context.WithCancel(ctx)
	client := device.NewClient(cfg.Host, cfg.Port, cfg.AuthUser, cfg.AuthPass, e.opts.RequestTimeout)

	var sess *device.Session
	var pmodel *parammodel.Model
	adapter := &enqueueAdapter{getSession: func() *device.Session { return sess }}
	pmodel = parammodel.New(cfg.Id, e.registry, adapter)
	if e.history != nil {
		pmodel.SetHistory(e.history)
	}
	sess = device.NewSession(cfg.Id, client, e.registry, pmodel, e.log, e.opts.PollInterval, e.opts.MotionHeartbeat)
	sess.OnStateChange = func(state model.ConnectionState) {
		e.onSessionState(cfg.Id, state)
	}

	preview := device.NewPreviewFetcher(client, e.opts.PreviewMinGap)

	e.mu.Lock()
	e.entries[cfg.Id] = &entry{session: sess, model: pmodel, preview: preview, cancel: cancel}
	e.mu.Unlock()

	if e.OnModelReady != nil {
		e.OnModelReady(cfg.Id, pmodel)
	}

	go sess.Run(sessCtx)
}

func (e *Engine) onSessionState(id model.DeviceId, state model.ConnectionState) {
	e.mu.Lock()
	e.status[id] = state
	e.mu.Unlock()
	e.store.MarkActive(id, state == model.ConnectionConnected)

	if e.OnStateChange != nil {
		e.OnStateChange(id, state)
	}
	if state == model.ConnectionFailed || state == model.ConnectionDisconnect {
		e.mu.Lock()
		if en, ok := e.entries[id]; ok {
			en.cancel()
			delete(e.entries, id)
		}
		e.mu.Unlock()
	}
}

// shutdown closes every session in parallel, bounded by ShutdownGrace,
// then leaves the config store as-is (every Upsert already persisted
// synchronously, so there is nothing left to flush).
func (e *Engine) shutdown() {
	e.mu.Lock()
	entries := make([]*entry, 0, len(e.entries))
	for _, en := range e.entries {
		entries = append(entries, en)
	}
	e.mu.Unlock()

	deadline := time.Now().Add(e.opts.ShutdownGrace)
	var wg sync.WaitGroup
	for _, en := range entries {
		en := en
		wg.Add(1)
		go func() {
			defer wg.Done()
			en.session.Close()
			en.cancel()
		}()
	}
	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(time.Until(deadline)):
		e.log.Warn("engine: shutdown grace period elapsed with sessions still closing")
	}
	if e.history != nil {
		_ = e.history.Close()
	}
}

// enqueueAdapter bridges parammodel.Enqueuer to a device.Session,
// deferred until the session variable is assigned since Model and
// Session are constructed in the same breath and each needs the other.
type enqueueAdapter struct {
	getSession func() *device.Session
}

func (a *enqueueAdapter) Enqueue(ctx context.Context, group, param, apiCommand string, params map[string]any, continuous bool, stop <-chan struct{}) error {
	sess := a.getSession()
	return sess.Enqueue(ctx, device.Command{
		Group:      group,
		Param:      param,
		APICommand: apiCommand,
		Params:     params,
		Continuous: continuous,
		Stop:       stop,
	})
}
