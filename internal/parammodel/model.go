// Package parammodel is the in-memory mirror of one device's parameters
// and the edit-arbitration logic that keeps local writes and remote
// polls from clobbering each other. The current/lastRemote/pending/dirty
// fields on model.Parameter and the rules for updating them are grounded
// on original_source paramspec.py's BaseParameterSpec/ParameterSpec
// value-change path and device.py's ParameterGroup update flow, adapted
// from pydispatch property binding to an explicit mutex-guarded map with
// an explicit change-event channel, in the idiom used throughout this
// module for shared mutable state (see internal/configstore.Store).
package parammodel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jvbridge/camctl/internal/model"
	"github.com/jvbridge/camctl/internal/paramspec"
	"github.com/jvbridge/camctl/internal/pkg/utils"
)

// History is the edit ledger a Model appends to on every local write; it
// is satisfied by *configstore.History. Left nil, edits simply aren't
// recorded, which is how tests construct a Model without a database.
type History interface {
	Append(ctx context.Context, rec model.EditRecord) error
}

// Change is one parameter update, emitted on Model's Changes channel
// after either a remote poll or a local write resolves.
type Change struct {
	Group     string
	Param     string
	Value     model.Value
	Dirty     bool
	Error     string
	UpdatedAt time.Time
}

// Enqueuer is the boundary between the parameter model and the device
// session's command queue; it is satisfied by an adapter the engine
// wires around device.Session so this package never imports device
// directly.
type Enqueuer interface {
	Enqueue(ctx context.Context, group, param, apiCommand string, params map[string]any, continuous bool, stop <-chan struct{}) error
}

// Model mirrors one device's parameter groups and applies the edit
// arbitration rules of the current/lastRemote/pending/dirty state
// machine. It implements device.Sink.
type Model struct {
	deviceID model.DeviceId
	registry *paramspec.Registry
	enqueue  Enqueuer
	history  History

	mu     sync.RWMutex
	groups map[string]*model.ParameterGroup

	motionsMu sync.Mutex
	motions   map[string]*runningMotion

	changes chan Change
}

// runningMotion tracks enough of a StartMotion call to re-issue an
// explicit stop command with the same API shape when the motion ends.
type runningMotion struct {
	stop       chan struct{}
	apiCommand string
	kind       string
}

// New builds a Model with every registry group pre-populated at its
// zero value.
func New(deviceID model.DeviceId, registry *paramspec.Registry, enqueue Enqueuer) *Model {
	m := &Model{
		deviceID: deviceID,
		registry: registry,
		enqueue:  enqueue,
		groups:   make(map[string]*model.ParameterGroup),
		motions:  make(map[string]*runningMotion),
		changes:  make(chan Change, 64),
	}
	for _, name := range registry.Groups() {
		spec, _ := registry.Group(name)
		m.groups[name] = model.NewParameterGroup(name, spec.ParamNames(), spec.Kinds())
	}
	return m
}

// SetHistory attaches the edit ledger; called once by the engine after
// construction since History and Model are wired in the same breath as
// the device session (see internal/engine.connect).
func (m *Model) SetHistory(h History) {
	m.history = h
}

// Changes returns the channel on which parameter change events are
// published. Callers (the HTTP status API, the tally router) drain it.
func (m *Model) Changes() <-chan Change { return m.changes }

// Snapshot returns a deep-enough copy of one group's parameters for
// serving over the status API.
func (m *Model) Snapshot(group string) (map[string]model.Parameter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pg, ok := m.groups[group]
	if !ok {
		return nil, false
	}
	out := make(map[string]model.Parameter, len(pg.Parameters))
	for name, p := range pg.Parameters {
		out[name] = *p
	}
	return out, true
}

// Get returns one parameter's current snapshot.
func (m *Model) Get(group, name string) (model.Parameter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pg, ok := m.groups[group]
	if !ok {
		return model.Parameter{}, false
	}
	p, ok := pg.Parameters[name]
	if !ok {
		return model.Parameter{}, false
	}
	return *p, true
}

// ApplyPoll implements device.Sink: a batch of wire fields for one
// group arrived from a poll response. Field values are matched to
// parameter specs and routed through the remote-update rule.
func (m *Model) ApplyPoll(group string, data map[string]any, at time.Time) {
	spec, ok := m.registry.Group(group)
	if !ok {
		return
	}
	for name, pspec := range spec.Params {
		value, ok := decodeWireValue(pspec, data)
		if !ok {
			continue
		}
		m.applyRemote(group, name, value, at)
	}
}

// ApplyCommandResult implements device.Sink: a write's response is
// routed exactly like a poll response, so the model converges without
// waiting for the next poll tick, then the write's own dirty flag is
// resolved by the caller via applyRemote's pending-aware behavior.
func (m *Model) ApplyCommandResult(group, param string, data map[string]any, at time.Time) {
	spec, ok := m.registry.Group(group)
	if ok {
		for name, pspec := range spec.Params {
			value, ok := decodeWireValue(pspec, data)
			if !ok {
				continue
			}
			m.applyRemote(group, name, value, at)
		}
	}
	m.resolveWrite(group, param, at)
}

// ApplyWriteFailure implements device.Sink: after retries are
// exhausted, current reverts to lastRemote and the error is surfaced.
func (m *Model) ApplyWriteFailure(group, param string, err error) {
	m.mu.Lock()
	pg, ok := m.groups[group]
	if !ok {
		m.mu.Unlock()
		return
	}
	p, ok := pg.Parameters[param]
	if !ok {
		m.mu.Unlock()
		return
	}
	p.Current = p.LastRemote
	p.Pending = nil
	p.Dirty = false
	p.Error = err.Error()
	p.UpdatedAt = utils.NowUTC()
	change := Change{Group: group, Param: param, Value: p.Current, Dirty: false, Error: p.Error, UpdatedAt: p.UpdatedAt}
	m.mu.Unlock()

	m.publish(change)
}

// MarkGroupUnsupported implements device.Sink.
func (m *Model) MarkGroupUnsupported(group string) {
	m.mu.Lock()
	if pg, ok := m.groups[group]; ok {
		pg.Unsupported = true
	}
	m.mu.Unlock()
}

// applyRemote is the §4.E remote-update rule: writes lastRemote always;
// writes through to current and emits a change only if no local write
// is pending, so an in-flight user edit is never clobbered by a poll
// that raced it.
func (m *Model) applyRemote(group, name string, value model.Value, at time.Time) {
	m.mu.Lock()
	pg, ok := m.groups[group]
	if !ok {
		m.mu.Unlock()
		return
	}
	p, ok := pg.Parameters[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	p.LastRemote = value
	p.Stale = false
	p.UpdatedAt = at
	var change *Change
	if p.Pending == nil && !p.Current.Equal(value) {
		p.Current = value
		change = &Change{Group: group, Param: name, Value: value, Dirty: p.Dirty, UpdatedAt: at}
	}
	m.mu.Unlock()

	if change != nil {
		m.publish(*change)
	}
}

func (m *Model) resolveWrite(group, param string, at time.Time) {
	m.mu.Lock()
	pg, ok := m.groups[group]
	if !ok {
		m.mu.Unlock()
		return
	}
	p, ok := pg.Parameters[param]
	if !ok {
		m.mu.Unlock()
		return
	}
	p.Pending = nil
	p.Dirty = false
	p.Error = ""
	p.UpdatedAt = at
	change := Change{Group: group, Param: param, Value: p.Current, Dirty: false, UpdatedAt: at}
	m.mu.Unlock()

	m.publish(change)
}

// Set applies a local-driven update per §4.E: writes pending and
// current, flags dirty, and enqueues the corresponding session command.
// The Tally group's parameters have no HTTP setter and are applied
// directly and synchronously instead (they are local-writer-only).
func (m *Model) Set(ctx context.Context, group, name string, value model.Value) error {
	pspec, ok := m.registry.Param(group, name)
	if !ok {
		return fmt.Errorf("parammodel: unknown parameter %s.%s", group, name)
	}
	if pspec.Set.Verb == paramspec.SetViaNone {
		return m.setLocalOnly(group, name, value)
	}
	if pspec.Set.RejectWhen != "" {
		if gate, ok := m.Get(group, pspec.Set.RejectWhen); ok && gate.Current.Choice == pspec.Set.RejectValue {
			return fmt.Errorf("parammodel: %s.%s rejected while %s=%s", group, name, pspec.Set.RejectWhen, pspec.Set.RejectValue)
		}
	}
	if pspec.Kind == model.KindInt && value.Kind == model.KindInt {
		if value.Int < pspec.IntMin || value.Int > pspec.IntMax {
			return fmt.Errorf("parammodel: %s.%s value %d outside [%d,%d]", group, name, value.Int, pspec.IntMin, pspec.IntMax)
		}
	}

	m.mu.Lock()
	pg, ok := m.groups[group]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("parammodel: unknown group %s", group)
	}
	p, ok := pg.Parameters[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("parammodel: unknown parameter %s.%s", group, name)
	}
	oldValue := p.Current
	p.Pending = &value
	p.Current = value
	p.Dirty = true
	p.UpdatedAt = utils.NowUTC()
	change := Change{Group: group, Param: name, Value: value, Dirty: true, UpdatedAt: p.UpdatedAt}
	m.mu.Unlock()

	m.publish(change)
	m.recordEdit(ctx, group, name, oldValue, value, change.UpdatedAt)

	apiCommand, params := buildSetRequest(pspec, value)
	return m.enqueue.Enqueue(ctx, group, name, apiCommand, params, false, nil)
}

// recordEdit appends a local write to the edit ledger, if one is
// attached. Failures are swallowed: the ledger is an audit trail, not a
// dependency of the write path itself.
func (m *Model) recordEdit(ctx context.Context, group, name string, oldValue, newValue model.Value, at time.Time) {
	if m.history == nil {
		return
	}
	rec := model.EditRecord{
		DeviceId:  m.deviceID,
		Field:     group + "." + name,
		OldValue:  fmt.Sprintf("%+v", oldValue),
		NewValue:  fmt.Sprintf("%+v", newValue),
		Timestamp: at,
	}
	_ = m.history.Append(ctx, rec)
}

// StartMotion begins a continuous motion command (zoom/focus/master
// black rocker) in the given direction ("increase" or "decrease"),
// re-sent by the session at the motion heartbeat until StopMotion is
// called. Starting a new motion on the same parameter replaces any
// motion already running on it.
func (m *Model) StartMotion(ctx context.Context, group, name, direction string, speed int) error {
	pspec, ok := m.registry.Param(group, name)
	if !ok {
		return fmt.Errorf("parammodel: unknown parameter %s.%s", group, name)
	}
	if !pspec.Set.Continuous {
		return fmt.Errorf("parammodel: %s.%s does not support continuous motion", group, name)
	}
	apiCommand, kind, params, err := buildMotionRequest(pspec, direction, speed)
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	key := group + "." + name
	m.motionsMu.Lock()
	if old, exists := m.motions[key]; exists {
		close(old.stop)
	}
	m.motions[key] = &runningMotion{stop: stop, apiCommand: apiCommand, kind: kind}
	m.motionsMu.Unlock()

	return m.enqueue.Enqueue(ctx, group, name, apiCommand, params, true, stop)
}

// StopMotion ends a running continuous motion, if any, and enqueues one
// explicit stop command (the same command at speed 0) so the device
// does not keep coasting on the last heartbeat's speed after the motion
// channel closes.
func (m *Model) StopMotion(ctx context.Context, group, name string) error {
	key := group + "." + name
	m.motionsMu.Lock()
	running, ok := m.motions[key]
	if ok {
		close(running.stop)
		delete(m.motions, key)
	}
	m.motionsMu.Unlock()
	if !ok {
		return nil
	}
	return m.enqueue.Enqueue(ctx, group, name, running.apiCommand, map[string]any{"Kind": running.kind, "Speed": 0}, false, nil)
}

func buildMotionRequest(pspec paramspec.ParameterSpec, direction string, speed int) (apiCommand, kind string, params map[string]any, err error) {
	switch direction {
	case "increase":
		kind = pspec.Set.KindIncrease
	case "decrease":
		kind = pspec.Set.KindDecrease
	default:
		return "", "", nil, fmt.Errorf("parammodel: unknown motion direction %q", direction)
	}
	if kind == "" {
		return "", "", nil, fmt.Errorf("parammodel: %s has no %s command", pspec.Name, direction)
	}
	return "SetWebButtonEvent", kind, map[string]any{"Kind": kind, "Speed": speed}, nil
}

// setLocalOnly applies a value with no session round trip, used for the
// Tally group's program/preview booleans.
func (m *Model) setLocalOnly(group, name string, value model.Value) error {
	m.mu.Lock()
	pg, ok := m.groups[group]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("parammodel: unknown group %s", group)
	}
	p, ok := pg.Parameters[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("parammodel: unknown parameter %s.%s", group, name)
	}
	p.Current = value
	p.LastRemote = value
	p.Dirty = false
	p.UpdatedAt = utils.NowUTC()
	change := Change{Group: group, Param: name, Value: value, Dirty: false, UpdatedAt: p.UpdatedAt}
	m.mu.Unlock()

	m.publish(change)
	return nil
}

func (m *Model) publish(c Change) {
	select {
	case m.changes <- c:
	default:
	}
}

func buildSetRequest(pspec paramspec.ParameterSpec, value model.Value) (string, map[string]any) {
	switch pspec.Set.Verb {
	case paramspec.SetViaDirectField:
		return "SetWebButtonEvent", map[string]any{"Kind": pspec.Group, "Button": fieldStringValue(value)}
	case paramspec.SetViaWebButtonEvent:
		if value.Kind == model.KindInt {
			return "SetWebSliderEvent", map[string]any{"Kind": pspec.Name, "Position": value.Int}
		}
		return "SetWebButtonEvent", map[string]any{"Kind": pspec.Set.KindIncrease}
	default:
		return "", nil
	}
}

func fieldStringValue(v model.Value) string {
	switch v.Kind {
	case model.KindChoice:
		return v.Choice
	case model.KindBool:
		if v.Bool {
			return "On"
		}
		return "Off"
	default:
		return ""
	}
}

func decodeWireValue(pspec paramspec.ParameterSpec, data map[string]any) (model.Value, bool) {
	switch pspec.Kind {
	case model.KindMulti:
		fields := make(map[string]any, len(pspec.MultiFields))
		found := false
		for _, f := range pspec.MultiFields {
			if v, ok := data[f]; ok {
				fields[f] = v
				found = true
			}
		}
		if !found {
			return model.Value{}, false
		}
		return model.MultiValue(fields), true
	default:
		raw, ok := lookupField(pspec, data)
		if !ok {
			return model.Value{}, false
		}
		return coerceScalar(pspec.Kind, raw)
	}
}

// lookupField matches a parameter to a wire field by its declared name,
// falling back to a capitalized guess when no explicit mapping is set
// (the registry declares MultiFields explicitly for composite values but
// leaves single-field parameters to line up with their JSON key by
// convention, matching the camera's PascalCase field naming).
func lookupField(pspec paramspec.ParameterSpec, data map[string]any) (any, bool) {
	if pspec.Set.Field != "" {
		if v, ok := data[pspec.Set.Field]; ok {
			return v, true
		}
	}
	if v, ok := data[pspec.Name]; ok {
		return v, true
	}
	var guess strings.Builder
	for _, part := range strings.FieldsFunc(pspec.Name, func(r rune) bool { return r == '-' || r == '.' }) {
		guess.WriteString(strings.ToUpper(part[:1]) + part[1:])
	}
	v, ok := data[guess.String()]
	return v, ok
}

func coerceScalar(kind model.ValueKind, raw any) (model.Value, bool) {
	switch kind {
	case model.KindBool:
		switch v := raw.(type) {
		case bool:
			return model.BoolValue(v), true
		case string:
			return model.BoolValue(v == "On" || v == "true"), true
		}
	case model.KindInt:
		switch v := raw.(type) {
		case float64:
			return model.IntValue(int(v)), true
		case int:
			return model.IntValue(v), true
		}
	case model.KindChoice:
		if v, ok := raw.(string); ok {
			return model.ChoiceValue(v), true
		}
	}
	return model.Value{}, false
}
