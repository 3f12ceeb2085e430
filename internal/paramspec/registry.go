// Package paramspec is the declarative catalog of camera parameters: for
// every parameter group it names the HTTP GET used to poll it and, per
// parameter, the HTTP verb/path template used to change it. It is the
// single source of truth the device session, parameter model, HTTP API
// and MIDI bridge all consume by (group, name) lookup rather than by
// redeclaring wire field names of their own.
package paramspec

import "github.com/jvbridge/camctl/internal/model"

// PollDescriptor names the HTTP GET used to refresh one parameter group
// and the JSON field within GetCamStatus (or a dedicated endpoint) that
// carries its data.
type PollDescriptor struct {
	// Path is the HTTP path issued relative to the device's base URL.
	Path string
	// DataField is the key within the response's top-level "Data" object
	// that holds this group's fields. Empty means the whole Data object.
	DataField string
	// Probed marks groups whose presence on a given camera model is not
	// guaranteed; the session probes for a 404 on first poll and caches
	// the absence for its lifetime.
	Probed bool
}

// SetVerb is the HTTP method used to apply a parameter change.
type SetVerb string

const (
	SetViaWebButtonEvent SetVerb = "web-button-event"
	SetViaDirectField    SetVerb = "direct-field"
	SetViaNone           SetVerb = "" // no HTTP setter exists; local-writer only
)

// SetDescriptor names how a user-driven change is translated into an HTTP
// request against the camera.
type SetDescriptor struct {
	Verb SetVerb
	// Kind is the SetWebButtonEvent "Kind" query parameter template for
	// SetViaWebButtonEvent parameters. For a continuous-motion parameter
	// two kinds are given: {increase, decrease}.
	KindIncrease string
	KindDecrease string
	// Field is the JSON field name used for SetViaDirectField parameters.
	Field string
	// Continuous marks parameters controlled by a held motion command
	// (zoom/focus/master-black) rather than a single-shot value.
	Continuous bool
	// RejectWhen names another parameter in the same group whose value
	// equalling RejectValue causes local rejection of a set() call
	// without any HTTP traffic (e.g. iris set rejected while mode=Auto).
	RejectWhen  string
	RejectValue string
}

// ParameterSpec fully describes one named parameter within a group.
type ParameterSpec struct {
	Group string
	Name  string
	Kind  model.ValueKind

	// Range/enum constraints, meaningful per Kind.
	IntMin, IntMax, IntStep int
	Choices                 []string
	// MultiFields lists the wire fields a MultiParameter derives from.
	MultiFields []string

	Set SetDescriptor
}

// GroupSpec describes one parameter group's poll descriptor and the specs
// of the parameters it owns.
type GroupSpec struct {
	Name   string
	Poll   PollDescriptor
	Params map[string]ParameterSpec
}

// Registry is the read-only, compile-time table of every group and
// parameter. It is built once by NewRegistry and never mutated.
type Registry struct {
	groups map[string]GroupSpec
	order  []string
}

// NewRegistry constructs the full parameter spec catalog described in
// SPEC_FULL.md §4.C.
func NewRegistry() *Registry {
	r := &Registry{groups: make(map[string]GroupSpec)}
	r.add(cameraGroup())
	r.add(exposureGroup())
	r.add(paintGroup())
	r.add(tallyGroup())
	r.add(zoomGroup())
	r.add(focusGroup())
	r.add(lensGroup())
	r.add(ntpGroup())
	r.add(batteryGroup())
	return r
}

func (r *Registry) add(g GroupSpec) {
	r.groups[g.Name] = g
	r.order = append(r.order, g.Name)
}

// Groups returns group names in declaration order.
func (r *Registry) Groups() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Group looks up a group's spec by name.
func (r *Registry) Group(name string) (GroupSpec, bool) {
	g, ok := r.groups[name]
	return g, ok
}

// Param looks up one parameter's spec by (group, name).
func (r *Registry) Param(group, name string) (ParameterSpec, bool) {
	g, ok := r.groups[group]
	if !ok {
		return ParameterSpec{}, false
	}
	p, ok := g.Params[name]
	return p, ok
}

// ParamNames returns the parameter names owned by a group, in no
// particular order, for building an initial model.ParameterGroup.
func (g GroupSpec) ParamNames() []string {
	names := make([]string, 0, len(g.Params))
	for n := range g.Params {
		names = append(names, n)
	}
	return names
}

// Kinds returns the value kind of each of the group's parameters.
func (g GroupSpec) Kinds() map[string]model.ValueKind {
	kinds := make(map[string]model.ValueKind, len(g.Params))
	for n, p := range g.Params {
		kinds[n] = p.Kind
	}
	return kinds
}

func cameraGroup() GroupSpec {
	return GroupSpec{
		Name: "Camera",
		Poll: PollDescriptor{Path: "GetCamStatus", DataField: "Camera"},
		Params: map[string]ParameterSpec{
			"scene-file": {Group: "Camera", Name: "scene-file", Kind: model.KindChoice,
				Set: SetDescriptor{Verb: SetViaDirectField, Field: "SceneFile"}},
			"gain-mode": {Group: "Camera", Name: "gain-mode", Kind: model.KindChoice,
				Choices: []string{"Auto", "Manual"},
				Set:     SetDescriptor{Verb: SetViaDirectField, Field: "GainMode"}},
			"gain-value": {Group: "Camera", Name: "gain-value", Kind: model.KindInt,
				IntMin: -6, IntMax: 24, IntStep: 1,
				Set: SetDescriptor{Verb: SetViaWebButtonEvent, KindIncrease: "GainUp", KindDecrease: "GainDown"}},
		},
	}
}

func exposureGroup() GroupSpec {
	return GroupSpec{
		Name: "Exposure",
		Poll: PollDescriptor{Path: "GetCamStatus", DataField: "Exposure"},
		Params: map[string]ParameterSpec{
			"iris.pos": {Group: "Exposure", Name: "iris.pos", Kind: model.KindInt,
				IntMin: 0, IntMax: 255, IntStep: 1,
				Set: SetDescriptor{
					Verb: SetViaWebButtonEvent, KindIncrease: "IrisOpen", KindDecrease: "IrisClose",
					RejectWhen: "mode", RejectValue: "Auto",
				}},
			"mode": {Group: "Exposure", Name: "mode", Kind: model.KindChoice,
				Choices: []string{"Auto", "Manual", "IrisPriority"},
				Set:     SetDescriptor{Verb: SetViaDirectField, Field: "Mode"}},
			"master-black": {Group: "Exposure", Name: "master-black", Kind: model.KindInt,
				IntMin: -50, IntMax: 50, IntStep: 1,
				Set: SetDescriptor{
					Verb: SetViaWebButtonEvent, Continuous: true,
					KindIncrease: "MasterBlackUp", KindDecrease: "MasterBlackDown",
				}},
		},
	}
}

func paintGroup() GroupSpec {
	return GroupSpec{
		Name: "Paint",
		Poll: PollDescriptor{Path: "GetCamStatus", DataField: "Paint"},
		Params: map[string]ParameterSpec{
			"wb-mode": {Group: "Paint", Name: "wb-mode", Kind: model.KindChoice,
				Set: SetDescriptor{Verb: SetViaDirectField, Field: "WBMode"}},
			"red": {Group: "Paint", Name: "red", Kind: model.KindInt, IntMin: -99, IntMax: 99,
				Set: SetDescriptor{Verb: SetViaWebButtonEvent, KindIncrease: "PaintRedUp", KindDecrease: "PaintRedDown"}},
			"blue": {Group: "Paint", Name: "blue", Kind: model.KindInt, IntMin: -99, IntMax: 99,
				Set: SetDescriptor{Verb: SetViaWebButtonEvent, KindIncrease: "PaintBlueUp", KindDecrease: "PaintBlueDown"}},
		},
	}
}

// tallyGroup's parameters have no HTTP setter: there is no camera-side
// "set tally" verb, so writes are local-writer-only (see
// internal/parammodel). See SPEC_FULL.md §4.E.
func tallyGroup() GroupSpec {
	return GroupSpec{
		Name: "Tally",
		Poll: PollDescriptor{Path: "GetCamStatus", DataField: "Tally"},
		Params: map[string]ParameterSpec{
			"program": {Group: "Tally", Name: "program", Kind: model.KindBool, Set: SetDescriptor{Verb: SetViaNone}},
			"preview": {Group: "Tally", Name: "preview", Kind: model.KindBool, Set: SetDescriptor{Verb: SetViaNone}},
		},
	}
}

func zoomGroup() GroupSpec {
	return GroupSpec{
		Name: "Zoom",
		Poll: PollDescriptor{Path: "GetCamStatus", DataField: "Zoom", Probed: true},
		Params: map[string]ParameterSpec{
			"position": {Group: "Zoom", Name: "position", Kind: model.KindInt, IntMin: 0, IntMax: 499,
				Set: SetDescriptor{Verb: SetViaWebButtonEvent, Continuous: true, KindIncrease: "ZoomTele", KindDecrease: "ZoomWide"}},
		},
	}
}

func focusGroup() GroupSpec {
	return GroupSpec{
		Name: "Focus",
		Poll: PollDescriptor{Path: "GetCamStatus", DataField: "Focus", Probed: true},
		Params: map[string]ParameterSpec{
			"position": {Group: "Focus", Name: "position", Kind: model.KindInt, IntMin: 0, IntMax: 999,
				Set: SetDescriptor{Verb: SetViaWebButtonEvent, Continuous: true, KindIncrease: "FocusFar", KindDecrease: "FocusNear"}},
			"auto": {Group: "Focus", Name: "auto", Kind: model.KindBool,
				Set: SetDescriptor{Verb: SetViaDirectField, Field: "AutoFocus"}},
		},
	}
}

func lensGroup() GroupSpec {
	return GroupSpec{
		Name: "Lens",
		Poll: PollDescriptor{Path: "GetCamStatus", DataField: "Lens", Probed: true},
		Params: map[string]ParameterSpec{
			"model": {Group: "Lens", Name: "model", Kind: model.KindChoice, Set: SetDescriptor{Verb: SetViaNone}},
		},
	}
}

func ntpGroup() GroupSpec {
	return GroupSpec{
		Name: "NTP",
		Poll: PollDescriptor{Path: "GetNTPStatus", Probed: true},
		Params: map[string]ParameterSpec{
			"server": {Group: "NTP", Name: "server", Kind: model.KindMulti, MultiFields: []string{"Address", "Sync"},
				Set: SetDescriptor{Verb: SetViaDirectField, Field: "Address"}},
			"sync": {Group: "NTP", Name: "sync", Kind: model.KindBool, Set: SetDescriptor{Verb: SetViaNone}},
		},
	}
}

func batteryGroup() GroupSpec {
	return GroupSpec{
		Name: "Battery",
		Poll: PollDescriptor{Path: "GetCamStatus", DataField: "Battery"},
		Params: map[string]ParameterSpec{
			"level":   {Group: "Battery", Name: "level", Kind: model.KindInt, IntMin: 0, IntMax: 100, Set: SetDescriptor{Verb: SetViaNone}},
			"voltage": {Group: "Battery", Name: "voltage", Kind: model.KindMulti, MultiFields: []string{"Volts", "Charging"}, Set: SetDescriptor{Verb: SetViaNone}},
		},
	}
}
