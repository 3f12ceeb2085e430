// Package midi bridges a class-compliant DIN-5 MIDI control surface to
// device parameters over a serial transport, since standard 5-pin MIDI
// is physically a 31.25 kbaud asynchronous serial link and no MIDI/RTP
// binding exists anywhere in the retrieved corpus. The binding-table
// shape (ccNumber/note to (deviceIndex, group, param, transform)) is
// grounded on original_source interfaces/midi/mapper.py's Map/
// MidiMapper, simplified from that file's Controller/Controller14Bit/
// Note/AdjustController subclass hierarchy to a single linear-transform
// struct, since the parameter registry here already carries min/max/step
// and does not need the 14-bit split-controller precision original_source
// added for a specific fader bank (the BCF2000).
package midi

import (
	"strconv"

	"github.com/jvbridge/camctl/internal/model"
)

// Transform scales a raw 0-127 MIDI value to a parameter value and back.
type Transform struct {
	Min int
	Max int
}

// ToParam scales a 7-bit MIDI value into [Min,Max].
func (t Transform) ToParam(raw byte) int {
	if t.Max <= t.Min {
		return t.Min
	}
	span := t.Max - t.Min
	return t.Min + int(raw)*span/127
}

// ToMIDI scales a parameter value in [Min,Max] into a 7-bit MIDI value.
func (t Transform) ToMIDI(value int) byte {
	if t.Max <= t.Min {
		return 0
	}
	span := t.Max - t.Min
	scaled := (value - t.Min) * 127 / span
	if scaled < 0 {
		scaled = 0
	}
	if scaled > 127 {
		scaled = 127
	}
	return byte(scaled)
}

// Kind distinguishes a continuous controller binding from a momentary
// note binding (used for the Tally group's boolean parameters).
type Kind string

const (
	KindControlChange Kind = "cc"
	KindNote          Kind = "note"
)

// Binding maps one MIDI CC number or note number, on one channel, to a
// specific device's parameter.
type Binding struct {
	Kind        Kind
	Number      byte // CC number or note number, 0-127
	DeviceIndex model.DeviceIndex
	Group       string
	Param       string
	Transform   Transform
}

// channel returns the MIDI channel a binding's outbound/inbound
// message uses: the device index itself, matching original_source's
// mapper.py note in DEFAULT_MAPPING that "channels will become the
// camera index."
func (b Binding) channel() byte {
	return byte(b.DeviceIndex) & 0x0f
}

// Table is an ordered set of bindings, indexed for both outbound lookup
// (by group/param) and inbound lookup (by channel/kind/number).
type Table struct {
	byParam   map[string]Binding
	byMessage map[messageKey]Binding
}

type messageKey struct {
	channel byte
	kind    Kind
	number  byte
}

// NewTable builds a Table from a binding list, keyed for both
// directions of lookup.
func NewTable(bindings []Binding) *Table {
	t := &Table{
		byParam:   make(map[string]Binding, len(bindings)),
		byMessage: make(map[messageKey]Binding, len(bindings)),
	}
	for _, b := range bindings {
		t.byParam[paramKey(b.DeviceIndex, b.Group, b.Param)] = b
		t.byMessage[messageKey{channel: b.channel(), kind: b.Kind, number: b.Number}] = b
	}
	return t
}

func paramKey(idx model.DeviceIndex, group, param string) string {
	return group + "." + param + "@" + strconv.Itoa(int(idx))
}

// ForParam returns the binding, if any, for one device's parameter.
func (t *Table) ForParam(idx model.DeviceIndex, group, param string) (Binding, bool) {
	b, ok := t.byParam[paramKey(idx, group, param)]
	return b, ok
}

// ForMessage returns the binding, if any, for an inbound MIDI message.
func (t *Table) ForMessage(channel byte, kind Kind, number byte) (Binding, bool) {
	b, ok := t.byMessage[messageKey{channel: channel & 0x0f, kind: kind, number: number}]
	return b, ok
}

// DefaultBindings mirrors original_source's DEFAULT_MAPPING, adapted to
// this registry's group/param names.
func DefaultBindings(idx model.DeviceIndex) []Binding {
	return []Binding{
		{Kind: KindControlChange, Number: 0, DeviceIndex: idx, Group: "Exposure", Param: "iris.pos", Transform: Transform{Min: 0, Max: 255}},
		{Kind: KindControlChange, Number: 1, DeviceIndex: idx, Group: "Exposure", Param: "master-black", Transform: Transform{Min: -50, Max: 50}},
		{Kind: KindControlChange, Number: 2, DeviceIndex: idx, Group: "Camera", Param: "gain-value", Transform: Transform{Min: -6, Max: 24}},
		{Kind: KindControlChange, Number: 3, DeviceIndex: idx, Group: "Paint", Param: "red", Transform: Transform{Min: -99, Max: 99}},
		{Kind: KindControlChange, Number: 4, DeviceIndex: idx, Group: "Paint", Param: "blue", Transform: Transform{Min: -99, Max: 99}},
		{Kind: KindNote, Number: 126, DeviceIndex: idx, Group: "Tally", Param: "preview", Transform: Transform{Min: 0, Max: 1}},
		{Kind: KindNote, Number: 127, DeviceIndex: idx, Group: "Tally", Param: "program", Transform: Transform{Min: 0, Max: 1}},
	}
}
