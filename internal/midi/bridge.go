package midi

import (
	"bufio"
	"context"
	"log/slog"

	"go.bug.st/serial"

	"github.com/jvbridge/camctl/internal/model"
)

const (
	// SPEC_FULL.md §4.K: DIN-5 MIDI is physically a 31.25 kbaud
	// asynchronous serial link.
	DefaultBaud = 31250

	statusNoteOn        = 0x90
	statusControlChange = 0xB0
)

// Setter is the local-writer path a device's parameter model exposes;
// the bridge writes through it exactly as the HTTP API does.
type Setter interface {
	Set(ctx context.Context, group, name string, value model.Value) error
}

// Resolver looks a device index up to its live parameter setter.
type Resolver interface {
	SetterForIndex(idx model.DeviceIndex) (Setter, bool)
}

// Bridge owns the serial port and the binding table, translating
// parameter changes to outbound MIDI messages and inbound MIDI messages
// to parameter writes. Loss of the serial connection degrades to no
// surface control rather than a fatal error, per §4.K.
type Bridge struct {
	log      *slog.Logger
	portName string
	baud     int
	table    *Table
	resolve  Resolver

	port serial.Port
}

// NewBridge builds a Bridge bound to a binding table; the serial port is
// opened lazily by Run so a missing/unplugged surface never blocks
// startup.
func NewBridge(log *slog.Logger, portName string, baud int, table *Table, resolve Resolver) *Bridge {
	if baud <= 0 {
		baud = DefaultBaud
	}
	return &Bridge{log: log, portName: portName, baud: baud, table: table, resolve: resolve}
}

// Run opens the serial port and services it until ctx is cancelled. A
// failure to open, or a read error mid-stream, is logged and Run
// returns nil rather than propagating a fatal error: the rest of the
// system runs fine without a MIDI surface attached.
func (b *Bridge) Run(ctx context.Context) error {
	mode := &serial.Mode{
		BaudRate: b.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(b.portName, mode)
	if err != nil {
		b.log.Warn("midi: surface unavailable, continuing without it", "port", b.portName, "err", err)
		return nil
	}
	b.port = port
	defer port.Close()

	go func() {
		<-ctx.Done()
		port.Close()
	}()

	b.log.Info("midi: surface attached", "port", b.portName, "baud", b.baud)
	reader := bufio.NewReader(port)
	for {
		status, err := reader.ReadByte()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				b.log.Warn("midi: surface disconnected", "err", err)
				return nil
			}
		}
		if status&0x80 == 0 {
			continue // not a status byte, resync by discarding
		}
		d1, err := reader.ReadByte()
		if err != nil {
			return nil
		}
		d2, err := reader.ReadByte()
		if err != nil {
			return nil
		}
		b.handleMessage(ctx, status, d1, d2)
	}
}

func (b *Bridge) handleMessage(ctx context.Context, status, d1, d2 byte) {
	channel := status & 0x0f
	var kind Kind
	switch status & 0xf0 {
	case statusControlChange:
		kind = KindControlChange
	case statusNoteOn:
		if d2 == 0 {
			return // note-off encoded as note-on velocity 0; ignore releases
		}
		kind = KindNote
	default:
		return
	}

	binding, ok := b.table.ForMessage(channel, kind, d1)
	if !ok {
		return
	}
	setter, ok := b.resolve.SetterForIndex(binding.DeviceIndex)
	if !ok {
		return
	}

	value := b.decodeValue(binding, d2)
	if err := setter.Set(ctx, binding.Group, binding.Param, value); err != nil {
		b.log.Warn("midi: parameter write failed", "group", binding.Group, "param", binding.Param, "err", err)
	}
}

func (b *Bridge) decodeValue(binding Binding, raw byte) model.Value {
	if binding.Group == "Tally" {
		return model.BoolValue(raw > 0)
	}
	return model.IntValue(binding.Transform.ToParam(raw))
}

// PublishChange sends an outbound MIDI message for a parameter change,
// if a binding exists for it. Nothing in cmd/camctl calls it; parameter
// model changes are not forwarded to the MIDI port.
func (b *Bridge) PublishChange(idx model.DeviceIndex, group, param string, value model.Value) {
	binding, ok := b.table.ForParam(idx, group, param)
	if !ok || b.port == nil {
		return
	}
	var raw byte
	if group == "Tally" {
		if value.Bool {
			raw = 127
		}
	} else {
		raw = binding.Transform.ToMIDI(value.Int)
	}

	var msg [3]byte
	switch binding.Kind {
	case KindControlChange:
		msg = [3]byte{statusControlChange | binding.channel(), binding.Number, raw}
	case KindNote:
		msg = [3]byte{statusNoteOn | binding.channel(), binding.Number, raw}
	}
	if _, err := b.port.Write(msg[:]); err != nil {
		b.log.Warn("midi: write failed", "err", err)
	}
}

