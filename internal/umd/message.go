// Package umd parses and serves UMDv5 tally/under-monitor-display
// messages, the exact wire format used by TSL-compatible tally
// controllers. The byte layout is grounded on original_source
// interfaces/tslumd/messages.py: a 6-byte message header (byteCount
// uint16, version uint8, flags uint8, screen uint16, all big-endian)
// followed by zero or more 4-byte display headers (index uint16,
// control uint16) each carrying a length-prefixed UTF-8 or UTF-16LE
// text field, chosen per the UTF16 flag bit.
package umd

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/jvbridge/camctl/internal/model"
)

// Flags are the UMDv5 message-level flag bits.
type Flags uint8

const (
	FlagNone     Flags = 0
	FlagUTF16    Flags = 1 << 0
	FlagSControl Flags = 1 << 1
)

// Display is one parsed tally display entry within a Message.
type Display struct {
	Index      uint16
	RHTally    model.TallyColor
	TXTTally   model.TallyColor
	LHTally    model.TallyColor
	Brightness uint8
	Text       string
}

// Message is one parsed UMDv5 packet, addressed to a screen and
// carrying zero or more Display entries.
type Message struct {
	Version  uint8
	Flags    Flags
	Screen   uint16
	Displays []Display
}

// ErrMalformed is returned for any packet that does not parse as a
// well-formed UMDv5 message; the listener counts and drops these rather
// than treating them as fatal.
type ErrMalformed struct{ Reason string }

func (e *ErrMalformed) Error() string { return "umd: malformed message: " + e.Reason }

// ParseMessage decodes one UMDv5 packet. Any control-data payload
// (Flags.SControl set) is skipped without error, returning the header
// with no displays: SCONTROL messages carry no display data and are not
// consumed by tally routing.
func ParseMessage(raw []byte) (Message, error) {
	if len(raw) < 6 {
		return Message{}, &ErrMalformed{Reason: "shorter than 6-byte header"}
	}
	byteCount := binary.BigEndian.Uint16(raw[0:2])
	version := raw[2]
	flags := Flags(raw[3])
	screen := binary.BigEndian.Uint16(raw[4:6])

	if int(byteCount) > len(raw) {
		return Message{}, &ErrMalformed{Reason: "declared byte count exceeds packet length"}
	}
	msg := Message{Version: version, Flags: flags, Screen: screen}
	if flags&FlagSControl != 0 {
		return msg, nil
	}

	body := raw[6:byteCount]
	for len(body) > 0 {
		disp, rest, err := parseDisplay(body, flags)
		if err != nil {
			return Message{}, err
		}
		msg.Displays = append(msg.Displays, disp)
		body = rest
	}
	return msg, nil
}

func parseDisplay(dmsg []byte, flags Flags) (Display, []byte, error) {
	if len(dmsg) < 4 {
		return Display{}, nil, &ErrMalformed{Reason: "display header shorter than 4 bytes"}
	}
	index := binary.BigEndian.Uint16(dmsg[0:2])
	ctrl := binary.BigEndian.Uint16(dmsg[2:4])
	dmsg = dmsg[4:]

	if ctrl&0x0f == 0x0f {
		return Display{}, nil, &ErrMalformed{Reason: "control data undefined for UMDv5.0"}
	}

	disp := Display{
		Index:      index,
		RHTally:    model.TallyColor(ctrl & 0b11),
		TXTTally:   model.TallyColor((ctrl >> 2) & 0b11),
		LHTally:    model.TallyColor((ctrl >> 4) & 0b11),
		Brightness: uint8((ctrl >> 6) & 0b11),
	}

	if len(dmsg) < 2 {
		return Display{}, nil, &ErrMalformed{Reason: "missing text length"}
	}
	textLen := binary.BigEndian.Uint16(dmsg[0:2])
	dmsg = dmsg[2:]
	if int(textLen) > len(dmsg) {
		return Display{}, nil, &ErrMalformed{Reason: "text length exceeds remaining message"}
	}
	textBytes := dmsg[:textLen]
	dmsg = dmsg[textLen:]

	if flags&FlagUTF16 != 0 {
		disp.Text = decodeUTF16LE(textBytes)
	} else {
		disp.Text = string(textBytes)
	}
	return disp, dmsg, nil
}

func decodeUTF16LE(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(units))
}

// Encode serializes a Message back to its UMDv5 wire form; within this
// module only the package's own tests call it.
func (m Message) Encode() ([]byte, error) {
	var body []byte
	for _, d := range m.Displays {
		encoded, err := d.encode(m.Flags)
		if err != nil {
			return nil, err
		}
		body = append(body, encoded...)
	}
	byteCount := 6 + len(body)
	if byteCount > 0xffff {
		return nil, fmt.Errorf("umd: encoded message too large (%d bytes)", byteCount)
	}
	out := make([]byte, 6, byteCount)
	binary.BigEndian.PutUint16(out[0:2], uint16(byteCount))
	out[2] = m.Version
	out[3] = uint8(m.Flags)
	binary.BigEndian.PutUint16(out[4:6], m.Screen)
	out = append(out, body...)
	return out, nil
}

func (d Display) encode(flags Flags) ([]byte, error) {
	ctrl := uint16(d.RHTally&0b11) | uint16(d.TXTTally&0b11)<<2 | uint16(d.LHTally&0b11)<<4 | uint16(d.Brightness&0b11)<<6

	var textBytes []byte
	if flags&FlagUTF16 != 0 {
		units := utf16.Encode([]rune(d.Text))
		textBytes = make([]byte, len(units)*2)
		for i, u := range units {
			binary.LittleEndian.PutUint16(textBytes[i*2:], u)
		}
	} else {
		textBytes = []byte(d.Text)
	}
	if len(textBytes) > 0xffff {
		return nil, fmt.Errorf("umd: display %d text too long", d.Index)
	}

	out := make([]byte, 4+2+len(textBytes))
	binary.BigEndian.PutUint16(out[0:2], d.Index)
	binary.BigEndian.PutUint16(out[2:4], ctrl)
	binary.BigEndian.PutUint16(out[4:6], uint16(len(textBytes)))
	copy(out[6:], textBytes)
	return out, nil
}
