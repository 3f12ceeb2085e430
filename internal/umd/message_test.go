package umd

import (
	"testing"

	"github.com/jvbridge/camctl/internal/model"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	msg := Message{
		Version: 0,
		Screen:  1,
		Displays: []Display{
			{Index: 4, RHTally: model.TallyRed, TXTTally: model.TallyOff, LHTally: model.TallyGreen, Brightness: 3, Text: "CAM 1"},
		},
	}
	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if got.Screen != 1 || len(got.Displays) != 1 {
		t.Fatalf("unexpected parse result: %+v", got)
	}
	d := got.Displays[0]
	if d.Index != 4 || d.RHTally != model.TallyRed || d.LHTally != model.TallyGreen || d.Brightness != 3 || d.Text != "CAM 1" {
		t.Fatalf("unexpected display fields: %+v", d)
	}
}

func TestEncodeParseRoundTripUTF16(t *testing.T) {
	msg := Message{
		Version: 0,
		Flags:   FlagUTF16,
		Screen:  2,
		Displays: []Display{
			{Index: 1, Text: "éè"},
		},
	}
	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if got.Displays[0].Text != "éè" {
		t.Fatalf("expected utf16 text to round-trip, got %q", got.Displays[0].Text)
	}
}

func TestParseMessageRejectsShortHeader(t *testing.T) {
	if _, err := ParseMessage([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error for a packet shorter than the header")
	}
}

func TestParseMessageRejectsTruncatedByteCount(t *testing.T) {
	raw := []byte{0xff, 0xff, 0, 0, 0, 1}
	if _, err := ParseMessage(raw); err == nil {
		t.Fatal("expected an error when declared byte count exceeds packet length")
	}
}

func TestParseMessageIgnoresSControlBody(t *testing.T) {
	msg := Message{Version: 0, Flags: FlagSControl, Screen: 5}
	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if len(got.Displays) != 0 {
		t.Fatalf("expected no displays for an SCONTROL message, got %d", len(got.Displays))
	}
}
