package umd

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jvbridge/camctl/internal/model"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTallyUpdateReportsOnlyChangedFields(t *testing.T) {
	tly := &Tally{}
	changed := tly.Update(Display{Index: 1, RHTally: model.TallyRed, Text: "CAM 1"}, time.Now())
	if len(changed) == 0 {
		t.Fatal("expected the first update to report changes")
	}

	changed = tly.Update(Display{Index: 1, RHTally: model.TallyRed, Text: "CAM 1"}, time.Now())
	if len(changed) != 0 {
		t.Fatalf("expected an identical update to report no changes, got %v", changed)
	}

	changed = tly.Update(Display{Index: 1, RHTally: model.TallyGreen, Text: "CAM 1"}, time.Now())
	if len(changed) != 1 || changed[0] != "rh_tally" {
		t.Fatalf("expected only rh_tally to be reported changed, got %v", changed)
	}
}

func TestHandlePacketEmitsAddedThenChangedEvents(t *testing.T) {
	l := NewListener(silentLogger(), ":0")

	msg := Message{Screen: 1, Displays: []Display{{Index: 2, RHTally: model.TallyRed}}}
	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	l.handlePacket(raw)
	select {
	case ev := <-l.Events():
		if !ev.Added {
			t.Fatal("expected the first observation to be Added")
		}
	default:
		t.Fatal("expected an event after the first packet")
	}

	l.handlePacket(raw)
	select {
	case <-l.Events():
		t.Fatal("expected no event for an identical repeated packet")
	default:
	}

	msg.Displays[0].RHTally = model.TallyGreen
	raw2, _ := msg.Encode()
	l.handlePacket(raw2)
	select {
	case ev := <-l.Events():
		if ev.Added {
			t.Fatal("expected a changed event, not Added, on the second observation")
		}
	default:
		t.Fatal("expected an event after the display's tally changed")
	}
}

func TestHandlePacketCountsMalformed(t *testing.T) {
	l := NewListener(silentLogger(), ":0")
	l.handlePacket([]byte{1, 2, 3})
	if l.MalformedCount() != 1 {
		t.Fatalf("expected 1 malformed packet counted, got %d", l.MalformedCount())
	}
}
