package umd

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jvbridge/camctl/internal/model"
)

// Tally is one UMD display's current state, keyed by screen and index.
// The changed-field diffing on Update mirrors original_source
// umd_io.py's Tally.update: only the fields that differ from the stored
// value are reported, and an update that changes nothing is silent.
type Tally struct {
	Screen     uint16
	Index      uint16
	RHTally    model.TallyColor
	TXTTally   model.TallyColor
	LHTally    model.TallyColor
	Brightness uint8
	Text       string
	UpdatedAt  time.Time
}

// Update applies a freshly parsed Display's fields onto the tally and
// returns the set of field names that changed.
func (t *Tally) Update(d Display, at time.Time) []string {
	var changed []string
	if t.RHTally != d.RHTally {
		t.RHTally = d.RHTally
		changed = append(changed, "rh_tally")
	}
	if t.TXTTally != d.TXTTally {
		t.TXTTally = d.TXTTally
		changed = append(changed, "txt_tally")
	}
	if t.LHTally != d.LHTally {
		t.LHTally = d.LHTally
		changed = append(changed, "lh_tally")
	}
	if t.Brightness != d.Brightness {
		t.Brightness = d.Brightness
		changed = append(changed, "brightness")
	}
	if t.Text != d.Text {
		t.Text = d.Text
		changed = append(changed, "text")
	}
	if len(changed) > 0 {
		t.UpdatedAt = at
	}
	return changed
}

// Event reports a tally addition or update, emitted only when a field
// actually changed value.
type Event struct {
	Tally   Tally
	Added   bool
	Changed []string
}

const (
	readBufferSize   = 2048
	malformedLogEach = 50
)

// Listener receives UMDv5 packets over UDP and maintains the table of
// known tallies, emitting Events only when a display's fields change.
type Listener struct {
	log  *slog.Logger
	addr string

	mu        sync.RWMutex
	tallies   map[model.TallyKey]*Tally
	malformed uint64

	events chan Event
}

// NewListener builds a Listener bound to addr (host:port, typically
// ":60000" per the UMDv5 default port).
func NewListener(log *slog.Logger, addr string) *Listener {
	return &Listener{
		log:     log,
		addr:    addr,
		tallies: make(map[model.TallyKey]*Tally),
		events:  make(chan Event, 128),
	}
}

// Events returns the channel of tally add/update notifications.
func (l *Listener) Events() <-chan Event { return l.events }

// MalformedCount returns the number of packets dropped for failing to
// parse, kept for status reporting rather than treated as fatal.
func (l *Listener) MalformedCount() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.malformed
}

// Snapshot returns a copy of every known tally.
func (l *Listener) Snapshot() []Tally {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Tally, 0, len(l.tallies))
	for _, t := range l.tallies {
		out = append(out, *t)
	}
	return out
}

// Run listens for UMDv5 datagrams until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", l.addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, readBufferSize)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		l.handlePacket(buf[:n])
	}
}

// handlePacket parses one UDP datagram as a single UMDv5 message; a
// datagram that fails to parse is counted and dropped rather than
// treated as fatal.
func (l *Listener) handlePacket(data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		l.mu.Lock()
		l.malformed++
		count := l.malformed
		l.mu.Unlock()
		if count%malformedLogEach == 1 {
			l.log.Warn("umd: dropping malformed packet", "err", err, "total_dropped", count)
		}
		return
	}
	for _, d := range msg.Displays {
		l.applyDisplay(msg.Screen, d)
	}
}

func (l *Listener) applyDisplay(screen uint16, d Display) {
	key := model.TallyKey{Screen: int(screen), Index: int(d.Index)}
	now := time.Now()

	l.mu.Lock()
	t, exists := l.tallies[key]
	if !exists {
		t = &Tally{Screen: screen, Index: d.Index}
		t.Update(d, now)
		l.tallies[key] = t
		l.mu.Unlock()
		l.publish(Event{Tally: *t, Added: true})
		return
	}
	changed := t.Update(d, now)
	snapshot := *t
	l.mu.Unlock()

	if len(changed) > 0 {
		l.publish(Event{Tally: snapshot, Changed: changed})
	}
}

func (l *Listener) publish(ev Event) {
	select {
	case l.events <- ev:
	default:
	}
}
