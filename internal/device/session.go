package device

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jvbridge/camctl/internal/model"
	"github.com/jvbridge/camctl/internal/paramspec"
)

const (
	backoffBase = time.Second
	backoffMax  = 60 * time.Second
	maxWriteAttempts = 3
)

// Sink receives the data a Session pulls off the wire so a parameter
// model can apply edit arbitration to it. Group is the paramspec group
// name the data belongs to.
type Sink interface {
	ApplyPoll(group string, data map[string]any, at time.Time)
	ApplyCommandResult(group, param string, data map[string]any, at time.Time)
	ApplyWriteFailure(group, param string, err error)
	MarkGroupUnsupported(group string)
}

// Command is a single queued write, either a one-shot parameter set or a
// continuous motion command that Session keeps re-sending at the motion
// heartbeat until Stop is closed.
type Command struct {
	Group      string
	Param      string
	APICommand string
	Params     map[string]any
	Continuous bool
	// Stop, for a Continuous command, is closed by the caller to end the
	// motion; Session watches it between heartbeat sends.
	Stop <-chan struct{}
}

// Session owns one camera's connection lifecycle: authenticate, poll,
// drain queued writes, and report state transitions. Callers observe
// state via OnStateChange and feed writes via Enqueue.
type Session struct {
	id       model.DeviceId
	client   *Client
	registry *paramspec.Registry
	sink     Sink
	log      *slog.Logger

	pollInterval    time.Duration
	motionHeartbeat time.Duration

	mu    sync.Mutex
	state model.ConnectionState

	queue   chan Command
	stopCh  chan struct{}
	stopped chan struct{}

	unsupported map[string]bool

	OnStateChange func(model.ConnectionState)
}

// NewSession constructs a session ready to Run once opened.
func NewSession(id model.DeviceId, client *Client, registry *paramspec.Registry, sink Sink, log *slog.Logger, pollInterval, motionHeartbeat time.Duration) *Session {
	return &Session{
		id:              id,
		client:          client,
		registry:        registry,
		sink:            sink,
		log:             log,
		pollInterval:    pollInterval,
		motionHeartbeat: motionHeartbeat,
		state:           model.ConnectionUnknown,
		queue:           make(chan Command, 16),
		stopCh:          make(chan struct{}),
		stopped:         make(chan struct{}),
		unsupported:     make(map[string]bool),
	}
}

// State returns the session's current connection state.
func (s *Session) State() model.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state model.ConnectionState) {
	s.mu.Lock()
	s.state = state
	cb := s.OnStateChange
	s.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}

// Enqueue submits a write command. It blocks briefly if the queue is
// full, matching the FIFO-with-backpressure shape described for the
// command queue.
func (s *Session) Enqueue(ctx context.Context, cmd Command) error {
	select {
	case s.queue <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return errors.New("device: session closed")
	}
}

// Run drives the session state machine until ctx is cancelled or Close
// is called: schedule, attempt to connect, and on success poll/drain
// commands until a fatal error or explicit close.
func (s *Session) Run(ctx context.Context) {
	defer close(s.stopped)
	backoff := backoffBase

	for {
		s.setState(model.ConnectionScheduling)
		select {
		case <-ctx.Done():
			s.setState(model.ConnectionDisconnect)
			return
		case <-s.stopCh:
			s.setState(model.ConnectionDisconnect)
			return
		default:
		}

		s.setState(model.ConnectionAttempting)
		if err := s.client.Authenticate(ctx); err != nil {
			if errors.Is(err, ErrAuthFailed) {
				s.log.Error("device: authentication failed, session failed", "device", s.id)
				s.setState(model.ConnectionFailed)
				return
			}
			s.log.Warn("device: connect attempt failed, sleeping", "device", s.id, "err", err)
			s.setState(model.ConnectionSleeping)
			if !s.sleepBackoff(ctx, &backoff) {
				return
			}
			continue
		}

		if err := s.pollGroups(ctx, false); err != nil {
			s.log.Warn("device: first poll failed, sleeping", "device", s.id, "err", err)
			s.setState(model.ConnectionSleeping)
			if !s.sleepBackoff(ctx, &backoff) {
				return
			}
			continue
		}

		backoff = backoffBase
		s.setState(model.ConnectionConnected)

		fatal := s.runConnected(ctx)
		if fatal {
			s.setState(model.ConnectionFailed)
			return
		}
		select {
		case <-ctx.Done():
			s.setState(model.ConnectionDisconnect)
			return
		case <-s.stopCh:
			s.setState(model.ConnectionDisconnect)
			return
		default:
		}
		s.setState(model.ConnectionSleeping)
		if !s.sleepBackoff(ctx, &backoff) {
			return
		}
	}
}

// Close ends the session's Run loop, transitioning to disconnect.
func (s *Session) Close() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

func (s *Session) sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	jitter := time.Duration(rand.Int63n(int64(*backoff) / 4 + 1))
	wait := *backoff + jitter
	*backoff *= 2
	if *backoff > backoffMax {
		*backoff = backoffMax
	}
	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	}
}

// runConnected drains commands and polls at pollInterval until a
// transient error sends the session back to sleeping (returns false) or
// a fatal error is hit (returns true).
func (s *Session) runConnected(ctx context.Context) (fatal bool) {
	var continuous *Command
	heartbeat := time.NewTicker(s.motionHeartbeat)
	defer heartbeat.Stop()
	pollTimer := time.NewTimer(s.pollInterval)
	defer pollTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.stopCh:
			return false
		case cmd := <-s.queue:
			if cmd.Continuous {
				continuous = &cmd
			}
			if err := s.sendCommand(ctx, cmd); err != nil {
				if errors.Is(err, ErrAuthFailed) {
					return true
				}
				s.log.Warn("device: write failed", "device", s.id, "group", cmd.Group, "param", cmd.Param, "err", err)
				return false
			}
			if err := s.pollGroups(ctx, true); err != nil {
				if errors.Is(err, ErrAuthFailed) {
					return true
				}
				s.log.Warn("device: post-write poll failed", "device", s.id, "err", err)
				return false
			}
		case <-heartbeat.C:
			if continuous == nil {
				continue
			}
			select {
			case <-continuous.Stop:
				continuous = nil
				continue
			default:
			}
			if err := s.sendCommand(ctx, *continuous); err != nil {
				continuous = nil
				if errors.Is(err, ErrAuthFailed) {
					return true
				}
				return false
			}
		case <-pollTimer.C:
			// Idle ticks run the full refresh so Probed groups (Zoom,
			// Focus, Lens, NTP) are still picked up after the initial
			// connect poll; writes get a cheaper short poll above.
			if err := s.pollGroups(ctx, false); err != nil {
				if errors.Is(err, ErrAuthFailed) {
					return true
				}
				return false
			}
			pollTimer.Reset(s.pollInterval)
		}
	}
}

func (s *Session) sendCommand(ctx context.Context, cmd Command) error {
	var env requestEnvelope
	env.Request.Command = cmd.APICommand
	env.Request.Params = cmd.Params
	body, err := json.Marshal(env)
	if err != nil {
		s.sink.ApplyWriteFailure(cmd.Group, cmd.Param, err)
		return err
	}
	var lastErr error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		data, err := s.client.doRequest(ctx, cmd.APICommand, body)
		if err == nil {
			s.sink.ApplyCommandResult(cmd.Group, cmd.Param, data, time.Now())
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrAuthFailed) {
			return err
		}
	}
	s.sink.ApplyWriteFailure(cmd.Group, cmd.Param, lastErr)
	return lastErr
}

// pollGroups refreshes every enabled group. When short is true, groups
// marked Probed (NTP, Zoom, Focus, Lens) are skipped, matching
// original_source's short-poll behavior of only refreshing the
// lightweight groups on every cycle.
func (s *Session) pollGroups(ctx context.Context, short bool) error {
	now := time.Now()
	for _, name := range s.registry.Groups() {
		s.mu.Lock()
		unsupported := s.unsupported[name]
		s.mu.Unlock()
		if unsupported {
			continue
		}
		group, ok := s.registry.Group(name)
		if !ok {
			continue
		}
		if short && group.Poll.Probed {
			continue
		}
		data, err := s.client.Request(ctx, group.Poll.Path, nil)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				s.mu.Lock()
				s.unsupported[name] = true
				s.mu.Unlock()
				s.sink.MarkGroupUnsupported(name)
				continue
			}
			return err
		}
		payload := data
		if group.Poll.DataField != "" {
			if nested, ok := data[group.Poll.DataField].(map[string]any); ok {
				payload = nested
			}
		}
		s.sink.ApplyPoll(name, payload, now)
	}
	return nil
}
