// Package assist drives the live call-assistant feed: one Session per
// active sales call, connecting to the upstream transcript stream and
// fanning events out to dashboard subscribers.
//
// The connection lifecycle is an explicit state machine:
//
//	idle -> connecting -> connected -> disconnected_retrying -> connecting ...
//
// with a fixed reconnect delay and a bounded retry budget; exhausting the
// budget moves the session to stopped. State and the last delivered
// transcript sequence are persisted, so a session restarted after a crash
// resumes from where it left off instead of replaying the whole call.
package assist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/northlight-studio/atelier/internal/store"
)

// State is a call-assistant connection state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateRetrying   State = "disconnected_retrying"
	StateStopped    State = "stopped"
)

// ErrRetriesExhausted is returned by Run when the reconnect budget is
// spent without reaching the upstream feed.
var ErrRetriesExhausted = errors.New("assist: reconnect retries exhausted")

// TranscriptEvent is one utterance from the upstream feed, optionally
// paired with a suggested response for the agent on the call.
type TranscriptEvent struct {
	Seq        int64  `json:"seq"`
	Speaker    string `json:"speaker"`
	Text       string `json:"text"`
	Suggestion string `json:"suggestion,omitempty"`
}

// resumeRequest tells the upstream feed where to pick up after a
// reconnect.
type resumeRequest struct {
	Type  string `json:"type"`
	After int64  `json:"after"`
}

// SessionStore persists session recovery state. *store.Store satisfies it.
type SessionStore interface {
	UpsertCallSession(ctx context.Context, sess store.CallSession) error
}

// Options configure a Session.
type Options struct {
	SessionID   string
	ProjectID   int64
	UpstreamURL string
	RetryDelay  time.Duration
	MaxRetries  int
	ResumeFrom  int64 // last transcript seq already delivered
}

// Session owns one upstream connection and its subscriber fan-out.
type Session struct {
	opts   Options
	dialer Dialer
	store  SessionStore
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	lastSeq int64
	retries int
	subs    map[chan TranscriptEvent]struct{}
	started time.Time
}

// NewSession builds a session in the idle state. Run starts it.
func NewSession(opts Options, dialer Dialer, st SessionStore, logger *slog.Logger) *Session {
	return &Session{
		opts:    opts,
		dialer:  dialer,
		store:   st,
		logger:  logger,
		state:   StateIdle,
		lastSeq: opts.ResumeFrom,
		subs:    make(map[chan TranscriptEvent]struct{}),
		started: time.Now().UTC(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.opts.SessionID
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastSeq returns the sequence number of the last delivered event.
func (s *Session) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Subscribe registers a transcript listener. The returned cancel func
// must be called to release the subscription. Slow subscribers drop
// events rather than stalling the feed.
func (s *Session) Subscribe() (<-chan TranscriptEvent, func()) {
	ch := make(chan TranscriptEvent, 64)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// Run drives the state machine until the context is cancelled or the
// retry budget is exhausted. It blocks; callers run it in a goroutine.
func (s *Session) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			s.transition(ctx, StateStopped)
			return nil
		}

		s.transition(ctx, StateConnecting)
		conn, err := s.dialer.DialContext(ctx, s.opts.UpstreamURL)
		if err != nil {
			s.logger.Warn("upstream dial failed", "session", s.opts.SessionID, "error", err)
			if stop := s.backoff(ctx); stop != nil {
				return stop
			}
			continue
		}

		s.mu.Lock()
		s.retries = 0
		s.mu.Unlock()
		s.transition(ctx, StateConnected)

		err = s.pump(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			s.transition(ctx, StateStopped)
			return nil
		}
		s.logger.Warn("upstream connection lost", "session", s.opts.SessionID, "error", err)
		if stop := s.backoff(ctx); stop != nil {
			return stop
		}
	}
}

// pump reads transcript events until the connection fails. A watcher
// goroutine closes the connection on context cancellation to unblock the
// read.
func (s *Session) pump(ctx context.Context, conn Conn) error {
	if err := conn.WriteJSON(resumeRequest{Type: "resume", After: s.LastSeq()}); err != nil {
		return fmt.Errorf("send resume request: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var ev TranscriptEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		s.deliver(ctx, ev)
	}
}

// deliver records and broadcasts an event. Events at or below the resume
// point are duplicates from the upstream replay and are skipped.
func (s *Session) deliver(ctx context.Context, ev TranscriptEvent) {
	s.mu.Lock()
	if ev.Seq <= s.lastSeq {
		s.mu.Unlock()
		return
	}
	s.lastSeq = ev.Seq
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	s.mu.Unlock()

	s.persist(ctx)
}

// backoff waits the fixed retry delay, counting an attempt against the
// budget. Returns a terminal error when the budget is spent, and nil when
// the caller should retry.
func (s *Session) backoff(ctx context.Context) error {
	s.mu.Lock()
	s.retries++
	exhausted := s.retries > s.opts.MaxRetries
	s.mu.Unlock()

	if exhausted {
		s.transition(ctx, StateStopped)
		return fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, s.opts.MaxRetries)
	}

	s.transition(ctx, StateRetrying)

	timer := time.NewTimer(s.opts.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		s.transition(ctx, StateStopped)
		return nil
	case <-timer.C:
		return nil
	}
}

func (s *Session) transition(ctx context.Context, next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = next
	s.mu.Unlock()

	s.logger.Debug("session state change",
		"session", s.opts.SessionID, "from", string(prev), "to", string(next))
	s.persist(ctx)
}

// persist writes recovery state. Persistence failures are logged, not
// fatal: the live feed keeps running on a degraded store.
func (s *Session) persist(ctx context.Context) {
	if s.store == nil {
		return
	}

	s.mu.Lock()
	sess := store.CallSession{
		ID:        s.opts.SessionID,
		ProjectID: s.opts.ProjectID,
		State:     string(s.state),
		LastSeq:   s.lastSeq,
		Retries:   s.retries,
		StartedAt: s.started,
	}
	s.mu.Unlock()

	if err := s.store.UpsertCallSession(context.WithoutCancel(ctx), sess); err != nil {
		s.logger.Error("failed to persist call session", "session", sess.ID, "error", err)
	}
}
