package assist

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/northlight-studio/atelier/internal/config"
	"github.com/northlight-studio/atelier/internal/store"
)

// ErrSessionNotFound is returned when an operation names an unknown
// live session.
var ErrSessionNotFound = errors.New("assist: session not found")

// Manager owns the live call-assistant sessions exposed through the API.
type Manager struct {
	cfg    config.Assist
	store  *store.Store
	dialer Dialer
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	cancels  map[string]context.CancelFunc
}

// NewManager builds a manager. A nil dialer gets the production
// websocket dialer; tests inject their own.
func NewManager(cfg config.Assist, st *store.Store, dialer Dialer, logger *slog.Logger) *Manager {
	if dialer == nil {
		dialer = &WebsocketDialer{}
	}
	return &Manager{
		cfg:      cfg,
		store:    st,
		dialer:   dialer,
		logger:   logger,
		sessions: make(map[string]*Session),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start launches a session for the given project and returns it. When
// sessionID names a previously persisted session, the feed resumes from
// its recorded transcript position; an empty sessionID gets a fresh id.
func (m *Manager) Start(ctx context.Context, projectID int64, sessionID string) (*Session, error) {
	if !m.cfg.Enabled {
		return nil, fmt.Errorf("assist: disabled in configuration")
	}

	var resumeFrom int64
	if sessionID == "" {
		sessionID = newSessionID()
	} else if prev, err := m.store.GetCallSession(ctx, sessionID); err == nil {
		resumeFrom = prev.LastSeq
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("recover session %s: %w", sessionID, err)
	}

	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return existing, fmt.Errorf("assist: session %s already running", existing.opts.SessionID)
	}

	sess := NewSession(Options{
		SessionID:   sessionID,
		ProjectID:   projectID,
		UpstreamURL: m.cfg.UpstreamURL,
		RetryDelay:  m.cfg.RetryDelay.Duration,
		MaxRetries:  m.cfg.MaxRetries,
		ResumeFrom:  resumeFrom,
	}, m.dialer, m.store, m.logger)

	runCtx, cancel := context.WithCancel(ctx)
	m.sessions[sessionID] = sess
	m.cancels[sessionID] = cancel
	m.mu.Unlock()

	go func() {
		if err := sess.Run(runCtx); err != nil {
			m.logger.Error("call session ended", "session", sessionID, "error", err)
		}
		m.mu.Lock()
		delete(m.sessions, sessionID)
		delete(m.cancels, sessionID)
		m.mu.Unlock()
		cancel()
	}()

	return sess, nil
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Stop cancels a live session. Stopping an unknown id returns
// ErrSessionNotFound.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	cancel()
	return nil
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown cancels every live session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.cancels))
	for _, cancel := range m.cancels {
		cancels = append(cancels, cancel)
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func newSessionID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "call-000000000000"
	}
	return "call-" + hex.EncodeToString(buf)
}
