package call

import (
	"context"
	"sync"

	"github.com/emsdesk/livecall/pkg/logger"
)

// SessionFactory builds a fresh session for one call in the requested
// language.
type SessionFactory func(language string) *Session

// Manager enforces the one-live-call-per-surface rule. Starting a new
// call while one is live aborts the old session first; the displaced
// session's resources are torn down before the new one dials out.
type Manager struct {
	factory         SessionFactory
	defaultLanguage string
	logger          *logger.Logger

	// Serializes the whole displace-dial-register sequence. Without it two
	// concurrent starts can both pass the displace check and leave two
	// sessions recording against one capture surface.
	startMu sync.Mutex

	mu      sync.Mutex
	current *Session
}

// NewManager creates a call manager.
func NewManager(factory SessionFactory, defaultLanguage string, log *logger.Logger) *Manager {
	return &Manager{
		factory:         factory,
		defaultLanguage: defaultLanguage,
		logger:          log.Named("call-manager"),
	}
}

// StartCall begins a new call session. An empty language selects the
// configured default.
func (m *Manager) StartCall(ctx context.Context, language string) (Snapshot, error) {
	if language == "" {
		language = m.defaultLanguage
	}

	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.Lock()
	prev := m.current
	m.mu.Unlock()

	if prev != nil && !prev.State().IsTerminal() {
		m.logger.Warn("New call displaces a live session",
			String("surface_id", prev.SurfaceID()))
		prev.Abort()
	}

	sess := m.factory(language)
	if err := sess.Start(ctx); err != nil {
		return sess.Snapshot(), err
	}

	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()
	return sess.Snapshot(), nil
}

// EndCall signals the current session to finalize.
func (m *Manager) EndCall() (Snapshot, error) {
	m.mu.Lock()
	sess := m.current
	m.mu.Unlock()

	if sess == nil {
		return Snapshot{State: StateIdle.String()}, ErrNoActiveSession
	}
	if err := sess.End(); err != nil {
		return sess.Snapshot(), err
	}
	return sess.Snapshot(), nil
}

// AbortCall hard-stops the current session, if any.
func (m *Manager) AbortCall() {
	m.mu.Lock()
	sess := m.current
	m.mu.Unlock()
	if sess != nil {
		sess.Abort()
	}
}

// Status reports the current session's state, or an idle snapshot when no
// call has been started yet.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	sess := m.current
	m.mu.Unlock()
	if sess == nil {
		return Snapshot{State: StateIdle.String(), Language: m.defaultLanguage}
	}
	return sess.Snapshot()
}
