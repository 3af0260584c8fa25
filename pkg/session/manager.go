package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alpinelight/alpine/internal/crypto"
)

// Session-layer errors not part of the shared wire taxonomy.
var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrNotReady          = errors.New("session not ready")
	ErrNoKeys            = errors.New("session keys not derived")
	ErrUnknownSession    = errors.New("unknown session")
)

// Config tunes session establishment and retention.
type Config struct {
	// StepTimeout bounds each handshake step independently.
	StepTimeout time.Duration
	// EvictDelay keeps terminated sessions in the table briefly so trailing
	// packets are recognized as replays instead of unknown noise.
	EvictDelay time.Duration
}

const (
	// DefaultStepTimeout is the recommended per-step handshake deadline.
	DefaultStepTimeout = 5 * time.Second
	// DefaultEvictDelay is how long a terminated session lingers in the table.
	DefaultEvictDelay = 30 * time.Second

	// nonceMaxAge bounds how long handshake nonces are remembered for
	// replay detection.
	nonceMaxAge  = 10 * time.Minute
	reapInterval = time.Minute
)

func (c Config) withDefaults() Config {
	if c.StepTimeout <= 0 {
		c.StepTimeout = DefaultStepTimeout
	}
	if c.EvictDelay <= 0 {
		c.EvictDelay = DefaultEvictDelay
	}
	return c
}

// Manager owns the session table and drives handshakes on both roles.
// Sessions never share mutable state with each other; the table lock is
// held only for lookups and inserts, never across a handshake step.
type Manager struct {
	cfg      Config
	identity *crypto.Identity // our long-term Ed25519 identity

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	// Handshake replay protection: nonces and session IDs seen recently.
	replayMu   sync.Mutex
	seenNonces map[[32]byte]time.Time
	seenIDs    map[uuid.UUID]time.Time

	reapStop chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager with the given long-term identity.
func NewManager(cfg Config, identity *crypto.Identity) *Manager {
	m := &Manager{
		cfg:        cfg.withDefaults(),
		identity:   identity,
		sessions:   make(map[uuid.UUID]*Session),
		seenNonces: make(map[[32]byte]time.Time),
		seenIDs:    make(map[uuid.UUID]time.Time),
		reapStop:   make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Stop halts background maintenance and closes every live session.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.reapStop) })
	for _, s := range m.Sessions() {
		m.Close(s)
	}
}

// Get returns the session with the given ID, or nil.
func (m *Manager) Get(id uuid.UUID) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Sessions snapshots the live session list.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of sessions in the table, including any in the
// post-termination retention window.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close terminates a session and schedules its eviction from the table.
func (m *Manager) Close(s *Session) {
	s.Close()
	m.scheduleEvict(s.ID())
	slog.Debug("session closed", "session_id", s.ID())
}

// Fail terminates a session with an error and schedules eviction. The
// session is never reusable afterward.
func (m *Manager) Fail(s *Session, err error) {
	s.Fail(err)
	m.scheduleEvict(s.ID())
	slog.Warn("session failed", "session_id", s.ID(), "error", err)
}

func (m *Manager) insert(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
}

func (m *Manager) scheduleEvict(id uuid.UUID) {
	time.AfterFunc(m.cfg.EvictDelay, func() {
		m.mu.Lock()
		if s, ok := m.sessions[id]; ok && s.State().Terminal() {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
	})
}

// checkHandshakeReplay records the nonce and session ID of a handshake
// attempt, reporting whether either was seen before.
func (m *Manager) checkHandshakeReplay(id uuid.UUID, nonce []byte) bool {
	var key [32]byte
	copy(key[:], nonce)

	m.replayMu.Lock()
	defer m.replayMu.Unlock()
	if _, seen := m.seenNonces[key]; seen {
		return false
	}
	if _, seen := m.seenIDs[id]; seen {
		return false
	}
	now := time.Now()
	m.seenNonces[key] = now
	m.seenIDs[id] = now
	return true
}

// recordNonce remembers a peer nonce so its reuse is detected.
func (m *Manager) recordNonce(nonce []byte) bool {
	var key [32]byte
	copy(key[:], nonce)

	m.replayMu.Lock()
	defer m.replayMu.Unlock()
	if _, seen := m.seenNonces[key]; seen {
		return false
	}
	m.seenNonces[key] = time.Now()
	return true
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-nonceMaxAge)
			m.replayMu.Lock()
			for k, t := range m.seenNonces {
				if t.Before(cutoff) {
					delete(m.seenNonces, k)
				}
			}
			for k, t := range m.seenIDs {
				if t.Before(cutoff) {
					delete(m.seenIDs, k)
				}
			}
			m.replayMu.Unlock()
		case <-m.reapStop:
			return
		}
	}
}
