package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pigo/pkg/log"
	"pigo/pkg/models"
	"pigo/pkg/store"

	"github.com/google/uuid"
)

const (
	defaultStartTimeout         = 10 * time.Second
	defaultAlternateTimeout     = 10 * time.Second
	defaultMaxConsecutiveErrors = 2
	defaultEventBuffer          = 16
)

var (
	// ErrSessionNotFound is returned when the requested session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is returned when an operation targets a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// Resolver races candidate URLs.
type Resolver interface {
	ResolveFirstLive(ctx context.Context, urls []string, timeout time.Duration) (string, bool)
}

// Store is the part of the device store failover needs.
type Store interface {
	Get(id string) (models.Device, error)
	SwitchAddress(id, address string) (models.Device, error)
}

// Options configures a Manager.
type Options struct {
	// StartTimeout bounds the race for the best start address.
	StartTimeout time.Duration
	// AlternateTimeout bounds the race for the warm alternate.
	AlternateTimeout time.Duration
	// MaxConsecutiveErrors is how many failures are tolerated before the session is exhausted.
	MaxConsecutiveErrors int
	EventBuffer          int
}

// Manager owns the open service sessions.
type Manager struct {
	resolver Resolver
	store    Store
	opts     Options

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates a session manager.
func New(resolver Resolver, st Store, opts Options) *Manager {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaultStartTimeout
	}
	if opts.AlternateTimeout <= 0 {
		opts.AlternateTimeout = defaultAlternateTimeout
	}
	if opts.MaxConsecutiveErrors <= 0 {
		opts.MaxConsecutiveErrors = defaultMaxConsecutiveErrors
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	return &Manager{
		resolver: resolver,
		store:    st,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Open starts a session for a service of a device. The session loads the selected address right
// away while the start and alternate races run in the background. The session outlives ctx; only
// Close ends it.
func (m *Manager) Open(ctx context.Context, deviceID, serviceID string) (*Session, error) {
	device, err := m.store.Get(deviceID)
	if err != nil {
		return nil, err
	}
	svc, ok := device.Service(serviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrServiceNotFound, serviceID)
	}

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		id:       uuid.NewString(),
		deviceID: device.ID,
		manager:  m,
		service:  svc,
		ctx:      sessCtx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		device:   device,
		events:   make(chan Event, m.opts.EventBuffer),
	}
	initial := svc.URL(device.SelectedAddress)
	s.setActiveLocked(initial)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	s.start()

	log.Info().
		Str("session_id", s.id).
		Str("device_id", deviceID).
		Str("service_id", serviceID).
		Str("url", initial).
		Msg("Session opened")
	return s, nil
}

// Get returns an open session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// List returns a snapshot of every open session.
func (m *Manager) List() []State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]State, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.State())
	}
	return out
}

// Close closes and forgets a session.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.Close()
	log.Info().Str("session_id", id).Msg("Session closed")
	return nil
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
