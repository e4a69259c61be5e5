package failover

import (
	"context"
	"sync"
	"time"

	"pigo/pkg/log"
	"pigo/pkg/models"
)

// EventKind identifies a one-shot session notification.
type EventKind string

const (
	// EventResolved is sent when the start race moved the session off the selected address.
	EventResolved EventKind = "resolved"
	// EventSwitched is sent once per automatic switch to the warm alternate.
	EventSwitched EventKind = "switched"
	// EventExhausted is sent when the error budget ran out and no alternate was available.
	EventExhausted EventKind = "exhausted"
)

// Event is a one-shot notification for the UI, e.g. a "switched to URL" snackbar.
type Event struct {
	Kind EventKind `json:"kind"`
	URL  string    `json:"url,omitempty"`
	From string    `json:"from,omitempty"`
	At   time.Time `json:"at"`
}

// ErrorEvent describes a load failure of the active URL.
type ErrorEvent struct {
	// URL is the URL that failed. Errors for any URL other than the active one are ignored.
	URL         string `json:"url"`
	Description string `json:"description"`
	StatusCode  int    `json:"status_code,omitempty"`
}

// State is a snapshot of a session.
type State struct {
	ID                string `json:"id"`
	DeviceID          string `json:"device_id"`
	ServiceID         string `json:"service_id"`
	ActiveURL         string `json:"active_url"`
	AlternateURL      string `json:"alternate_url,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	Exhausted         bool   `json:"exhausted"`
	LastError         string `json:"last_error,omitempty"`
	Switches          int    `json:"switches"`
	Ready             bool   `json:"ready"`
	Closed            bool   `json:"closed"`
}

// Session keeps one open service on a live address and a warm alternate ready.
type Session struct {
	id       string
	deviceID string
	manager  *Manager
	service  models.Service

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}

	mu            sync.Mutex
	device        models.Device
	active        string
	activeAddr    string
	alternate     string
	alternateAddr string
	altGen        uint64
	errors        int
	exhausted     bool
	lastError     string
	switches      int
	moved         bool
	isReady       bool
	closed        bool
	events        chan Event
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Events delivers one-shot notifications. The channel is closed when the session closes.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Ready is closed once the start race has finished.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// State returns the current session snapshot.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	return State{
		ID:                s.id,
		DeviceID:          s.deviceID,
		ServiceID:         s.service.ID,
		ActiveURL:         s.active,
		AlternateURL:      s.alternate,
		ConsecutiveErrors: s.errors,
		Exhausted:         s.exhausted,
		LastError:         s.lastError,
		Switches:          s.switches,
		Ready:             s.isReady,
		Closed:            s.closed,
	}
}

// start races every candidate for the best start address and arms the alternate.
func (s *Session) start() {
	s.mu.Lock()
	urls := models.CandidateURLs(s.device.Candidates(), s.service)
	s.armAlternateLocked()
	s.mu.Unlock()

	go func() {
		defer close(s.ready)

		url, ok := s.manager.resolver.ResolveFirstLive(s.ctx, urls, s.manager.opts.StartTimeout)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		s.isReady = true
		if !ok || url == s.active || s.moved {
			return
		}

		from := s.active
		s.setActiveLocked(url)
		s.alternate, s.alternateAddr = "", ""
		s.armAlternateLocked()
		s.emitLocked(Event{Kind: EventResolved, URL: url, From: from})

		log.Info().
			Str("session_id", s.id).
			Str("from", from).
			Str("url", url).
			Msg("Session started on a different address")
	}()
}

// armAlternateLocked starts a race over every candidate except the active address. Results of an
// older race are discarded.
func (s *Session) armAlternateLocked() {
	s.altGen++
	gen := s.altGen

	addrs := s.device.AlternatesTo(s.activeAddr)
	if len(addrs) == 0 {
		return
	}
	urls := models.CandidateURLs(addrs, s.service)

	go func() {
		url, ok := s.manager.resolver.ResolveFirstLive(s.ctx, urls, s.manager.opts.AlternateTimeout)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || gen != s.altGen || !ok || url == s.active {
			return
		}
		s.alternate = url
		s.alternateAddr = s.addressOf(url)
		log.Debug().Str("session_id", s.id).Str("alternate", url).Msg("Alternate address ready")
	}()
}

func (s *Session) setActiveLocked(url string) {
	s.active = url
	s.activeAddr = s.addressOf(url)
}

// addressOf maps a candidate URL back to its device address.
func (s *Session) addressOf(url string) string {
	for _, addr := range s.device.Candidates() {
		if s.service.URL(addr) == url {
			return addr
		}
	}
	return ""
}

// OnPrimaryError reports a load failure of the active URL. With a warm alternate the session
// switches to it; otherwise the failure counts against the error budget.
func (s *Session) OnPrimaryError(ev ErrorEvent) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || (ev.URL != "" && ev.URL != s.active) {
		return s.stateLocked()
	}
	s.lastError = ev.Description

	if s.alternate != "" && s.alternate != s.active {
		from := s.active
		s.active, s.activeAddr = s.alternate, s.alternateAddr
		s.alternate, s.alternateAddr = "", ""
		s.errors = 0
		s.exhausted = false
		s.switches++
		s.moved = true
		s.armAlternateLocked()
		s.emitLocked(Event{Kind: EventSwitched, URL: s.active, From: from})

		log.Info().
			Str("session_id", s.id).
			Str("from", from).
			Str("url", s.active).
			Str("error", ev.Description).
			Msg("Switched to alternate address")
		return s.stateLocked()
	}

	s.errors++
	if s.errors > s.manager.opts.MaxConsecutiveErrors && !s.exhausted {
		s.exhausted = true
		s.emitLocked(Event{Kind: EventExhausted, URL: s.active})
		log.Warn().
			Str("session_id", s.id).
			Str("url", s.active).
			Int("errors", s.errors).
			Msg("Session exhausted, no alternate address available")
	}
	return s.stateLocked()
}

// OnLoad reports a successful load of the active URL.
func (s *Session) OnLoad() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.errors = 0
		s.exhausted = false
		s.lastError = ""
	}
	return s.stateLocked()
}

// Retry clears the error state and reloads the service on the device's selected address.
func (s *Session) Retry(_ context.Context) (State, error) {
	device, err := s.manager.store.Get(s.deviceID)
	if err != nil {
		return s.State(), err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.stateLocked(), ErrSessionClosed
	}
	s.device = device
	s.errors = 0
	s.exhausted = false
	s.lastError = ""
	s.setActiveLocked(s.service.URL(device.SelectedAddress))
	s.moved = true
	s.alternate, s.alternateAddr = "", ""
	s.armAlternateLocked()
	return s.stateLocked(), nil
}

// SwitchAddress forces the session and the device's selected address onto address.
func (s *Session) SwitchAddress(_ context.Context, address string) (State, error) {
	if s.isClosed() {
		return s.State(), ErrSessionClosed
	}
	device, err := s.manager.store.SwitchAddress(s.deviceID, address)
	if err != nil {
		return s.State(), err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.stateLocked(), ErrSessionClosed
	}
	s.device = device
	s.errors = 0
	s.exhausted = false
	s.setActiveLocked(s.service.URL(address))
	s.moved = true
	s.alternate, s.alternateAddr = "", ""
	s.armAlternateLocked()
	return s.stateLocked(), nil
}

// Close cancels every in-flight race. No event is sent afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	close(s.events)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) emitLocked(ev Event) {
	ev.At = time.Now()
	select {
	case s.events <- ev:
	default:
		log.Warn().Str("session_id", s.id).Str("kind", string(ev.Kind)).Msg("Session event dropped")
	}
}
