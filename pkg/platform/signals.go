package platform

import (
	"slices"
	"sync"
	"time"

	"pigo/pkg/log"

	"github.com/benbjohnson/clock"
)

// DefaultConnectivityDebounce is how long a connectivity change must persist before it is reported.
const DefaultConnectivityDebounce = 5 * time.Second

// Kind identifies a platform signal.
type Kind string

const (
	KindForeground   Kind = "foreground"
	KindFocus        Kind = "focus"
	KindConnectivity Kind = "connectivity"
)

// Signal is one reported platform change.
type Signal struct {
	Kind  Kind      `json:"kind"`
	Value bool      `json:"value"`
	At    time.Time `json:"at"`
}

// State is the current view of the platform.
type State struct {
	Foreground   bool      `json:"foreground"`
	Focused      bool      `json:"focused"`
	Connected    bool      `json:"connected"`
	ForegroundAt time.Time `json:"foreground_at"`
}

type subscriber struct {
	id uint64
	fn func(Signal)
}

// Signals tracks app foreground, screen focus and connectivity. It starts foregrounded,
// focused and connected.
type Signals struct {
	clock    clock.Clock
	debounce time.Duration

	mu        sync.Mutex
	state     State
	connTimer *clock.Timer
	connGen   uint64

	notifyMu    sync.Mutex
	subscribers []subscriber
	nextSubID   uint64
}

// New creates a signal hub. A non-positive debounce reports connectivity changes immediately.
func New(clk clock.Clock, debounce time.Duration) *Signals {
	if clk == nil {
		clk = clock.New()
	}
	return &Signals{
		clock:    clk,
		debounce: debounce,
		state: State{
			Foreground:   true,
			Focused:      true,
			Connected:    true,
			ForegroundAt: clk.Now(),
		},
	}
}

// State returns the current platform state.
func (s *Signals) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetForeground reports the app moving to the foreground or the background.
func (s *Signals) SetForeground(value bool) {
	s.mu.Lock()
	if s.state.Foreground == value {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	s.state.Foreground = value
	s.state.ForegroundAt = now
	s.mu.Unlock()

	s.emit(Signal{Kind: KindForeground, Value: value, At: now})
}

// SetFocused reports the dashboard screen gaining or losing focus.
func (s *Signals) SetFocused(value bool) {
	s.mu.Lock()
	if s.state.Focused == value {
		s.mu.Unlock()
		return
	}
	s.state.Focused = value
	s.mu.Unlock()

	s.emit(Signal{Kind: KindFocus, Value: value, At: s.clock.Now()})
}

// SetConnected reports a connectivity change. The change is applied once it has held for the
// debounce period; a flap back to the current value within that period cancels it.
func (s *Signals) SetConnected(value bool) {
	s.mu.Lock()
	if s.connTimer != nil {
		s.connTimer.Stop()
		s.connTimer = nil
	}
	s.connGen++
	if s.state.Connected == value {
		s.mu.Unlock()
		return
	}
	if s.debounce <= 0 {
		s.mu.Unlock()
		s.applyConnected(value, 0, false)
		return
	}

	gen := s.connGen
	s.connTimer = s.clock.AfterFunc(s.debounce, func() {
		s.applyConnected(value, gen, true)
	})
	s.mu.Unlock()

	log.Debug().Bool("connected", value).Dur("debounce", s.debounce).Msg("Connectivity change pending")
}

func (s *Signals) applyConnected(value bool, gen uint64, checkGen bool) {
	s.mu.Lock()
	if checkGen && gen != s.connGen {
		s.mu.Unlock()
		return
	}
	s.connTimer = nil
	if s.state.Connected == value {
		s.mu.Unlock()
		return
	}
	s.state.Connected = value
	s.mu.Unlock()

	log.Info().Bool("connected", value).Msg("Connectivity changed")
	s.emit(Signal{Kind: KindConnectivity, Value: value, At: s.clock.Now()})
}

// Subscribe registers fn for every reported signal and returns a function that removes it.
// A signal already being delivered may still reach fn after removal.
func (s *Signals) Subscribe(fn func(Signal)) func() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.nextSubID++
	id := s.nextSubID
	s.subscribers = append(s.subscribers, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.notifyMu.Lock()
			defer s.notifyMu.Unlock()
			s.subscribers = slices.DeleteFunc(s.subscribers, func(sub subscriber) bool { return sub.id == id })
		})
	}
}

// emit calls subscribers outside the lock so they may subscribe or unsubscribe from fn.
func (s *Signals) emit(sig Signal) {
	s.notifyMu.Lock()
	subs := slices.Clone(s.subscribers)
	s.notifyMu.Unlock()

	for _, sub := range subs {
		sub.fn(sig)
	}
}
