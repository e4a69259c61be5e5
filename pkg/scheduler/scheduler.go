package scheduler

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"pigo/pkg/log"
	"pigo/pkg/models"
	"pigo/pkg/platform"
	"pigo/pkg/poller"
	"pigo/pkg/store"

	"github.com/benbjohnson/clock"
)

const (
	defaultCadence          = 30 * time.Second
	defaultBackoffCadence   = time.Second
	defaultBackoffMaxCycles = 5
	inputBuffer             = 128
)

// State is the scheduler's polling mode.
type State string

const (
	Idle    State = "idle"
	Active  State = "active"
	Backoff State = "backoff"
)

const (
	reasonDeviceSelected   = "device_selected"
	reasonDeviceDeselected = "device_deselected"
	reasonFocusLost        = "focus_lost"
	reasonBackgrounded     = "backgrounded"
	reasonResumed          = "resumed"
	reasonConnectivityLost = "connectivity_lost"
	reasonAddressSwitched  = "address_switched"
	reasonBackoffRecovered = "backoff_recovered"
	reasonBackoffExhausted = "backoff_exhausted"
)

// Poller runs reachability cycles against the selected device.
type Poller interface {
	Poll(ctx context.Context) (models.Device, error)
	Cancel()
	Cycle() models.PollCycle
}

// Options configures a Scheduler.
type Options struct {
	// Cadence is the interval between Active ticks.
	Cadence time.Duration
	// BackoffCadence is used in Backoff and for the first tick after leaving Idle.
	BackoffCadence time.Duration
	// BackoffMaxCycles is how many completed cycles Backoff lasts at most.
	BackoffMaxCycles int
	Clock            clock.Clock
}

// Transition is delivered to subscribers whenever the state changes.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Snapshot describes the scheduler at a point in time.
type Snapshot struct {
	State         State            `json:"state"`
	DeviceID      string           `json:"device_id,omitempty"`
	Cycle         models.PollCycle `json:"cycle"`
	Cycles        uint64           `json:"cycles"`
	DroppedTicks  uint64           `json:"dropped_ticks"`
	BackoffCycles int              `json:"backoff_cycles"`
	NextTickAt    *time.Time       `json:"next_tick_at,omitempty"`
	Focused       bool             `json:"focused"`
	Foreground    bool             `json:"foreground"`
	Connected     bool             `json:"connected"`

	foregroundAt time.Time
}

type inputKind int

const (
	inputSelected inputKind = iota
	inputDeselected
	inputFocus
	inputForeground
	inputConnectivity
	inputAddressSwitched
	inputTickDone
)

type input struct {
	kind      inputKind
	value     bool
	deviceID  string
	at        time.Time
	reachable int
	err       error
}

type subscriber struct {
	id uint64
	fn func(Transition)
}

// Scheduler drives the poller through the Idle, Active and Backoff states. All state is owned by
// the goroutine running Run; everything else talks to it through the input channel.
type Scheduler struct {
	poller           Poller
	clock            clock.Clock
	cadence          time.Duration
	backoffCadence   time.Duration
	backoffMaxCycles int

	inputs chan input
	done   chan struct{}
	once   sync.Once

	snapMu sync.RWMutex
	snap   Snapshot

	subsMu      sync.Mutex
	subscribers []subscriber
	nextSubID   uint64

	// loop-owned
	state         State
	deviceID      string
	focused       bool
	foreground    bool
	connected     bool
	foregroundAt  time.Time
	fastStart     bool
	backoffCycles int
	cycles        uint64
	dropped       uint64
	timer         *clock.Timer
	timerC        <-chan time.Time
	nextTickAt    time.Time
	ticking       bool
}

// New creates a scheduler in Idle. It assumes the app is focused, foregrounded and connected
// until told otherwise.
func New(p Poller, opts Options) *Scheduler {
	if opts.Cadence <= 0 {
		opts.Cadence = defaultCadence
	}
	if opts.BackoffCadence <= 0 {
		opts.BackoffCadence = defaultBackoffCadence
	}
	if opts.BackoffMaxCycles <= 0 {
		opts.BackoffMaxCycles = defaultBackoffMaxCycles
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	s := &Scheduler{
		poller:           p,
		clock:            opts.Clock,
		cadence:          opts.Cadence,
		backoffCadence:   opts.BackoffCadence,
		backoffMaxCycles: opts.BackoffMaxCycles,
		inputs:           make(chan input, inputBuffer),
		done:             make(chan struct{}),
		state:            Idle,
		focused:          true,
		foreground:       true,
		connected:        true,
		foregroundAt:     opts.Clock.Now(),
		fastStart:        true,
	}
	s.publish()
	return s
}

// Attach forwards platform signals and store selection events to the scheduler and seeds it with
// their current values. The returned function detaches both.
func (s *Scheduler) Attach(signals *platform.Signals, st store.Store) func() {
	var detach []func()

	if signals != nil {
		state := signals.State()
		s.send(input{kind: inputForeground, value: state.Foreground, at: state.ForegroundAt})
		s.send(input{kind: inputFocus, value: state.Focused})
		s.send(input{kind: inputConnectivity, value: state.Connected})

		detach = append(detach, signals.Subscribe(func(sig platform.Signal) {
			switch sig.Kind {
			case platform.KindForeground:
				s.send(input{kind: inputForeground, value: sig.Value, at: sig.At})
			case platform.KindFocus:
				s.FocusChanged(sig.Value)
			case platform.KindConnectivity:
				s.ConnectivityChanged(sig.Value)
			}
		}))
	}

	if st != nil {
		detach = append(detach, st.Subscribe(func(ev store.Event) {
			switch ev.Kind {
			case store.EventSelected:
				s.DeviceSelected(ev.Device.ID)
			case store.EventDeselected:
				s.DeviceDeselected()
			case store.EventAddressSwitched:
				s.AddressSwitched(ev.Device.ID)
			}
		}))
		if device, ok := st.Selected(); ok {
			s.DeviceSelected(device.ID)
		}
	}

	return func() {
		for _, fn := range detach {
			fn()
		}
	}
}

// DeviceSelected reports that the user opened a device.
func (s *Scheduler) DeviceSelected(deviceID string) {
	s.send(input{kind: inputSelected, deviceID: deviceID})
}

// DeviceDeselected reports that no device is shown any more.
func (s *Scheduler) DeviceDeselected() {
	s.send(input{kind: inputDeselected})
}

// FocusChanged reports the dashboard screen gaining or losing focus.
func (s *Scheduler) FocusChanged(focused bool) {
	s.send(input{kind: inputFocus, value: focused})
}

// ForegroundChanged reports the app moving to the foreground or the background.
func (s *Scheduler) ForegroundChanged(foreground bool) {
	s.send(input{kind: inputForeground, value: foreground, at: s.clock.Now()})
}

// ConnectivityChanged reports connectivity being lost or restored.
func (s *Scheduler) ConnectivityChanged(connected bool) {
	s.send(input{kind: inputConnectivity, value: connected})
}

// AddressSwitched reports a manual switch of the device's selected address.
func (s *Scheduler) AddressSwitched(deviceID string) {
	s.send(input{kind: inputAddressSwitched, deviceID: deviceID})
}

func (s *Scheduler) send(in input) {
	select {
	case s.inputs <- in:
	case <-s.done:
	}
}

// Snapshot returns the most recently published state.
func (s *Scheduler) Snapshot() Snapshot {
	s.snapMu.RLock()
	snap := s.snap
	s.snapMu.RUnlock()

	cycle := s.poller.Cycle()
	cycle.Cadence = snap.Cycle.Cadence
	cycle.SinceForeground = s.clock.Since(snap.foregroundAt)
	snap.Cycle = cycle
	return snap
}

// Subscribe registers fn for every state transition. fn runs on the scheduler goroutine.
func (s *Scheduler) Subscribe(fn func(Transition)) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	s.nextSubID++
	id := s.nextSubID
	s.subscribers = append(s.subscribers, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			s.subscribers = slices.DeleteFunc(s.subscribers, func(sub subscriber) bool { return sub.id == id })
		})
	}
}

// Run processes inputs and ticks until ctx is done. It must be called once.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.once.Do(func() { close(s.done) })

	log.Info().
		Dur("cadence", s.cadence).
		Dur("backoff_cadence", s.backoffCadence).
		Int("backoff_max_cycles", s.backoffMaxCycles).
		Msg("Poll scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.stopTimer()
			s.poller.Cancel()
			log.Info().Msg("Poll scheduler stopped")
			return ctx.Err()
		case in := <-s.inputs:
			s.handle(in)
		case <-s.timerC:
			s.stopTimer()
			s.tick(ctx)
		}
		s.publish()
	}
}

func (s *Scheduler) handle(in input) {
	switch in.kind {
	case inputSelected:
		s.deviceID = in.deviceID
		s.evaluate(reasonDeviceSelected)
	case inputDeselected:
		s.deviceID = ""
		s.evaluate(reasonDeviceDeselected)
	case inputFocus:
		s.focused = in.value
		s.evaluate(pick(in.value, reasonResumed, reasonFocusLost))
	case inputForeground:
		if s.foreground != in.value && !in.at.IsZero() {
			s.foregroundAt = in.at
		}
		s.foreground = in.value
		s.evaluate(pick(in.value, reasonResumed, reasonBackgrounded))
	case inputConnectivity:
		s.connected = in.value
		if !in.value && s.state != Idle {
			s.enterBackoff(reasonConnectivityLost)
		}
	case inputAddressSwitched:
		if s.state != Idle && in.deviceID == s.deviceID {
			if s.ticking {
				s.poller.Cancel()
			}
			s.enterBackoff(reasonAddressSwitched)
		}
	case inputTickDone:
		s.tickDone(in)
	}
}

// evaluate moves between Idle and the polling states.
func (s *Scheduler) evaluate(reason string) {
	wantPolling := s.deviceID != "" && s.focused && s.foreground
	switch {
	case !wantPolling && s.state != Idle:
		s.transition(Idle, reason)
		s.stopTimer()
		s.poller.Cancel()
		s.fastStart = true
		s.backoffCycles = 0
	case wantPolling && s.state == Idle:
		s.transition(Active, reason)
		s.schedule()
	}
}

func (s *Scheduler) enterBackoff(reason string) {
	s.backoffCycles = 0
	if s.state != Backoff {
		s.transition(Backoff, reason)
	}
	if !s.ticking {
		s.schedule()
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.state == Idle {
		return
	}
	if s.ticking {
		s.dropped++
		return
	}
	s.ticking = true
	go func() {
		device, err := s.poller.Poll(ctx)
		s.send(input{kind: inputTickDone, reachable: device.ReachableCount(), err: err})
	}()
}

func (s *Scheduler) tickDone(in input) {
	s.ticking = false

	switch {
	case in.err == nil:
		s.cycles++
		s.fastStart = false
		if s.state == Backoff {
			s.backoffCycles++
			switch {
			case in.reachable > 0:
				s.transition(Active, reasonBackoffRecovered)
			case s.backoffCycles >= s.backoffMaxCycles:
				s.transition(Active, reasonBackoffExhausted)
			}
		}
	case errors.Is(in.err, poller.ErrCycleInProgress):
		s.dropped++
	case errors.Is(in.err, poller.ErrCycleAborted), errors.Is(in.err, store.ErrStaleCycle):
		log.Debug().Err(in.err).Str("state", string(s.state)).Msg("Poll cycle discarded")
	default:
		log.Warn().Err(in.err).Str("device_id", s.deviceID).Msg("Poll cycle failed")
	}

	if s.state != Idle {
		s.schedule()
	}
}

func (s *Scheduler) currentCadence() time.Duration {
	if s.state == Backoff || s.fastStart {
		return s.backoffCadence
	}
	return s.cadence
}

// schedule replaces the pending tick with one after the current cadence.
func (s *Scheduler) schedule() {
	s.stopTimer()
	cadence := s.currentCadence()
	s.timer = s.clock.Timer(cadence)
	s.timerC = s.timer.C
	s.nextTickAt = s.clock.Now().Add(cadence)
}

func (s *Scheduler) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = nil
	s.timerC = nil
	s.nextTickAt = time.Time{}
}

func (s *Scheduler) transition(to State, reason string) {
	from := s.state
	s.state = to
	t := Transition{From: from, To: to, Reason: reason, At: s.clock.Now()}

	log.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Str("device_id", s.deviceID).
		Msg("Poll scheduler transition")

	s.subsMu.Lock()
	subs := slices.Clone(s.subscribers)
	s.subsMu.Unlock()
	for _, sub := range subs {
		sub.fn(t)
	}
}

func (s *Scheduler) publish() {
	snap := Snapshot{
		State:         s.state,
		DeviceID:      s.deviceID,
		Cycle:         models.PollCycle{Cadence: s.currentCadence()},
		Cycles:        s.cycles,
		DroppedTicks:  s.dropped,
		BackoffCycles: s.backoffCycles,
		Focused:       s.focused,
		Foreground:    s.foreground,
		Connected:     s.connected,
		foregroundAt:  s.foregroundAt,
	}
	if !s.nextTickAt.IsZero() {
		next := s.nextTickAt
		snap.NextTickAt = &next
	}
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}

func pick(cond bool, ifTrue, ifFalse string) string {
	if cond {
		return ifTrue
	}
	return ifFalse
}
