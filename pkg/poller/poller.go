package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"pigo/pkg/log"
	"pigo/pkg/models"
	"pigo/pkg/race"
	"pigo/pkg/store"

	"golang.org/x/sync/errgroup"
)

const (
	defaultCycleTimeout = 10 * time.Second
	defaultParallelism  = 20
)

var (
	// ErrCycleInProgress is returned when a cycle is requested while one is still running.
	// The request is dropped, not queued.
	ErrCycleInProgress = errors.New("poll cycle already in progress")

	// ErrCycleAborted is returned when the running cycle was cancelled before it completed.
	ErrCycleAborted = errors.New("poll cycle aborted")

	// ErrNoDevice is returned by Poll when no device is selected.
	ErrNoDevice = errors.New("no device selected")
)

// Resolver races candidate URLs.
type Resolver interface {
	Resolve(ctx context.Context, urls []string, timeout time.Duration) race.Outcome
}

// Store is the part of the device store the poller needs.
type Store interface {
	Selected() (models.Device, bool)
	ApplyReachability(update store.ReachabilityUpdate) (models.Device, error)
}

// Options configures a Poller.
type Options struct {
	// Timeout bounds a whole cycle, counted from its start.
	Timeout time.Duration
	// Parallelism caps the number of services probed at once.
	Parallelism int
}

// Poller re-probes every service of a device on its selected address.
type Poller struct {
	resolver    Resolver
	store       Store
	timeout     time.Duration
	parallelism int

	inProgress atomic.Bool
	cycleSeq   atomic.Uint64

	mu        sync.Mutex
	cancel    context.CancelCauseFunc
	cycleID   uint64
	startedAt time.Time
}

// New creates a poller.
func New(resolver Resolver, st Store, opts Options) *Poller {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCycleTimeout
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	return &Poller{
		resolver:    resolver,
		store:       st,
		timeout:     opts.Timeout,
		parallelism: opts.Parallelism,
	}
}

// RunCycle probes every service of device and returns a copy with the new reachability.
// device itself is never modified.
func (p *Poller) RunCycle(ctx context.Context, device models.Device) (models.Device, error) {
	out, _, err := p.runCycle(ctx, device)
	return out, err
}

func (p *Poller) runCycle(ctx context.Context, device models.Device) (models.Device, uint64, error) {
	if !p.inProgress.CompareAndSwap(false, true) {
		return device.Clone(), 0, ErrCycleInProgress
	}
	defer p.inProgress.Store(false)

	id := p.cycleSeq.Add(1)
	cycleCtx, cancel := context.WithCancelCause(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.cycleID = id
	p.startedAt = time.Now()
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.cancel = nil
		p.mu.Unlock()
		cancel(nil)
	}()

	out := device.Clone()
	if len(out.Services) == 0 {
		return out, id, nil
	}
	if out.SelectedAddress == "" {
		for i := range out.Services {
			out.Services[i].Reachable = models.Unreachable
		}
		return out, id, nil
	}

	deadlineCtx, stop := context.WithTimeout(cycleCtx, p.timeout)
	defer stop()

	flags := make([]models.Reachability, len(out.Services))
	var g errgroup.Group
	g.SetLimit(p.parallelism)
	for i, svc := range out.Services {
		url := svc.URL(out.SelectedAddress)
		g.Go(func() error {
			outcome := p.resolver.Resolve(deadlineCtx, []string{url}, p.timeout)
			flags[i] = models.ReachabilityOf(outcome.Found())
			if !outcome.Found() && outcome.Reason != models.ReasonAborted {
				log.Debug().
					Str("device_id", out.ID).
					Uint64("cycle_id", id).
					Str("service_id", svc.ID).
					Str("url", url).
					Str("reason", string(outcome.Reason)).
					Msg("Service unreachable")
			}
			return nil
		})
	}
	_ = g.Wait()

	if errors.Is(context.Cause(cycleCtx), ErrCycleAborted) || ctx.Err() != nil {
		log.Debug().Str("device_id", out.ID).Uint64("cycle_id", id).Msg("Poll cycle aborted")
		return device.Clone(), id, ErrCycleAborted
	}

	for i := range out.Services {
		out.Services[i].Reachable = flags[i]
	}
	return out, id, nil
}

// Poll runs one cycle against the selected device and commits the results to the store.
func (p *Poller) Poll(ctx context.Context) (models.Device, error) {
	device, ok := p.store.Selected()
	if !ok {
		return models.Device{}, ErrNoDevice
	}

	start := time.Now()
	result, id, err := p.runCycle(ctx, device)
	if err != nil {
		return models.Device{}, err
	}

	flags := make(map[string]store.ProbedFlag, len(result.Services))
	for _, svc := range result.Services {
		flags[svc.ID] = store.ProbedFlag{URL: svc.URL(device.SelectedAddress), Reachable: svc.Reachable}
	}
	merged, err := p.store.ApplyReachability(store.ReachabilityUpdate{
		DeviceID: device.ID,
		Address:  device.SelectedAddress,
		CycleID:  id,
		Flags:    flags,
	})
	if err != nil {
		log.Debug().Err(err).Str("device_id", device.ID).Uint64("cycle_id", id).Msg("Poll results discarded")
		return models.Device{}, err
	}

	log.Info().
		Str("device_id", device.ID).
		Uint64("cycle_id", id).
		Str("address", device.SelectedAddress).
		Int("services", len(merged.Services)).
		Int("reachable", merged.ReachableCount()).
		Dur("elapsed", time.Since(start)).
		Msg("Poll cycle completed")
	return merged, nil
}

// Cancel aborts the running cycle, if any. Its results are discarded.
func (p *Poller) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel(ErrCycleAborted)
	}
}

// InProgress reports whether a cycle is running.
func (p *Poller) InProgress() bool {
	return p.inProgress.Load()
}

// Cycle describes the most recently started cycle. Cadence and SinceForeground are owned by the
// scheduler and left zero.
func (p *Poller) Cycle() models.PollCycle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.PollCycle{
		ID:         p.cycleID,
		InProgress: p.inProgress.Load(),
		StartedAt:  p.startedAt,
	}
}
