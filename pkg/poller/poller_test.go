package poller

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pigo/pkg/models"
	"pigo/pkg/race"
	"pigo/pkg/store"

	"github.com/stretchr/testify/suite"
)

// fakeResolver answers per URL. URLs in block wait for the context.
type fakeResolver struct {
	mu        sync.Mutex
	reachable map[string]bool
	block     map[string]bool
	seen      []string
	started   chan string

	running    atomic.Int32
	maxRunning atomic.Int32
	delay      time.Duration
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		reachable: map[string]bool{},
		block:     map[string]bool{},
		started:   make(chan string, 64),
	}
}

func (f *fakeResolver) Resolve(ctx context.Context, urls []string, timeout time.Duration) race.Outcome {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		peak := f.maxRunning.Load()
		if n <= peak || f.maxRunning.CompareAndSwap(peak, n) {
			break
		}
	}

	f.mu.Lock()
	f.seen = append(f.seen, urls...)
	url := urls[0]
	ok := f.reachable[url]
	blocked := f.block[url]
	f.mu.Unlock()
	f.started <- url

	if blocked {
		<-ctx.Done()
		return race.Outcome{Index: -1, Reason: models.ReasonAborted}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return race.Outcome{Index: -1, Reason: models.ReasonTimeout}
		}
	}
	if !ok {
		return race.Outcome{Index: -1, Reason: models.ReasonNetwork}
	}
	return race.Outcome{URL: url, Index: 0}
}

func (f *fakeResolver) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

const (
	piholeURL = "http://192.168.1.10:80/admin/"
	plexURL   = "http://192.168.1.10:32400/web/index.html"
)

func testDevice() models.Device {
	return models.Device{
		ID:              "pi",
		Name:            "pi",
		Addresses:       []string{"192.168.1.10", "192.168.1.11"},
		SelectedAddress: "192.168.1.10",
		Services: []models.Service{
			{ID: "pihole", Name: "Pi-hole", Path: "/admin/", Port: 80},
			{ID: "plex", Name: "Plex", Path: "/web/index.html", Port: 32400},
		},
	}
}

// PollerTestSuite tests the reachability poller
type PollerTestSuite struct {
	suite.Suite
	resolver *fakeResolver
	store    *store.Memory
	poller   *Poller
}

func (s *PollerTestSuite) SetupTest() {
	s.resolver = newFakeResolver()
	s.store = store.NewMemory()
	s.poller = New(s.resolver, s.store, Options{Timeout: time.Second, Parallelism: 4})
}

// TestRunCycleMergesCopy tests that results land on a copy
func (s *PollerTestSuite) TestRunCycleMergesCopy() {
	s.resolver.reachable[piholeURL] = true
	device := testDevice()

	result, err := s.poller.RunCycle(context.Background(), device)
	s.Require().NoError(err)

	s.Equal(models.Reachable, result.Services[0].Reachable)
	s.Equal(models.Unreachable, result.Services[1].Reachable)
	s.Equal(models.Unknown, device.Services[0].Reachable, "input must not be mutated")
	s.Equal(models.Unknown, device.Services[1].Reachable)
}

// TestProbesSelectedAddressOnly tests that routine polling uses single-element candidate sets
func (s *PollerTestSuite) TestProbesSelectedAddressOnly() {
	_, err := s.poller.RunCycle(context.Background(), testDevice())
	s.Require().NoError(err)
	s.ElementsMatch([]string{piholeURL, plexURL}, s.resolver.urls())
}

// TestNoServices tests that an empty device comes back unchanged
func (s *PollerTestSuite) TestNoServices() {
	device := models.Device{ID: "empty", Addresses: []string{"10.0.0.1"}, SelectedAddress: "10.0.0.1"}
	result, err := s.poller.RunCycle(context.Background(), device)
	s.Require().NoError(err)
	s.Equal(device, result)
	s.Empty(s.resolver.urls())
}

// TestNoSelectedAddress tests that every service is reported unreachable
func (s *PollerTestSuite) TestNoSelectedAddress() {
	device := testDevice()
	device.SelectedAddress = ""

	result, err := s.poller.RunCycle(context.Background(), device)
	s.Require().NoError(err)
	for _, svc := range result.Services {
		s.Equal(models.Unreachable, svc.Reachable)
	}
	s.Empty(s.resolver.urls())
}

// TestCycleInProgressIsDropped tests the non-overlap guard
func (s *PollerTestSuite) TestCycleInProgressIsDropped() {
	s.resolver.block[piholeURL] = true
	done := make(chan error, 1)
	go func() {
		_, err := s.poller.RunCycle(context.Background(), testDevice())
		done <- err
	}()
	<-s.resolver.started
	s.True(s.poller.InProgress())

	_, err := s.poller.RunCycle(context.Background(), testDevice())
	s.ErrorIs(err, ErrCycleInProgress)

	s.poller.Cancel()
	s.ErrorIs(<-done, ErrCycleAborted)
	s.False(s.poller.InProgress())
}

// TestCancelDiscardsResults tests that an aborted cycle never reaches the store
func (s *PollerTestSuite) TestCancelDiscardsResults() {
	_, err := s.store.Upsert(testDevice())
	s.Require().NoError(err)
	_, err = s.store.Select("pi")
	s.Require().NoError(err)
	s.resolver.reachable[plexURL] = true
	s.resolver.block[piholeURL] = true

	done := make(chan error, 1)
	go func() {
		_, err := s.poller.Poll(context.Background())
		done <- err
	}()
	<-s.resolver.started
	s.poller.Cancel()
	s.ErrorIs(<-done, ErrCycleAborted)

	device, err := s.store.Get("pi")
	s.Require().NoError(err)
	for _, svc := range device.Services {
		s.Equal(models.Unknown, svc.Reachable)
	}
}

// TestParentCancellationAborts tests that cancelling the caller aborts the cycle
func (s *PollerTestSuite) TestParentCancellationAborts() {
	s.resolver.block[piholeURL] = true
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-s.resolver.started
		cancel()
	}()

	_, err := s.poller.RunCycle(ctx, testDevice())
	s.ErrorIs(err, ErrCycleAborted)
}

// TestCycleTimeout tests that a slow service resolves unreachable within the cycle timeout
func (s *PollerTestSuite) TestCycleTimeout() {
	s.poller = New(s.resolver, s.store, Options{Timeout: 100 * time.Millisecond})
	s.resolver.reachable[piholeURL] = true
	s.resolver.reachable[plexURL] = true
	s.resolver.delay = time.Hour

	start := time.Now()
	result, err := s.poller.RunCycle(context.Background(), testDevice())
	s.Require().NoError(err)
	s.Less(time.Since(start), time.Second)
	for _, svc := range result.Services {
		s.Equal(models.Unreachable, svc.Reachable)
	}
}

// TestParallelismLimit tests the bounded fan-out
func (s *PollerTestSuite) TestParallelismLimit() {
	s.poller = New(s.resolver, s.store, Options{Timeout: time.Second, Parallelism: 2})
	s.resolver.delay = 20 * time.Millisecond

	device := testDevice()
	device.Services = nil
	for port := 8000; port < 8008; port++ {
		device.Services = append(device.Services, models.Service{ID: "svc-" + strconv.Itoa(port), Name: "svc", Port: port})
	}

	_, err := s.poller.RunCycle(context.Background(), device)
	s.Require().NoError(err)
	s.LessOrEqual(s.resolver.maxRunning.Load(), int32(2))
	s.Len(s.resolver.urls(), 8)
}

// TestPollCommitsToStore tests the store round trip
func (s *PollerTestSuite) TestPollCommitsToStore() {
	_, err := s.poller.Poll(context.Background())
	s.ErrorIs(err, ErrNoDevice)

	_, err = s.store.Upsert(testDevice())
	s.Require().NoError(err)
	_, err = s.store.Select("pi")
	s.Require().NoError(err)
	s.resolver.reachable[plexURL] = true

	merged, err := s.poller.Poll(context.Background())
	s.Require().NoError(err)
	s.Equal(1, merged.ReachableCount())

	device, err := s.store.Get("pi")
	s.Require().NoError(err)
	s.Equal(models.Unreachable, device.Services[0].Reachable)
	s.Equal(models.Reachable, device.Services[1].Reachable)
}

// TestPollDiscardsResultsAfterAddressSwitch tests that a cycle for a switched-away address is stale
func (s *PollerTestSuite) TestPollDiscardsResultsAfterAddressSwitch() {
	_, err := s.store.Upsert(testDevice())
	s.Require().NoError(err)
	_, err = s.store.Select("pi")
	s.Require().NoError(err)
	s.resolver.reachable[piholeURL] = true
	s.resolver.reachable[plexURL] = true
	s.resolver.delay = 50 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := s.poller.Poll(context.Background())
		done <- err
	}()
	<-s.resolver.started
	_, err = s.store.SwitchAddress("pi", "192.168.1.11")
	s.Require().NoError(err)

	s.ErrorIs(<-done, store.ErrStaleCycle)
	device, err := s.store.Get("pi")
	s.Require().NoError(err)
	s.Equal(0, device.ReachableCount())
}

// TestPollSkipsServiceEditedMidCycle tests that a result for the old port is not applied to the edited service
func (s *PollerTestSuite) TestPollSkipsServiceEditedMidCycle() {
	_, err := s.store.Upsert(testDevice())
	s.Require().NoError(err)
	_, err = s.store.Select("pi")
	s.Require().NoError(err)
	s.resolver.reachable[piholeURL] = true
	s.resolver.delay = 100 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := s.poller.Poll(context.Background())
		done <- err
	}()
	<-s.resolver.started
	_, err = s.store.UpdateService("pi", models.Service{ID: "pihole", Name: "Pi-hole", Path: "/admin/", Port: 9999})
	s.Require().NoError(err)

	s.Require().NoError(<-done)
	device, err := s.store.Get("pi")
	s.Require().NoError(err)
	s.Equal(9999, device.Services[0].Port)
	s.Equal(models.Unknown, device.Services[0].Reachable)
	s.Equal(models.Unreachable, device.Services[1].Reachable)
	s.NotContains(s.resolver.urls(), "http://192.168.1.10:9999/admin/")
}

// TestCycleIDsIncrease tests cycle numbering
func (s *PollerTestSuite) TestCycleIDsIncrease() {
	s.Equal(uint64(0), s.poller.Cycle().ID)

	_, err := s.poller.RunCycle(context.Background(), testDevice())
	s.Require().NoError(err)
	first := s.poller.Cycle()
	s.Equal(uint64(1), first.ID)
	s.False(first.InProgress)
	s.False(first.StartedAt.IsZero())

	_, err = s.poller.RunCycle(context.Background(), testDevice())
	s.Require().NoError(err)
	s.Equal(uint64(2), s.poller.Cycle().ID)
}

func TestPollerSuite(t *testing.T) {
	suite.Run(t, new(PollerTestSuite))
}
