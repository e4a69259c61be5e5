package race

import (
	"context"
	"errors"
	"time"

	"pigo/pkg/log"
	"pigo/pkg/models"
	"pigo/pkg/probe"
)

// Outcome is the result of racing probes over a set of candidate URLs.
type Outcome struct {
	// URL is the winning candidate, empty when none answered.
	URL string
	// Index is the winner's position in the de-duplicated candidate list, -1 when none answered.
	Index int
	// Reason explains a race without winner. It is the failure of the highest-priority candidate
	// that reported back, or timeout/aborted when the race context ended first.
	Reason models.ProbeReason
	// Failures holds the losing probes that reported before the race was decided. Informational only.
	Failures []models.ProbeResult
	Elapsed  time.Duration
}

// Found reports whether a candidate answered.
func (o Outcome) Found() bool {
	return o.Index >= 0
}

// Resolver races AddressProbe calls and keeps the first success.
type Resolver struct {
	probe probe.Probe
}

// NewResolver creates a resolver on top of the given probe.
func NewResolver(p probe.Probe) *Resolver {
	return &Resolver{probe: p}
}

type indexedResult struct {
	index  int
	result models.ProbeResult
}

// ResolveFirstLive returns the first candidate to answer successfully within timeout.
// A false second value is the expected outcome for an offline device, not an error.
func (r *Resolver) ResolveFirstLive(ctx context.Context, urls []string, timeout time.Duration) (string, bool) {
	outcome := r.Resolve(ctx, urls, timeout)
	return outcome.URL, outcome.Found()
}

// Resolve races one probe per candidate under a shared context. The first success wins and the
// shared context is cancelled so every other in-flight probe aborts. Results delivered after the
// decision are discarded. The race never outlives timeout, even if a probe ignores cancellation.
func (r *Resolver) Resolve(ctx context.Context, urls []string, timeout time.Duration) Outcome {
	start := time.Now()
	candidates := dedupe(urls)
	if len(candidates) == 0 {
		return Outcome{Index: -1, Reason: models.ReasonNoCandidates}
	}
	if timeout <= 0 {
		timeout = probe.DefaultTimeout
	}

	raceCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so that losers finishing after the decision never block.
	results := make(chan indexedResult, len(candidates))
	for i, url := range candidates {
		go func() {
			results <- indexedResult{index: i, result: r.probe.Probe(raceCtx, url, timeout)}
		}()
	}

	outcome := Outcome{Index: -1}
	failures := make([]indexedResult, 0, len(candidates))

	for received := 0; received < len(candidates); received++ {
		var res indexedResult
		select {
		case res = <-results:
		case <-raceCtx.Done():
			outcome.Reason = models.ReasonTimeout
			if errors.Is(ctx.Err(), context.Canceled) {
				outcome.Reason = models.ReasonAborted
			}
			outcome.Failures = collect(failures)
			outcome.Elapsed = time.Since(start)
			return outcome
		}

		if !res.result.Reachable {
			failures = append(failures, res)
			continue
		}

		winner := res
		// Successes already queued in the same instant compete on candidate order.
	drain:
		for received+1 < len(candidates) {
			select {
			case other := <-results:
				received++
				if !other.result.Reachable {
					failures = append(failures, other)
					continue
				}
				if other.index < winner.index {
					winner = other
				}
			default:
				break drain
			}
		}
		cancel()

		outcome.URL = winner.result.URL
		outcome.Index = winner.index
		outcome.Failures = collect(failures)
		outcome.Elapsed = time.Since(start)
		log.Debug().
			Str("url", outcome.URL).
			Int("candidates", len(candidates)).
			Int64("latency_ms", winner.result.Latency).
			Msg("Race won")
		return outcome
	}

	outcome.Failures = collect(failures)
	outcome.Reason = primaryReason(failures)
	outcome.Elapsed = time.Since(start)
	for _, failure := range outcome.Failures {
		log.Debug().
			Str("url", failure.URL).
			Str("reason", string(failure.Reason)).
			Str("error", failure.Error).
			Msg("Candidate unreachable")
	}
	return outcome
}

// primaryReason picks the failure reason of the lowest-index candidate.
func primaryReason(failures []indexedResult) models.ProbeReason {
	best := -1
	reason := models.ReasonNone
	for _, f := range failures {
		if best == -1 || f.index < best {
			best = f.index
			reason = f.result.Reason
		}
	}
	return reason
}

func collect(failures []indexedResult) []models.ProbeResult {
	if len(failures) == 0 {
		return nil
	}
	out := make([]models.ProbeResult, len(failures))
	for i, f := range failures {
		out[i] = f.result
	}
	return out
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		if url == "" {
			continue
		}
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		out = append(out, url)
	}
	return out
}
