// Package prober implements the Periodic Prober described in spec
// §4.5: invoke a probe function on a fixed interval, emit its result as
// an event, and skip rather than queue an overrun tick.
package prober

import (
	"context"
	"os"
	"time"

	"github.com/cloudbsdorg/sysadm/internal/logging"
)

var logger = logging.New(os.Stdout, "prober")

// DefaultHealthInterval is the default schedule for system-health
// probes (spec §4.5).
const DefaultHealthInterval = 15 * time.Minute

// DefaultFileRefreshInterval is the default schedule for file-refresh
// probes (spec §4.5).
const DefaultFileRefreshInterval = 60 * time.Minute

// Func is a pluggable probe; it returns a structured result or an
// error.
type Func func(ctx context.Context) (map[string]interface{}, error)

// Result is one completed probe invocation.
type Result struct {
	Name    string
	At      time.Time
	Payload map[string]interface{}
	Err     error
}

// Metrics receives probe-failure instrumentation. A nil Metrics is a
// no-op.
type Metrics interface {
	ProbeFailed(probe string)
}

// Prober fires Probe at Interval and reports each completed invocation
// on Results. Probes run one at a time; an overrun tick is skipped
// rather than queued (spec §4.5).
type Prober struct {
	Name     string
	Interval time.Duration
	Probe    Func
	Results  chan Result

	// Metrics, if set, is reported to every time the probe returns an
	// error.
	Metrics Metrics
}

// New creates a Prober. If interval is zero, DefaultHealthInterval is
// used.
func New(name string, interval time.Duration, probe Func) *Prober {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	return &Prober{Name: name, Interval: interval, Probe: probe, Results: make(chan Result, 4)}
}

// Run fires the probe on schedule until ctx is cancelled, then closes
// Results.
func (p *Prober) Run(ctx context.Context) {
	defer close(p.Results)

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	busy := false
	done := make(chan Result, 1)

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if busy {
				logger.Warnf("probe %q overran its interval; skipping this tick", p.Name)
				continue
			}
			busy = true
			go func() {
				payload, err := p.Probe(ctx)
				done <- Result{Name: p.Name, At: time.Now(), Payload: payload, Err: err}
			}()

		case res := <-done:
			busy = false
			if res.Err != nil {
				logger.Warnf("probe %q failed; error: %s", p.Name, res.Err)
				if p.Metrics != nil {
					p.Metrics.ProbeFailed(p.Name)
				}
			}
			select {
			case p.Results <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}
