package event

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"sync"
	"time"

	"github.com/cloudbsdorg/sysadm/internal/logging"
	"github.com/cloudbsdorg/sysadm/internal/sysadm/classify"
	"github.com/cloudbsdorg/sysadm/internal/sysadm/configstore"
	"github.com/cloudbsdorg/sysadm/internal/sysadm/dispatcher"
	"github.com/cloudbsdorg/sysadm/internal/sysadm/prober"
	"github.com/cloudbsdorg/sysadm/internal/sysadm/tailer"
)

var logger = logging.New(os.Stdout, "eventwatcher")

// Inventory owns the set of watched log files and periodic probes a
// Watcher draws events from (spec §4.6: "maintains an inventory of
// watched paths and periodic probes; additions are idempotent").
type Inventory struct {
	watcher *Watcher
	store   *configstore.Store
	metrics tailer.Metrics

	mu                       sync.Mutex
	logfiles                 map[string]struct{}
	probes                   map[string]struct{}
	consecutiveProbeFailures map[string]int
}

// NewInventory creates an Inventory that publishes into watcher. metrics
// is passed through to every Tailer the Inventory attaches; it may be
// nil.
func NewInventory(watcher *Watcher, store *configstore.Store, metrics tailer.Metrics) *Inventory {
	return &Inventory{
		watcher:                  watcher,
		store:                    store,
		metrics:                  metrics,
		logfiles:                 make(map[string]struct{}),
		probes:                   make(map[string]struct{}),
		consecutiveProbeFailures: make(map[string]int),
	}
}

// WireDispatcher forwards a Dispatcher's Starting/Update signals as
// "dispatcher" events until ctx is cancelled (spec §4.6: "Dispatcher
// signals are wrapped as dispatcher events with no extra processing
// beyond adding process_id and state").
func (inv *Inventory) WireDispatcher(ctx context.Context, d *dispatcher.Dispatcher) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-d.Events():
				if !ok {
					return
				}
				inv.watcher.Publish(translateDispatchEvent(ev))
			}
		}
	}()
}

func translateDispatchEvent(ev dispatcher.DispatchEvent) Event {
	payload := map[string]interface{}{
		"process_id": ev.JobID,
		"queue":      ev.Queue,
	}
	switch ev.Kind {
	case dispatcher.EventStarting:
		payload["state"] = "running"
	case dispatcher.EventUpdate:
		payload["state"] = string(ev.Snapshot.State)
		payload["terminal"] = ev.Terminal
		if ev.Terminal {
			payload["success"] = ev.Snapshot.Success
			payload["log"] = ev.Snapshot.Log
			payload["exit_codes"] = ev.Snapshot.ExitCodes
			if ev.Notification != nil {
				for k, v := range ev.Notification {
					payload[k] = v
				}
			}
		} else {
			payload["command"] = ev.Command
			payload["delta"] = ev.Delta
		}
	}
	return Event{Type: TypeDispatcher, Payload: payload}
}

// AddLogFile idempotently attaches a Tailer to path, tagged tag, and
// runs the reference replication/snapshot line classifier over its
// appended text (spec §4.6). Recognized lines produce domain events;
// unrecognized lines are dropped. A "replication/started" line causes
// the Inventory to also begin tailing the per-run replication log it
// names, through AddRunCounterLog.
func (inv *Inventory) AddLogFile(ctx context.Context, tag, path string) {
	inv.mu.Lock()
	if _, exists := inv.logfiles[path]; exists {
		inv.mu.Unlock()
		logger.Infof("log file %s already watched, skipping duplicate attach", path)
		return
	}
	inv.logfiles[path] = struct{}{}
	inv.mu.Unlock()

	t := tailer.New(path, inv.store)
	t.Metrics = inv.metrics
	go t.Run(ctx)
	go inv.classifyLogfile(ctx, tag, t.Blocks)
}

func (inv *Inventory) classifyLogfile(ctx context.Context, tag string, blocks <-chan tailer.Block) {
	lineType := LogfileType(tag)
	var carry bytes.Buffer

	for block := range blocks {
		carry.Write(block.Data)
		// Only whole lines are classified; a trailing partial line stays
		// in carry until a later block completes it.
		consumed := bytes.LastIndexByte(carry.Bytes(), '\n') + 1
		scanner := bufio.NewScanner(bytes.NewReader(carry.Bytes()[:consumed]))
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()

			result := classify.ReplicationSnapshot(line)
			if !result.Matched {
				continue
			}

			inv.watcher.Publish(Event{Type: lineType, Payload: result.Payload})

			if result.Type == classify.ReplicationStarted {
				if logfile, ok := result.Payload["logfile"].(string); ok && logfile != "" {
					inv.AddRunCounterLog(ctx, logfile)
				}
			}
		}

		if consumed < carry.Len() {
			remaining := append([]byte(nil), carry.Bytes()[consumed:]...)
			carry.Reset()
			carry.Write(remaining)
		} else {
			carry.Reset()
		}
	}
}

// AddRunCounterLog idempotently attaches a Tailer to a per-run
// replication log and emits throttled replication/progress events as
// its byte counters advance (spec §4.6).
func (inv *Inventory) AddRunCounterLog(ctx context.Context, path string) {
	inv.mu.Lock()
	if _, exists := inv.logfiles[path]; exists {
		inv.mu.Unlock()
		return
	}
	inv.logfiles[path] = struct{}{}
	inv.mu.Unlock()

	t := tailer.New(path, inv.store)
	t.Metrics = inv.metrics
	go t.Run(ctx)

	go func() {
		counters := &classify.RunCounters{}
		var carry bytes.Buffer
		for block := range t.Blocks {
			carry.Write(block.Data)
			consumed := bytes.LastIndexByte(carry.Bytes(), '\n') + 1
			scanner := bufio.NewScanner(bytes.NewReader(carry.Bytes()[:consumed]))
			for scanner.Scan() {
				line := scanner.Text()
				if counters.Observe(line) {
					inv.watcher.Publish(Event{Type: TypeLogfileRun(path), Payload: map[string]interface{}{
						"total_bytes":   counters.TotalBytes,
						"current_bytes": counters.CurrentBytes,
					}})
				}
			}
			if consumed < carry.Len() {
				remaining := append([]byte(nil), carry.Bytes()[consumed:]...)
				carry.Reset()
				carry.Write(remaining)
			} else {
				carry.Reset()
			}
		}
	}()
}

// TypeLogfileRun builds the event type for a per-run replication log's
// progress events.
func TypeLogfileRun(path string) Type { return LogfileType("replication-run:" + path) }

// AddHealthProbe idempotently attaches a system-health Prober and
// computes the health priority from its report (spec §4.6, §7: "three
// consecutive failures escalate to a health event with priority=6").
func (inv *Inventory) AddHealthProbe(ctx context.Context, name string, p *prober.Prober, toReport func(map[string]interface{}) classify.HealthReport) {
	inv.mu.Lock()
	if _, exists := inv.probes[name]; exists {
		inv.mu.Unlock()
		return
	}
	inv.probes[name] = struct{}{}
	inv.mu.Unlock()

	go p.Run(ctx)
	go func() {
		for res := range p.Results {
			if err := inv.store.Set(configstore.ProbeLastRunKey(name), res.At.Format(time.RFC3339)); err != nil {
				logger.Warnf("persist last_run for probe %q; error: %s", name, err)
			}

			if res.Err != nil {
				inv.mu.Lock()
				inv.consecutiveProbeFailures[name]++
				failures := inv.consecutiveProbeFailures[name]
				inv.mu.Unlock()

				if failures >= 3 {
					inv.watcher.Publish(Event{Type: TypeHealth, Payload: map[string]interface{}{
						"display": 6,
						"probe":   name,
						"error":   res.Err.Error(),
					}})
				}
				continue
			}

			inv.mu.Lock()
			inv.consecutiveProbeFailures[name] = 0
			inv.mu.Unlock()

			report := toReport(res.Payload)
			priority := classify.Priority(report)

			payload := map[string]interface{}{
				"display":           priority,
				"hostname":          report.Hostname,
				"pools":             report.Pools,
				"updates_available": report.UpdatesAvailable,
				"reboot_required":   report.RebootRequired,
			}
			inv.watcher.Publish(Event{Type: TypeHealth, Payload: payload})
		}
	}()
}
