// Package dispatcher owns named queues of jobs, enforces per-queue
// serialization policy, and emits job lifecycle events (spec §4.3). All
// mutable dispatcher state is confined to a single owning goroutine;
// every public method sends a message on the dispatcher's inbox and
// waits for a reply, so there is no locking across the package (spec
// §5).
package dispatcher

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cloudbsdorg/sysadm/internal/logging"
	"github.com/cloudbsdorg/sysadm/internal/sysadm/job"
	"github.com/cloudbsdorg/sysadm/internal/validator"
)

var logger = logging.New(os.Stdout, "dispatcher")

// Policy is a queue's scheduling discipline.
type Policy string

const (
	// Serial allows at most one running job per queue, FIFO.
	Serial Policy = "serial"
	// Parallel runs every pending job immediately, unbounded.
	Parallel Policy = "parallel"
)

// NoneQueue is the distinguished always-available parallel queue (spec
// §3: "no serialization, run immediately and in parallel with
// anything").
const NoneQueue = "NONE"

// DebounceInterval coalesces bursts of Submit calls into one scheduler
// tick (spec §4.3).
const DebounceInterval = 30 * time.Millisecond

// RetentionWindow is how long a finished job stays visible to List
// after its terminal event (spec §9 Open Question decision).
const RetentionWindow = 60 * time.Second

// IdlePingInterval is how often a Pending job emits a liveness Update so
// UIs can distinguish "still queued" from "dropped" (spec §4.2).
const IdlePingInterval = 2 * time.Second

// Sentinel errors returned by Submit (spec §7).
var (
	ErrInvalidArgument = &argError{"invalid argument"}
	ErrDuplicateID     = &argError{"duplicate id"}
)

type argError struct{ msg string }

func (e *argError) Error() string { return e.msg }

// Notifier inspects a job's terminal log to optionally synthesize a
// domain-specific event in place of the raw log (spec §4.3
// CreateEventNotification hook). It returns ok=false to fall back to
// emitting the raw log.
type Notifier func(id string, snapshot job.Snapshot, terminal bool) (payload map[string]interface{}, ok bool)

// MetricsRecorder receives dispatcher lifecycle counts. A nil recorder
// is a no-op.
type MetricsRecorder interface {
	JobStarted(queue string)
	JobFinished(queue string, success bool)
	QueueDepth(queue string, depth int)
}

// EventKind distinguishes the two signals the Dispatcher forwards to
// the Event Watcher (spec §4.3).
type EventKind int

const (
	// EventStarting fires the moment a job's first command spawns.
	EventStarting EventKind = iota
	// EventUpdate carries a job's progress or terminal log update.
	EventUpdate
)

// DispatchEvent is one message on the Dispatcher's outbound event
// stream.
type DispatchEvent struct {
	Kind       EventKind
	JobID      string
	Queue      string
	Terminal   bool
	Snapshot   job.Snapshot
	Delta      string
	Command    string
	Notification map[string]interface{}
}

// JobSummary is one job's entry in a List() result. Finished jobs keep
// their Log and ExitCodes populated for the duration of the retention
// window (spec §3, §7: "its accumulated log is available via List").
type JobSummary struct {
	ID        string
	Commands  []string
	State     job.State
	Position  int // serial queue: number of unfinished jobs ahead of this one; -1 for the running job and in parallel queues
	Log       map[string]string
	ExitCodes map[string]int
}

// QueueSnapshot is one queue's entry in a List() result.
type QueueSnapshot struct {
	Name   string
	Policy Policy
	Jobs   []JobSummary
}

// Config declares the named queues a Dispatcher serves, besides the
// always-present NoneQueue.
type Config struct {
	Queues   map[string]Policy
	Notifier Notifier
	Metrics  MetricsRecorder
}

// Dispatcher is the single-owner job scheduler described by spec §4.3.
type Dispatcher struct {
	inbox  chan interface{}
	events chan DispatchEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	notifier Notifier
	metrics  MetricsRecorder

	queues map[string]*queueState
	jobs   map[string]*job.Job

	debounce *time.Timer
	sweep    *time.Ticker
	idle     *time.Ticker
}

type queueState struct {
	name     string
	policy   Policy
	order    []string
	finished map[string]time.Time
}

// New starts a Dispatcher's owning goroutine and returns a handle.
// ctx's cancellation begins the shutdown sequence described in spec §5.
func New(ctx context.Context, cfg Config) *Dispatcher {
	runCtx, cancel := context.WithCancel(ctx)

	queues := make(map[string]*queueState, len(cfg.Queues)+1)
	queues[NoneQueue] = &queueState{name: NoneQueue, policy: Parallel, finished: map[string]time.Time{}}
	for name, policy := range cfg.Queues {
		queues[name] = &queueState{name: name, policy: policy, finished: map[string]time.Time{}}
	}

	d := &Dispatcher{
		inbox:    make(chan interface{}, 256),
		events:   make(chan DispatchEvent, 1024),
		ctx:      runCtx,
		cancel:   cancel,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		queues:   queues,
		jobs:     make(map[string]*job.Job),
		sweep:    time.NewTicker(time.Second),
		idle:     time.NewTicker(IdlePingInterval),
	}

	d.wg.Add(1)
	go d.run()
	return d
}

// Events returns the Dispatcher's outbound stream. There is one stream
// per Dispatcher instance; the Event Watcher is its intended sole
// reader.
func (d *Dispatcher) Events() <-chan DispatchEvent { return d.events }

// Shutdown cancels every in-flight job and blocks until the owning
// goroutine drains, or until deadline elapses (spec §5's 30s global
// shutdown deadline is the caller's responsibility via ctx).
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warnf("shutdown deadline exceeded with jobs still running")
	}
}

// submit request/response types.
type submitReq struct {
	queue    string
	id       string
	commands []string
	workdir  string
	resp     chan error
}

type killReq struct {
	ids  []string
	resp chan []string
}

type listReq struct {
	resp chan []QueueSnapshot
}

type isActiveReq struct {
	id   string
	resp chan bool
}

type jobStartedMsg struct{ id string }
type jobUpdateMsg struct{ update job.Update }
type tickMsg struct{}
type sweepMsg struct{}
type idlePingMsg struct{}

// Submit enqueues a new job (spec §4.3).
func (d *Dispatcher) Submit(queue, id string, commands []string, workdir string) error {
	trimmed := make([]string, 0, len(commands))
	for _, c := range commands {
		if strings.TrimSpace(c) == "" {
			continue
		}
		trimmed = append(trimmed, c)
	}

	v := validator.New()
	v.Assert(len(trimmed) > 0, "commands must contain at least one non-blank entry")
	v.Assert(strings.TrimSpace(id) != "", "id must not be blank")
	if v.Err() != nil {
		return ErrInvalidArgument
	}

	resp := make(chan error, 1)
	req := submitReq{queue: queue, id: id, commands: trimmed, workdir: workdir, resp: resp}
	select {
	case d.inbox <- req:
	case <-d.ctx.Done():
		return ErrInvalidArgument
	}
	select {
	case err := <-resp:
		return err
	case <-d.ctx.Done():
		return ErrInvalidArgument
	}
}

// List returns a snapshot of all queues and their jobs (spec §4.3).
func (d *Dispatcher) List() []QueueSnapshot {
	resp := make(chan []QueueSnapshot, 1)
	select {
	case d.inbox <- listReq{resp: resp}:
	case <-d.ctx.Done():
		return nil
	}
	select {
	case snap := <-resp:
		return snap
	case <-d.ctx.Done():
		return nil
	}
}

// Kill asks the given job ids to cancel, returning the subset that were
// found (spec §4.3).
func (d *Dispatcher) Kill(ids []string) []string {
	resp := make(chan []string, 1)
	select {
	case d.inbox <- killReq{ids: ids, resp: resp}:
	case <-d.ctx.Done():
		return nil
	}
	select {
	case found := <-resp:
		return found
	case <-d.ctx.Done():
		return nil
	}
}

// IsActive reports whether id names a live, non-finished job (spec
// §4.3).
func (d *Dispatcher) IsActive(id string) bool {
	resp := make(chan bool, 1)
	select {
	case d.inbox <- isActiveReq{id: id, resp: resp}:
	case <-d.ctx.Done():
		return false
	}
	select {
	case active := <-resp:
		return active
	case <-d.ctx.Done():
		return false
	}
}

// run is the Dispatcher's single owning goroutine. Every mutation of
// d.jobs / d.queues happens here.
func (d *Dispatcher) run() {
	defer d.wg.Done()
	defer d.sweep.Stop()
	defer d.idle.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case msg := <-d.inbox:
			d.handle(msg)

		case <-d.sweep.C:
			d.handle(sweepMsg{})

		case <-d.idle.C:
			d.handle(idlePingMsg{})
		}
	}
}

func (d *Dispatcher) handle(msg interface{}) {
	switch m := msg.(type) {
	case submitReq:
		m.resp <- d.handleSubmit(m)
	case listReq:
		m.resp <- d.handleList()
	case killReq:
		m.resp <- d.handleKill(m.ids)
	case isActiveReq:
		j, ok := d.jobs[m.id]
		m.resp <- ok && j.State() != job.Finished
	case jobStartedMsg:
		d.handleJobStarted(m.id)
	case jobUpdateMsg:
		d.handleJobUpdate(m.update)
	case tickMsg:
		d.scheduleTick()
	case sweepMsg:
		d.releaseExpired()
		d.scheduleTick()
	case idlePingMsg:
		d.handleIdlePing()
	}
}

func (d *Dispatcher) handleSubmit(m submitReq) error {
	if _, exists := d.jobs[m.id]; exists {
		return ErrDuplicateID
	}
	q, ok := d.queues[m.queue]
	if !ok {
		return ErrInvalidArgument
	}

	j := job.New(m.id, m.queue, m.commands, m.workdir, time.Now())
	d.jobs[m.id] = j
	q.order = append(q.order, m.id)

	d.debounceTick()
	return nil
}

func (d *Dispatcher) handleList() []QueueSnapshot {
	names := make([]string, 0, len(d.queues))
	for name := range d.queues {
		names = append(names, name)
	}
	snapshots := make([]QueueSnapshot, 0, len(names))
	for _, name := range names {
		q := d.queues[name]
		summaries := make([]JobSummary, 0, len(q.order))
		position := 0
		for _, id := range q.order {
			j, ok := d.jobs[id]
			if !ok {
				continue
			}
			snap := j.Snapshot()
			pos := -1
			if q.policy == Serial && snap.State != job.Running {
				pos = position
			}
			summaries = append(summaries, JobSummary{
				ID:        j.ID(),
				Commands:  snap.Commands,
				State:     snap.State,
				Position:  pos,
				Log:       snap.Log,
				ExitCodes: snap.ExitCodes,
			})
			if snap.State != job.Finished {
				position++
			}
		}
		snapshots = append(snapshots, QueueSnapshot{Name: name, Policy: q.policy, Jobs: summaries})
	}
	return snapshots
}

func (d *Dispatcher) handleKill(ids []string) []string {
	found := make([]string, 0, len(ids))
	releasedPending := false
	for _, id := range ids {
		j, ok := d.jobs[id]
		if !ok {
			continue
		}
		found = append(found, id)

		switch j.State() {
		case job.Pending:
			update := j.MarkKilledBeforeStart()
			d.finishJob(j.Queue(), id)
			d.publishUpdate(update)
			releasedPending = true
		case job.Running:
			j.Kill()
		}
	}
	if releasedPending {
		d.scheduleTick()
	}
	return found
}

// handleIdlePing emits an empty Progress Update for every still-Pending
// job, so a UI watching a queued job can tell "still queued" from
// "dropped" (spec §4.2).
func (d *Dispatcher) handleIdlePing() {
	for id, j := range d.jobs {
		if j.State() == job.Pending {
			d.publishUpdate(job.Update{JobID: id, Kind: job.Progress})
		}
	}
}

func (d *Dispatcher) handleJobStarted(id string) {
	j, ok := d.jobs[id]
	if !ok {
		return
	}
	if d.metrics != nil {
		d.metrics.JobStarted(j.Queue())
	}
	select {
	case d.events <- DispatchEvent{Kind: EventStarting, JobID: id, Queue: j.Queue()}:
	default:
		logger.Warnf("event stream full, dropped Starting(%s)", id)
	}
}

func (d *Dispatcher) handleJobUpdate(u job.Update) {
	j, ok := d.jobs[u.JobID]
	if !ok {
		return
	}

	if u.Kind == job.Terminal {
		d.finishJob(j.Queue(), u.JobID)
		if d.metrics != nil {
			d.metrics.JobFinished(j.Queue(), u.Snapshot.Success)
		}
		d.scheduleTick()
	}

	d.publishUpdate(u)
}

func (d *Dispatcher) publishUpdate(u job.Update) {
	j, ok := d.jobs[u.JobID]
	queue := ""
	if ok {
		queue = j.Queue()
	}

	ev := DispatchEvent{
		Kind:     EventUpdate,
		JobID:    u.JobID,
		Queue:    queue,
		Terminal: u.Kind == job.Terminal,
		Snapshot: u.Snapshot,
		Delta:    u.Delta,
		Command:  u.Command,
	}

	if ev.Terminal && d.notifier != nil {
		if payload, ok := d.notifier(u.JobID, u.Snapshot, true); ok {
			ev.Notification = payload
		}
	}

	select {
	case d.events <- ev:
	default:
		logger.Warnf("event stream full, dropped Update(%s)", u.JobID)
	}
}

// finishJob marks a job as entering the 60s retention window (spec §9
// Open Question decision). The job's id stays in its queue's order so
// List continues to report it — scheduling functions skip Finished jobs
// on their own — until releaseExpired evicts it.
func (d *Dispatcher) finishJob(queue, id string) {
	if q, ok := d.queues[queue]; ok {
		q.finished[id] = time.Now()
	}
}

func (d *Dispatcher) removeFromOrder(queue, id string) {
	q, ok := d.queues[queue]
	if !ok {
		return
	}
	out := q.order[:0]
	for _, existing := range q.order {
		if existing != id {
			out = append(out, existing)
		}
	}
	q.order = out
}

// releaseExpired removes jobs whose retention window has elapsed from
// both d.jobs and their queue's order entirely (spec §9 Open Question
// decision).
func (d *Dispatcher) releaseExpired() {
	now := time.Now()
	for queue, q := range d.queues {
		for id, finishedAt := range q.finished {
			if now.Sub(finishedAt) >= RetentionWindow {
				delete(q.finished, id)
				delete(d.jobs, id)
				d.removeFromOrder(queue, id)
			}
		}
	}
}

// debounceTick schedules a scheduler tick ~30ms out, coalescing bursts
// of Submit calls (spec §4.3).
func (d *Dispatcher) debounceTick() {
	if d.debounce != nil {
		d.debounce.Stop()
	}
	d.debounce = time.AfterFunc(DebounceInterval, func() {
		select {
		case d.inbox <- tickMsg{}:
		case <-d.ctx.Done():
		}
	})
}

// scheduleTick runs the scheduling algorithm from spec §4.3 over every
// queue.
func (d *Dispatcher) scheduleTick() {
	for name, q := range d.queues {
		if d.metrics != nil {
			depth := 0
			for _, id := range q.order {
				if j, ok := d.jobs[id]; ok && j.State() != job.Finished {
					depth++
				}
			}
			d.metrics.QueueDepth(name, depth)
		}

		switch q.policy {
		case Serial:
			d.scheduleSerial(q)
		case Parallel:
			d.scheduleParallel(q)
		}
	}
}

func (d *Dispatcher) scheduleSerial(q *queueState) {
	for _, id := range q.order {
		j, ok := d.jobs[id]
		if !ok {
			continue
		}
		if j.State() == job.Running {
			return
		}
	}
	for _, id := range q.order {
		j, ok := d.jobs[id]
		if !ok {
			continue
		}
		if j.State() == job.Pending {
			d.start(j)
			return
		}
	}
}

func (d *Dispatcher) scheduleParallel(q *queueState) {
	for _, id := range q.order {
		j, ok := d.jobs[id]
		if !ok {
			continue
		}
		if j.State() == job.Pending {
			d.start(j)
		}
	}
}

func (d *Dispatcher) start(j *job.Job) {
	started := func() {
		select {
		case d.inbox <- jobStartedMsg{id: j.ID()}:
		case <-d.ctx.Done():
		}
	}
	emit := func(u job.Update) {
		select {
		case d.inbox <- jobUpdateMsg{update: u}:
		case <-d.ctx.Done():
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		j.Run(d.ctx, emit, started)
	}()
}
