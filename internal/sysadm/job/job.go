// Package job implements the Job state machine described in spec §3 and
// §4.2: an ordered, dependency-chained sequence of shell commands run
// through a single Process Runner at a time, with a rate-limited
// progress stream and a terminal snapshot.
package job

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudbsdorg/sysadm/internal/sysadm/runner"
)

// State is a Job's position in its (monotonic) lifecycle.
type State string

const (
	Pending  State = "pending"
	Running  State = "running"
	Finished State = "finished"
)

// unset is the sentinel value for Current when no command is executing.
const unset = -1

// ProgressInterval bounds how often a progress Update is emitted for an
// actively-writing command (spec §4.2).
const ProgressInterval = 1 * time.Second

// Snapshot is an immutable copy of a Job's observable state.
type Snapshot struct {
	ID        string
	Queue     string
	Commands  []string
	Workdir   string
	State     State
	Current   int // unset (-1) when no command is running
	Log       map[string]string
	ExitCodes map[string]int
	Submitted time.Time
	Started   time.Time
	Finished  time.Time
	Success   bool
}

// UpdateKind distinguishes the two kinds of update a Job publishes.
type UpdateKind int

const (
	// Progress carries an incremental log delta for the command
	// currently running.
	Progress UpdateKind = iota
	// Terminal carries the full final snapshot once a Job reaches
	// Finished.
	Terminal
)

// Update is published by a running Job. Progress updates carry only the
// delta since the last Update; Terminal updates carry the full Snapshot
// so late subscribers can reconstruct state (spec §4.2).
type Update struct {
	JobID    string
	Kind     UpdateKind
	Command  string // log key the delta applies to; empty for a Dispatcher idle ping
	Delta    string
	Snapshot Snapshot
}

// Job is a lightweight state machine around a Process Runner plus the
// sequence of remaining commands (spec §4.2).
type Job struct {
	id       string
	queue    string
	commands []string
	workdir  string

	mu        sync.RWMutex
	state     State
	current   int
	log       map[string]string
	exitCodes map[string]int
	submitted time.Time
	started   time.Time
	finished  time.Time
	success   bool

	cancel context.CancelFunc
}

// New creates a Job in the Pending state. commands must be non-empty;
// callers validate that upstream (spec §4.3 Submit).
func New(id, queue string, commands []string, workdir string, submitted time.Time) *Job {
	return &Job{
		id:        id,
		queue:     queue,
		commands:  append([]string(nil), commands...),
		workdir:   workdir,
		state:     Pending,
		current:   unset,
		log:       make(map[string]string),
		exitCodes: make(map[string]int),
		submitted: submitted,
	}
}

// ID returns the Job's caller-supplied identifier.
func (j *Job) ID() string { return j.id }

// Queue returns the name of the queue this Job was submitted to.
func (j *Job) Queue() string { return j.queue }

// State returns the Job's current lifecycle state.
func (j *Job) State() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// Snapshot returns a deep copy of the Job's current observable state.
func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.snapshotLocked()
}

func (j *Job) snapshotLocked() Snapshot {
	logCopy := make(map[string]string, len(j.log))
	for k, v := range j.log {
		logCopy[k] = v
	}
	exitCopy := make(map[string]int, len(j.exitCodes))
	for k, v := range j.exitCodes {
		exitCopy[k] = v
	}
	return Snapshot{
		ID:        j.id,
		Queue:     j.queue,
		Commands:  append([]string(nil), j.commands...),
		Workdir:   j.workdir,
		State:     j.state,
		Current:   j.current,
		Log:       logCopy,
		ExitCodes: exitCopy,
		Submitted: j.submitted,
		Started:   j.started,
		Finished:  j.finished,
		Success:   j.success,
	}
}

// Run executes the Job's command chain to completion (or until a
// command fails or is cancelled), publishing updates via emit. started
// is invoked exactly once, the moment the first command actually
// spawns. Run blocks until the Job reaches Finished.
func (j *Job) Run(ctx context.Context, emit func(Update), started func()) {
	runCtx, cancel := context.WithCancel(ctx)
	j.mu.Lock()
	j.state = Running
	j.started = time.Now()
	j.current = 0
	j.cancel = cancel
	j.mu.Unlock()

	seen := make(map[string]int)
	startedOnce := false
	success := true

	for i, cmdStr := range j.commands {
		key := commandKey(cmdStr, seen)

		j.mu.Lock()
		j.current = i
		j.mu.Unlock()

		proc := runner.Run(runCtx, cmdStr, j.workdir)
		if !startedOnce {
			startedOnce = true
			started()
		}

		j.streamOutput(proc, key, emit)
		completion := <-proc.Done

		code := -1
		if completion.Normal() {
			code = completion.Code
		}
		j.mu.Lock()
		j.exitCodes[key] = code
		j.mu.Unlock()

		if !completion.Success() {
			success = false
			break
		}
	}

	j.mu.Lock()
	j.state = Finished
	j.finished = time.Now()
	j.current = unset
	j.success = success
	snap := j.snapshotLocked()
	j.mu.Unlock()

	cancel()
	emit(Update{JobID: j.id, Kind: Terminal, Snapshot: snap})
}

// Kill requests cancellation of the currently running command (and thus
// the Job). It is a no-op if the Job has not yet started running via
// Run. Termination follows the Process Runner's graceful-then-hard-kill
// contract (spec §4.1).
func (j *Job) Kill() {
	j.mu.RLock()
	cancel := j.cancel
	j.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// MarkKilledBeforeStart transitions a still-Pending Job straight to
// Finished with success=false and no exit codes, because it was killed
// before the Dispatcher ever started it (spec §3: unreached commands
// stay absent).
func (j *Job) MarkKilledBeforeStart() Update {
	j.mu.Lock()
	j.state = Finished
	j.started = time.Now()
	j.finished = j.started
	j.current = unset
	j.success = false
	snap := j.snapshotLocked()
	j.mu.Unlock()
	return Update{JobID: j.id, Kind: Terminal, Snapshot: snap}
}

// streamOutput drains proc.Output, buffering bytes and flushing at most
// once per ProgressInterval (plus a final flush on EOF) as a Progress
// Update (spec §4.2).
func (j *Job) streamOutput(proc *runner.Process, key string, emit func(Update)) {
	var pending strings.Builder
	ticker := time.NewTicker(ProgressInterval)
	defer ticker.Stop()

	flush := func() {
		if pending.Len() == 0 {
			return
		}
		text := pending.String()
		pending.Reset()

		j.mu.Lock()
		j.log[key] = j.log[key] + text
		j.mu.Unlock()

		emit(Update{JobID: j.id, Kind: Progress, Command: key, Delta: text})
	}

	for {
		select {
		case chunk, ok := <-proc.Output:
			if !ok {
				flush()
				return
			}
			pending.Write(chunk)
		case <-ticker.C:
			flush()
		}
	}
}

// commandKey implements the duplicate-command disambiguation policy
// (spec §9 Open Question): the first occurrence of a command string
// keys the log/exit-code maps with the bare string; the n-th later
// occurrence in the same Job is suffixed with "#n" (its occurrence
// count, not its position in the command list).
func commandKey(cmd string, seen map[string]int) string {
	index, ok := seen[cmd]
	seen[cmd] = index + 1
	if !ok {
		return cmd
	}
	return fmt.Sprintf("%s#%d", cmd, index)
}
