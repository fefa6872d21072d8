package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/cloudbsdorg/sysadm/internal/sysadm/job"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d := New(ctx, Config{Queues: map[string]Policy{"pkg": Serial}})
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		d.Shutdown(shutdownCtx)
		cancel()
	})
	return d, cancel
}

// collectEvents drains a Dispatcher's event stream into a slice until
// want terminal events have been observed or the timeout elapses.
func collectEvents(t *testing.T, d *Dispatcher, wantTerminal int, timeout time.Duration) []DispatchEvent {
	t.Helper()
	var events []DispatchEvent
	terminal := 0
	deadline := time.After(timeout)
	for terminal < wantTerminal {
		select {
		case ev := <-d.Events():
			events = append(events, ev)
			if ev.Kind == EventUpdate && ev.Terminal {
				terminal++
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %d terminal events, saw %d", wantTerminal, terminal)
		}
	}
	return events
}

func TestSerialQueueSerializesJobs(t *testing.T) {
	d, _ := newTestDispatcher(t)

	if err := d.Submit("pkg", "A", []string{"sleep 0.2; echo A"}, ""); err != nil {
		t.Fatalf("submit A: %v", err)
	}
	if err := d.Submit("pkg", "B", []string{"echo B"}, ""); err != nil {
		t.Fatalf("submit B: %v", err)
	}

	events := collectEvents(t, d, 2, 5*time.Second)

	indexA, indexB := -1, -1
	for i, ev := range events {
		if ev.Kind != EventStarting {
			continue
		}
		switch ev.JobID {
		case "A":
			indexA = i
		case "B":
			indexB = i
		}
	}
	if indexA == -1 || indexB == -1 {
		t.Fatal("expected Starting events for both A and B")
	}
	if indexA >= indexB {
		t.Fatal("expected A to start before B under serial policy")
	}
}

func TestParallelQueueRunsConcurrently(t *testing.T) {
	d, _ := newTestDispatcher(t)

	for _, id := range []string{"X1", "X2", "X3"} {
		if err := d.Submit(NoneQueue, id, []string{"sleep 0.2; echo X"}, ""); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}

	events := collectEvents(t, d, 3, 5*time.Second)

	starting := 0
	for _, ev := range events {
		if ev.Kind == EventStarting {
			starting++
		}
	}
	if starting != 3 {
		t.Fatalf("expected 3 starting events, got %d", starting)
	}
}

func TestChainedFailureSkipsRemainingCommands(t *testing.T) {
	d, _ := newTestDispatcher(t)

	if err := d.Submit(NoneQueue, "C", []string{"true", "false", "echo never"}, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}

	events := collectEvents(t, d, 1, 5*time.Second)

	var terminalSnap *job.Snapshot
	for _, ev := range events {
		if ev.Terminal {
			snap := ev.Snapshot
			terminalSnap = &snap
		}
	}
	if terminalSnap == nil {
		t.Fatal("expected a terminal update")
	}
	if terminalSnap.Success {
		t.Fatal("expected success=false")
	}
	if _, ok := terminalSnap.ExitCodes["echo never"]; ok {
		t.Fatal(`expected "echo never" to be unreached`)
	}
}

func TestKillRunningJob(t *testing.T) {
	d, _ := newTestDispatcher(t)

	if err := d.Submit(NoneQueue, "K", []string{"sleep 60"}, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	killed := d.Kill([]string{"K"})
	if len(killed) != 1 || killed[0] != "K" {
		t.Fatalf("expected K to be found for kill, got %v", killed)
	}

	events := collectEvents(t, d, 1, 11*time.Second)
	var terminalSnap *job.Snapshot
	for _, ev := range events {
		if ev.Terminal {
			snap := ev.Snapshot
			terminalSnap = &snap
		}
	}
	if terminalSnap == nil {
		t.Fatal("expected a terminal update")
	}
	if terminalSnap.Success {
		t.Fatal("expected success=false after kill")
	}
}

func TestSubmitRejectsInvalidArguments(t *testing.T) {
	d, _ := newTestDispatcher(t)

	tests := map[string]struct {
		queue    string
		id       string
		commands []string
	}{
		"empty commands": {queue: NoneQueue, id: "e1", commands: nil},
		"blank-only commands": {queue: NoneQueue, id: "e2", commands: []string{"   ", ""}},
		"unknown queue": {queue: "does-not-exist", id: "e3", commands: []string{"echo hi"}},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			if err := d.Submit(test.queue, test.id, test.commands, ""); err != ErrInvalidArgument {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestSubmitRejectsDuplicateID(t *testing.T) {
	d, _ := newTestDispatcher(t)

	if err := d.Submit(NoneQueue, "dup", []string{"echo hi"}, ""); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := d.Submit(NoneQueue, "dup", []string{"echo hi"}, ""); err != ErrDuplicateID {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

// findJob locates a job by id across every queue in a List() result.
func findJob(snapshots []QueueSnapshot, id string) *JobSummary {
	for _, q := range snapshots {
		for i := range q.Jobs {
			if q.Jobs[i].ID == id {
				return &q.Jobs[i]
			}
		}
	}
	return nil
}

func TestListKeepsFinishedJobVisibleWithLogDuringRetentionWindow(t *testing.T) {
	d, _ := newTestDispatcher(t)

	if err := d.Submit(NoneQueue, "F", []string{"echo finished-output"}, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	collectEvents(t, d, 1, 5*time.Second)

	summary := findJob(d.List(), "F")
	if summary == nil {
		t.Fatal("expected finished job F to still appear in List() during the retention window")
	}
	if summary.State != job.Finished {
		t.Fatalf("state: got %v, want Finished", summary.State)
	}
	if summary.Log["echo finished-output"] == "" {
		t.Fatalf("expected accumulated log for the finished job, got %v", summary.Log)
	}
	if code, ok := summary.ExitCodes["echo finished-output"]; !ok || code != 0 {
		t.Fatalf("expected exit code 0, got %v (ok=%v)", code, ok)
	}
}

func TestListStillSchedulesNextSerialJobAfterFinish(t *testing.T) {
	d, _ := newTestDispatcher(t)

	if err := d.Submit("pkg", "S1", []string{"echo s1"}, ""); err != nil {
		t.Fatalf("submit S1: %v", err)
	}
	if err := d.Submit("pkg", "S2", []string{"echo s2"}, ""); err != nil {
		t.Fatalf("submit S2: %v", err)
	}

	collectEvents(t, d, 2, 5*time.Second)

	snapshots := d.List()
	s1 := findJob(snapshots, "S1")
	s2 := findJob(snapshots, "S2")
	if s1 == nil || s2 == nil {
		t.Fatalf("expected both S1 and S2 in List(), got %+v", snapshots)
	}
	if s1.State != job.Finished || s2.State != job.Finished {
		t.Fatalf("expected both jobs finished, got S1=%v S2=%v", s1.State, s2.State)
	}
}

func TestIdlePingFiresForPendingJob(t *testing.T) {
	d, _ := newTestDispatcher(t)

	if err := d.Submit("pkg", "H1", []string{"sleep 3"}, ""); err != nil {
		t.Fatalf("submit H1: %v", err)
	}
	if err := d.Submit("pkg", "H2", []string{"echo h2"}, ""); err != nil {
		t.Fatalf("submit H2: %v", err)
	}

	deadline := time.After(4 * time.Second)
	for {
		select {
		case ev := <-d.Events():
			if ev.Kind == EventUpdate && ev.JobID == "H2" && !ev.Terminal && ev.Command == "" && ev.Delta == "" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for an idle ping on the pending job H2")
		}
	}
}
