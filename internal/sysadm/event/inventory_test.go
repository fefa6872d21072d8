package event

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudbsdorg/sysadm/internal/sysadm/classify"
	"github.com/cloudbsdorg/sysadm/internal/sysadm/configstore"
	"github.com/cloudbsdorg/sysadm/internal/sysadm/prober"
)

func newTestInventory(t *testing.T) (*Inventory, *Watcher, *configstore.Store, func()) {
	t.Helper()
	store, err := configstore.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	w := New()
	done := make(chan struct{})
	go w.Run(done)

	inv := NewInventory(w, store, nil)
	return inv, w, store, func() { close(done) }
}

func TestAddLogFileIsIdempotent(t *testing.T) {
	inv, _, _, stop := newTestInventory(t)
	defer stop()

	path := filepath.Join(t.TempDir(), "repl.log")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inv.AddLogFile(ctx, "replication", path)
	inv.AddLogFile(ctx, "replication", path)

	if _, ok := inv.logfiles[path]; !ok {
		t.Fatal("expected path to be registered")
	}
	if len(inv.logfiles) != 1 {
		t.Fatalf("expected exactly one registration, got %d", len(inv.logfiles))
	}
}

func TestClassifyLogfileEmitsSnapshotEvent(t *testing.T) {
	inv, w, _, stop := newTestInventory(t)
	defer stop()

	sub := w.Subscribe()

	path := filepath.Join(t.TempDir(), "repl.log")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inv.AddLogFile(ctx, "replication", path)

	time.Sleep(100 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString("creating snapshot tank/data@auto-2026-07-31\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	select {
	case ev := <-sub:
		if ev.Type != LogfileType("replication") {
			t.Fatalf("type: got %v, want %v", ev.Type, LogfileType("replication"))
		}
		if ev.Payload["name"] != "tank/data@auto-2026-07-31" {
			t.Fatalf("payload: got %v", ev.Payload)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for classified snapshot event")
	}
}

func TestAddHealthProbeIsIdempotent(t *testing.T) {
	inv, _, _, stop := newTestInventory(t)
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	toReport := func(payload map[string]interface{}) classify.HealthReport {
		return classify.HealthReport{}
	}

	p1 := prober.New("health", time.Hour, func(ctx context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	})
	p2 := prober.New("health", time.Hour, func(ctx context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	})

	inv.AddHealthProbe(ctx, "health", p1, toReport)
	inv.AddHealthProbe(ctx, "health", p2, toReport)

	inv.mu.Lock()
	count := len(inv.probes)
	inv.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly one registered probe, got %d", count)
	}
}

func TestAddHealthProbeEmitsDisplayFieldAndPersistsLastRun(t *testing.T) {
	inv, w, store, stop := newTestInventory(t)
	defer stop()

	sub := w.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	toReport := func(payload map[string]interface{}) classify.HealthReport {
		return classify.HealthReport{
			Pools: map[string]classify.PoolHealth{"tank": {Status: "DEGRADED", CapacityPercent: 10}},
		}
	}

	p := prober.New("health", 50*time.Millisecond, func(ctx context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	})

	inv.AddHealthProbe(ctx, "health", p, toReport)

	select {
	case ev := <-sub:
		if ev.Type != TypeHealth {
			t.Fatalf("type: got %v, want %v", ev.Type, TypeHealth)
		}
		if ev.Payload["display"] != 9 {
			t.Fatalf(`payload["display"]: got %v, want 9`, ev.Payload["display"])
		}
		if _, ok := ev.Payload["priority"]; ok {
			t.Fatal(`expected no "priority" key, spec names the field "display"`)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for health event")
	}

	deadline := time.After(time.Second)
	for {
		if _, ok := store.Get(configstore.ProbeLastRunKey("health")); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("last_run was never persisted to the config store")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
