package prober

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeMetrics records ProbeFailed calls for assertions.
type fakeMetrics struct {
	mu    sync.Mutex
	names []string
}

func (f *fakeMetrics) ProbeFailed(probe string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, probe)
}

func (f *fakeMetrics) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.names)
}

func TestProberFiresOnSchedule(t *testing.T) {
	var calls int32
	p := New("test", 50*time.Millisecond, func(ctx context.Context) (map[string]interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return map[string]interface{}{"ok": true}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	var results []Result
	deadline := time.After(2 * time.Second)
	for len(results) < 2 {
		select {
		case res := <-p.Results:
			results = append(results, res)
		case <-deadline:
			t.Fatalf("timed out, got %d results", len(results))
		}
	}
	cancel()

	for _, res := range results {
		if res.Err != nil {
			t.Fatalf("unexpected probe error: %v", res.Err)
		}
		if res.Name != "test" {
			t.Fatalf("name: got %q, want %q", res.Name, "test")
		}
	}
}

func TestProberSkipsOverrunTick(t *testing.T) {
	started := make(chan struct{}, 8)
	release := make(chan struct{})

	p := New("slow", 20*time.Millisecond, func(ctx context.Context) (map[string]interface{}, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("probe never started")
	}

	// While the first invocation is blocked, several ticks should elapse
	// without a second concurrent invocation starting.
	time.Sleep(150 * time.Millisecond)
	select {
	case <-started:
		t.Fatal("expected overrun ticks to be skipped, not queued")
	default:
	}

	close(release)
	select {
	case res := <-p.Results:
		if res.Name != "slow" {
			t.Fatalf("name: got %q, want %q", res.Name, "slow")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result after release")
	}
}

func TestProberReportsFailureAndContinues(t *testing.T) {
	attempt := int32(0)
	p := New("flaky", 30*time.Millisecond, func(ctx context.Context) (map[string]interface{}, error) {
		n := atomic.AddInt32(&attempt, 1)
		if n == 1 {
			return nil, errors.New("boom")
		}
		return map[string]interface{}{"ok": true}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	first := <-p.Results
	if first.Err == nil {
		t.Fatal("expected first result to carry an error")
	}

	second := <-p.Results
	if second.Err != nil {
		t.Fatalf("expected schedule to continue after a failure, got error: %v", second.Err)
	}
}

func TestProberReportsFailureToMetrics(t *testing.T) {
	p := New("flaky", 30*time.Millisecond, func(ctx context.Context) (map[string]interface{}, error) {
		return nil, errors.New("boom")
	})
	metrics := &fakeMetrics{}
	p.Metrics = metrics

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	res := <-p.Results
	if res.Err == nil {
		t.Fatal("expected a probe error")
	}
	if metrics.count() == 0 {
		t.Fatal("expected ProbeFailed to be called")
	}
}
