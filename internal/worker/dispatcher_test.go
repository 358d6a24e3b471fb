package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// pending counts submitted jobs that no worker has picked up yet.
func (d *Dispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.jobQueue)
	for _, q := range d.queues {
		n += len(q.jobs)
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// occupy blocks the dispatcher's only worker until the returned func is called.
func occupy(t *testing.T, d *Dispatcher, key int64) (release func(), finished <-chan error) {
	t.Helper()
	started := make(chan struct{})
	gate := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- d.Do(context.Background(), key, func(context.Context) {
			close(started)
			<-gate
		})
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("blocking job never started")
	}
	return func() { close(gate) }, done
}

func TestDispatcherRunsJobs(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Workers: 3, QueueSize: 10})
	defer d.Close()

	var count int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(key int64) {
			defer wg.Done()
			if err := d.Do(context.Background(), key, func(context.Context) {
				atomic.AddInt64(&count, 1)
			}); err != nil {
				t.Errorf("do: %v", err)
			}
		}(int64(i % 3))
	}
	wg.Wait()
	if count != 10 {
		t.Fatalf("expected 10 jobs run, got %d", count)
	}
}

func TestDispatcherBusy(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Workers: 1, QueueSize: 1})
	defer d.Close()

	release, firstDone := occupy(t, d, 1)

	queuedDone := make(chan error, 1)
	go func() {
		queuedDone <- d.Do(context.Background(), 2, func(context.Context) {})
	}()
	waitFor(t, "queued job", func() bool { return d.pending() == 1 })

	err := d.Do(context.Background(), 3, func(context.Context) {
		t.Errorf("job must not run when dispatcher is busy")
	})
	if !errors.Is(err, ErrDispatcherBusy) {
		t.Fatalf("expected ErrDispatcherBusy, got %v", err)
	}

	release()
	if err := <-firstDone; err != nil {
		t.Fatalf("first job: %v", err)
	}
	if err := <-queuedDone; err != nil {
		t.Fatalf("queued job: %v", err)
	}
	// capacity is free again
	if err := d.Do(context.Background(), 3, func(context.Context) {}); err != nil {
		t.Fatalf("expected job to run after queue drained: %v", err)
	}
}

func TestDispatcherRoundRobinAcrossKeys(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Workers: 1, QueueSize: 8})
	defer d.Close()

	release, firstDone := occupy(t, d, 1)

	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	submit := func(key int64, name string, want int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Do(context.Background(), key, func(context.Context) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
			})
		}()
		waitFor(t, name+" queued", func() bool { return d.pending() == want })
	}
	submit(1, "a", 1)
	submit(1, "b", 2)
	submit(2, "c", 3)

	release()
	<-firstDone
	wg.Wait()

	want := []string{"a", "c", "b"}
	if len(order) != len(want) {
		t.Fatalf("unexpected order %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected round robin order %v, got %v", want, order)
		}
	}
}

func TestDispatcherSkipsCancelledJob(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Workers: 1, QueueSize: 2})
	defer d.Close()

	release, firstDone := occupy(t, d, 1)

	ctx, cancel := context.WithCancel(context.Background())
	var ran int32
	done := make(chan error, 1)
	go func() {
		done <- d.Do(ctx, 2, func(context.Context) { atomic.StoreInt32(&ran, 1) })
	}()
	waitFor(t, "queued job", func() bool { return d.pending() == 1 })
	cancel()
	release()
	<-firstDone

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if atomic.LoadInt32(&ran) != 0 {
		t.Fatalf("cancelled job should not run")
	}
}

func TestDispatcherClose(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Workers: 1, QueueSize: 2})
	if err := d.Do(context.Background(), 1, func(context.Context) {}); err != nil {
		t.Fatalf("do: %v", err)
	}
	d.Close()
	d.Close()
	if err := d.Do(context.Background(), 1, func(context.Context) {}); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected ErrDispatcherClosed after close, got %v", err)
	}
}
