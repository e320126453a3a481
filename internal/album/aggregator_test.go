package album

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

// recorder collects flushed batches.
type recorder struct {
	mu      sync.Mutex
	batches []Batch
	ch      chan Batch
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Batch, 16)}
}

func (r *recorder) flush(ctx context.Context, b Batch) {
	r.mu.Lock()
	r.batches = append(r.batches, b)
	r.mu.Unlock()
	r.ch <- b
}

func (r *recorder) wait(t *testing.T) Batch {
	t.Helper()
	select {
	case b := <-r.ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flush")
		return Batch{}
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestAggregatorFlushesGroupOnce(t *testing.T) {
	rec := newRecorder()
	agg := New(40*time.Millisecond, rec.flush)
	defer agg.Close(context.Background())

	for i, ref := range []string{"a", "b", "c", "d"} {
		caption := ""
		if i == 1 {
			caption = "  red dress  "
		}
		first, err := agg.Add("g42", 7, caption, ref)
		if err != nil {
			t.Fatalf("Add(%s): %v", ref, err)
		}
		if first != (i == 0) {
			t.Errorf("Add(%s) first = %v", ref, first)
		}
	}

	b := rec.wait(t)
	if !reflect.DeepEqual(b.Refs, []string{"a", "b", "c", "d"}) {
		t.Errorf("refs = %v, want [a b c d]", b.Refs)
	}
	if b.UserID != 7 || b.GroupID != "g42" {
		t.Errorf("unexpected batch identity: %+v", b)
	}
	if b.Caption != "red dress" {
		t.Errorf("caption = %q, want first non-empty caption", b.Caption)
	}

	time.Sleep(80 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Errorf("flushes = %d, want 1", got)
	}
	if agg.Pending() != 0 {
		t.Errorf("Pending = %d after flush", agg.Pending())
	}
}

func TestAggregatorReusedGroupStartsNewBuffer(t *testing.T) {
	rec := newRecorder()
	agg := New(20*time.Millisecond, rec.flush)
	defer agg.Close(context.Background())

	agg.Add("g", 1, "", "a")
	first := rec.wait(t)

	opened, err := agg.Add("g", 1, "", "e")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !opened {
		t.Error("image after flush should open a new buffer")
	}
	second := rec.wait(t)

	if !reflect.DeepEqual(first.Refs, []string{"a"}) || !reflect.DeepEqual(second.Refs, []string{"e"}) {
		t.Errorf("batches = %v / %v", first.Refs, second.Refs)
	}
}

func TestAggregatorWindowNotReset(t *testing.T) {
	rec := newRecorder()
	window := 60 * time.Millisecond
	agg := New(window, rec.flush)
	defer agg.Close(context.Background())

	start := time.Now()
	agg.Add("g", 1, "", "a")
	time.Sleep(40 * time.Millisecond)
	agg.Add("g", 1, "", "b")

	b := rec.wait(t)
	elapsed := time.Since(start)
	if elapsed > window+40*time.Millisecond+200*time.Millisecond {
		t.Errorf("flush took %s; window appears to have been reset", elapsed)
	}
	if len(b.Refs) != 2 {
		t.Errorf("refs = %v", b.Refs)
	}
}

func TestAggregatorCapsRefs(t *testing.T) {
	rec := newRecorder()
	agg := New(30*time.Millisecond, rec.flush)
	defer agg.Close(context.Background())

	for i := 0; i < MaxRefs+3; i++ {
		if _, err := agg.Add("g", 1, "", fmt.Sprintf("r%d", i)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	b := rec.wait(t)
	if len(b.Refs) != MaxRefs {
		t.Errorf("refs = %d, want %d", len(b.Refs), MaxRefs)
	}
}

func TestAggregatorConcurrentAdds(t *testing.T) {
	rec := newRecorder()
	agg := New(50*time.Millisecond, rec.flush)
	defer agg.Close(context.Background())

	var wg sync.WaitGroup
	var mu sync.Mutex
	opened := 0
	for i := 0; i < MaxRefs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			first, err := agg.Add("burst", 3, "", fmt.Sprintf("r%d", i))
			if err != nil {
				t.Errorf("Add: %v", err)
			}
			if first {
				mu.Lock()
				opened++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	b := rec.wait(t)
	if opened != 1 {
		t.Errorf("buffers opened = %d, want 1", opened)
	}
	if len(b.Refs) != MaxRefs {
		t.Errorf("refs = %d, want %d", len(b.Refs), MaxRefs)
	}
	time.Sleep(100 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Errorf("flushes = %d, want 1", got)
	}
}

func TestAggregatorCloseAbandonsPending(t *testing.T) {
	rec := newRecorder()
	agg := New(time.Hour, rec.flush)

	agg.Add("g1", 1, "", "a")
	agg.Add("g2", 2, "", "b")
	if agg.Pending() != 2 {
		t.Fatalf("Pending = %d, want 2", agg.Pending())
	}

	if err := agg.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if agg.Pending() != 0 {
		t.Errorf("Pending after Close = %d", agg.Pending())
	}
	if rec.count() != 0 {
		t.Error("abandoned buffers must not be flushed")
	}
	if _, err := agg.Add("g3", 1, "", "c"); !errors.Is(err, ErrClosed) {
		t.Errorf("Add after Close = %v, want ErrClosed", err)
	}
}

func TestAggregatorCloseWaitsForRunningFlush(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished bool
	agg := New(10*time.Millisecond, func(ctx context.Context, b Batch) {
		close(started)
		<-release
		finished = true
	})

	agg.Add("g", 1, "", "a")
	<-started

	closed := make(chan error, 1)
	go func() { closed <- agg.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("Close returned while a flush was still running")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	if err := <-closed; err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !finished {
		t.Error("flush did not complete before Close returned")
	}
}

func TestAggregatorCloseDeadlineCancelsFlush(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	agg := New(10*time.Millisecond, func(ctx context.Context, b Batch) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})

	agg.Add("g", 1, "", "a")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := agg.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close = %v, want DeadlineExceeded", err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("flush context was not cancelled")
	}
}
