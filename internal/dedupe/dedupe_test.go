package dedupe

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRequestCollapsesConcurrentCalls(t *testing.T) {
	d := New[string]()

	var invocations int32
	var dedups int32
	d.OnDeduplicated = func(key string) { atomic.AddInt32(&dedups, 1) }

	release := make(chan struct{})
	const callers = 10

	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := d.Request("session-sync", func() (string, error) {
				atomic.AddInt32(&invocations, 1)
				<-release
				return "synced", nil
			})
			if err != nil {
				t.Errorf("caller %d got error: %v", i, err)
			}
			results[i] = v
		}(i)
	}

	// Wait until the shared execution is in flight, then release it.
	for i := 0; i < 100 && !d.HasPending("session-sync"); i++ {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&invocations); n != 1 {
		t.Errorf("expected fn to run exactly once, ran %d times", n)
	}
	for i, v := range results {
		if v != "synced" {
			t.Errorf("caller %d got %q, want 'synced'", i, v)
		}
	}
	if atomic.LoadInt32(&dedups) == 0 {
		t.Error("expected OnDeduplicated to observe collapsed callers")
	}
	if d.PendingCount() != 0 {
		t.Errorf("expected pending count 0 after settlement, got %d", d.PendingCount())
	}
}

func TestRequestSharesErrors(t *testing.T) {
	d := New[int]()
	boom := errors.New("backend down")

	release := make(chan struct{})
	const callers = 4

	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = d.Request("k", func() (int, error) {
				<-release
				return 0, boom
			})
		}(i)
	}

	for i := 0; i < 100 && !d.HasPending("k"); i++ {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Errorf("caller %d got %v, want shared rejection", i, err)
		}
	}
}

func TestRequestRunsFreshAfterSettlement(t *testing.T) {
	d := New[int]()

	calls := 0
	fn := func() (int, error) {
		calls++
		return calls, nil
	}

	if v, _ := d.Request("k", fn); v != 1 {
		t.Errorf("first call: got %d, want 1", v)
	}
	if v, _ := d.Request("k", fn); v != 2 {
		t.Errorf("second call after settlement: got %d, want 2", v)
	}
	if calls != 2 {
		t.Errorf("expected 2 invocations, got %d", calls)
	}
}

func TestTTLEvictsForLaterCallersOnly(t *testing.T) {
	d := New[string]()
	d.TTL = 20 * time.Millisecond

	release := make(chan struct{})
	done := make(chan string, 1)
	go func() {
		v, _ := d.Request("k", func() (string, error) {
			<-release
			return "original", nil
		})
		done <- v
	}()

	for i := 0; i < 100 && !d.HasPending("k"); i++ {
		time.Sleep(time.Millisecond)
	}

	// Let the TTL expire while the original execution is still in flight.
	time.Sleep(50 * time.Millisecond)
	if d.HasPending("k") {
		t.Error("expected TTL to evict the cache entry")
	}

	// A new caller starts a fresh execution.
	fresh := make(chan string, 1)
	go func() {
		v, _ := d.Request("k", func() (string, error) { return "fresh", nil })
		fresh <- v
	}()

	if v := <-fresh; v != "fresh" {
		t.Errorf("later caller got %q, want 'fresh'", v)
	}

	// The original in-flight caller still gets its own result.
	close(release)
	if v := <-done; v != "original" {
		t.Errorf("original caller got %q, want 'original'", v)
	}
}

func TestClear(t *testing.T) {
	d := New[int]()

	release := make(chan struct{})
	go d.Request("a", func() (int, error) { <-release; return 1, nil })
	go d.Request("b", func() (int, error) { <-release; return 2, nil })

	for i := 0; i < 100 && d.PendingCount() != 2; i++ {
		time.Sleep(time.Millisecond)
	}
	if d.PendingCount() != 2 {
		t.Fatalf("expected 2 pending, got %d", d.PendingCount())
	}

	d.Clear()
	if d.PendingCount() != 0 {
		t.Errorf("expected 0 pending after Clear, got %d", d.PendingCount())
	}
	close(release)
}

func TestImmediateReRequestInvokesAgain(t *testing.T) {
	d := New[int]()

	var calls int32
	// A caller that has observed settlement must never rejoin the finished
	// execution, even when re-requesting with no gap.
	for i := 0; i < 1000; i++ {
		v, err := d.Request("key", func() (int, error) {
			return int(atomic.AddInt32(&calls, 1)), nil
		})
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if v != i+1 {
			t.Fatalf("request %d joined a settled execution: got %d", i, v)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1000 {
		t.Fatalf("expected 1000 invocations, got %d", got)
	}
}
