package registry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "checkind/pkg/logx"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRegisterFiresOnce(t *testing.T) {
	t.Parallel()

	r := New(logx.Nop())
	key := Key{UserID: "u1", SlotIndex: 0}

	var fires atomic.Int32
	r.Register(key, time.Now().Add(20*time.Millisecond), []string{"mood"}, func(k Key, types []string, _ time.Time) {
		if k != key {
			t.Errorf("fired key = %+v, want %+v", k, key)
		}
		if len(types) != 1 || types[0] != "mood" {
			t.Errorf("fired types = %v", types)
		}
		fires.Add(1)
	})

	waitFor(t, time.Second, func() bool { return fires.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := fires.Load(); got != 1 {
		t.Fatalf("fired %d times, want 1", got)
	}
	if r.Len() != 0 {
		t.Fatalf("consumed handle still registered, len=%d", r.Len())
	}
}

func TestRegisterReplacesExistingHandle(t *testing.T) {
	t.Parallel()

	r := New(logx.Nop())
	key := Key{UserID: "u1", SlotIndex: 0}

	var old, replacement atomic.Int32
	r.Register(key, time.Now().Add(30*time.Millisecond), nil, func(Key, []string, time.Time) { old.Add(1) })
	r.Register(key, time.Now().Add(30*time.Millisecond), nil, func(Key, []string, time.Time) { replacement.Add(1) })

	if r.Len() != 1 {
		t.Fatalf("len=%d after replace, want 1", r.Len())
	}
	waitFor(t, time.Second, func() bool { return replacement.Load() == 1 })
	if old.Load() != 0 {
		t.Fatalf("replaced handle fired %d times, want 0", old.Load())
	}
}

func TestCancelMissingKeyIsNoop(t *testing.T) {
	t.Parallel()

	r := New(logx.Nop())
	r.Cancel(Key{UserID: "ghost", SlotIndex: 3})
	if n := r.CancelUser("ghost"); n != 0 {
		t.Fatalf("CancelUser removed %d jobs, want 0", n)
	}
}

func TestCancelUserLeavesOthersAlone(t *testing.T) {
	t.Parallel()

	r := New(logx.Nop())
	far := time.Now().Add(time.Hour)
	r.Register(Key{UserID: "u1", SlotIndex: 0}, far, nil, func(Key, []string, time.Time) {})
	r.Register(Key{UserID: "u1", SlotIndex: 1}, far, nil, func(Key, []string, time.Time) {})
	r.Register(Key{UserID: "u2", SlotIndex: 0}, far, nil, func(Key, []string, time.Time) {})

	if n := r.CancelUser("u1"); n != 2 {
		t.Fatalf("CancelUser removed %d jobs, want 2", n)
	}
	if r.Len() != 1 {
		t.Fatalf("len=%d, want 1", r.Len())
	}
	if _, ok := r.NextFire(Key{UserID: "u2", SlotIndex: 0}); !ok {
		t.Fatal("u2 job was removed by u1 cancel")
	}
}

func TestCancelAll(t *testing.T) {
	t.Parallel()

	r := New(logx.Nop())
	far := time.Now().Add(time.Hour)
	for i := 0; i < 5; i++ {
		r.Register(Key{UserID: "u1", SlotIndex: i}, far, nil, func(Key, []string, time.Time) {})
	}
	if n := r.CancelAll(); n != 5 {
		t.Fatalf("CancelAll removed %d, want 5", n)
	}
	if r.Len() != 0 {
		t.Fatalf("len=%d after CancelAll, want 0", r.Len())
	}
}

func TestCancelledTimerDoesNotFire(t *testing.T) {
	t.Parallel()

	r := New(logx.Nop())
	key := Key{UserID: "u1", SlotIndex: 0}

	var fires atomic.Int32
	r.Register(key, time.Now().Add(30*time.Millisecond), nil, func(Key, []string, time.Time) { fires.Add(1) })
	r.Cancel(key)

	time.Sleep(80 * time.Millisecond)
	if fires.Load() != 0 {
		t.Fatalf("cancelled handle fired %d times", fires.Load())
	}
}

func TestCancelDuringFireLetsInvocationFinish(t *testing.T) {
	t.Parallel()

	r := New(logx.Nop())
	key := Key{UserID: "u1", SlotIndex: 0}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	r.Register(key, time.Now().Add(10*time.Millisecond), nil, func(Key, []string, time.Time) {
		close(started)
		<-release
		close(done)
	})

	<-started
	// Fire is in flight; cancel must not block or kill it.
	r.CancelAll()
	close(release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("in-flight fire did not complete after cancel")
	}
	if r.Len() != 0 {
		t.Fatalf("len=%d, want 0", r.Len())
	}
}

func TestConcurrentRegisterAndCancel(t *testing.T) {
	t.Parallel()

	r := New(logx.Nop())
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			key := Key{UserID: "u1", SlotIndex: g % 3}
			for i := 0; i < 200; i++ {
				r.Register(key, time.Now().Add(time.Millisecond), nil, func(Key, []string, time.Time) {})
				if i%7 == 0 {
					r.Cancel(key)
				}
			}
		}(g)
	}
	wg.Wait()
	r.CancelAll()
	if r.Len() != 0 {
		t.Fatalf("len=%d after final CancelAll, want 0", r.Len())
	}
}
