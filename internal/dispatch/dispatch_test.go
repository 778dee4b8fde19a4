package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"checkind/internal/domain"
	"checkind/internal/eventbus"
	"checkind/internal/gateway"
	"checkind/internal/runtime/supervisor"
	"checkind/internal/store"
	logx "checkind/pkg/logx"
)

type fakeGateway struct {
	mu      sync.Mutex
	sent    []string // channels
	fail    error
	block   chan struct{}
	blockCh string // when set, only this channel blocks
}

func (g *fakeGateway) Send(ctx context.Context, channel string, _ gateway.Message) error {
	if g.block != nil && (g.blockCh == "" || g.blockCh == channel) {
		select {
		case <-g.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return g.fail
	}
	g.sent = append(g.sent, channel)
	return nil
}

func (g *fakeGateway) sentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

func setup(t *testing.T, gw gateway.Gateway, cfg Config) (*Dispatcher, *store.Memory, *supervisor.Supervisor) {
	t.Helper()
	st := store.NewMemory()
	d := New(cfg, gw, st, eventbus.New(), logx.Nop())
	sup := supervisor.New(context.Background())
	d.Start(sup)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})
	return d, st, sup
}

func seedSchedule(t *testing.T, st *store.Memory, userID string, enabled bool) {
	t.Helper()
	rec := domain.DefaultRecord(domain.UserRef{ID: userID, Channel: "telegram:1"})
	rec.Enabled = enabled
	if err := st.SaveSchedule(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
}

func seedPending(t *testing.T, st *store.Memory, userID string) string {
	t.Helper()
	id, err := st.CreatePending(context.Background(), store.PendingNotification{
		UserID: userID, SlotIndex: 0, Types: []string{domain.TypeMood},
		ScheduledFor: time.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func ledgerStatus(t *testing.T, st *store.Memory, userID, id string) string {
	t.Helper()
	rows, err := st.ListNotifications(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rows {
		if r.ID == id {
			return r.Status
		}
	}
	return ""
}

func waitStatus(t *testing.T, st *store.Memory, userID, id, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ledgerStatus(t, st, userID, id) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ledger row %s status = %q, want %q", id, ledgerStatus(t, st, userID, id), want)
}

func TestDeliverMarksSent(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	d, st, _ := setup(t, gw, Config{})
	seedSchedule(t, st, "u1", true)
	id := seedPending(t, st, "u1")

	if !d.Enqueue(Job{NotificationID: id, UserID: "u1", Channel: "telegram:1", Types: []string{domain.TypeMood}}) {
		t.Fatal("enqueue refused")
	}
	waitStatus(t, st, "u1", id, store.StatusSent)
	if gw.sentCount() != 1 {
		t.Fatalf("gateway sent %d messages, want 1", gw.sentCount())
	}
}

func TestDeliverFailureMarksFailedNoRetry(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{fail: errors.New("provider down")}
	d, st, _ := setup(t, gw, Config{})
	seedSchedule(t, st, "u1", true)
	id := seedPending(t, st, "u1")

	d.Enqueue(Job{NotificationID: id, UserID: "u1", Channel: "telegram:1"})
	waitStatus(t, st, "u1", id, store.StatusFailed)

	// No retry: the row stays failed and the gateway is not called again.
	time.Sleep(50 * time.Millisecond)
	if gw.sentCount() != 0 {
		t.Fatalf("gateway delivered %d despite failure", gw.sentCount())
	}
	rows, _ := st.ListNotifications(context.Background(), "u1")
	if rows[0].Error == "" {
		t.Error("failed row carries no error text")
	}
}

func TestDeliverDropsWhenDisabledAtFireTime(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	d, st, _ := setup(t, gw, Config{})
	seedSchedule(t, st, "u1", false)
	id := seedPending(t, st, "u1")

	d.Enqueue(Job{NotificationID: id, UserID: "u1", Channel: "telegram:1"})
	waitStatus(t, st, "u1", id, store.StatusFailed)
	if gw.sentCount() != 0 {
		t.Fatalf("disabled user got %d messages", gw.sentCount())
	}
}

func TestEnqueueNeverBlocksOnFullQueue(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{block: make(chan struct{})}
	d, st, _ := setup(t, gw, Config{Workers: 1, QueueSize: 1})
	seedSchedule(t, st, "u1", true)

	// First job occupies the worker, second fills the queue.
	d.Enqueue(Job{UserID: "u1", Channel: "telegram:1"})
	d.Enqueue(Job{UserID: "u1", Channel: "telegram:1"})

	done := make(chan bool, 1)
	go func() { done <- d.Enqueue(Job{UserID: "u1", Channel: "telegram:1"}) }()
	select {
	case accepted := <-done:
		if accepted {
			t.Error("enqueue on full queue reported accepted")
		}
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on full queue")
	}
	close(gw.block)
}

func TestSlowUserDoesNotStarveOthers(t *testing.T) {
	t.Parallel()

	slow := make(chan struct{})
	defer close(slow)
	gw := &fakeGateway{block: slow, blockCh: "telegram:1"}

	d, st, _ := setup(t, gw, Config{Workers: 2, SendTimeout: 5 * time.Second})
	seedSchedule(t, st, "slow", true)
	seedSchedule(t, st, "fast", true)
	slowID := seedPending(t, st, "slow")
	fastID := seedPending(t, st, "fast")

	d.Enqueue(Job{NotificationID: slowID, UserID: "slow", Channel: "telegram:1"})
	d.Enqueue(Job{NotificationID: fastID, UserID: "fast", Channel: "telegram:2"})

	// With 2 workers the fast job must complete while the slow send is
	// still stuck.
	waitStatus(t, st, "fast", fastID, store.StatusSent)
	if got := ledgerStatus(t, st, "slow", slowID); got != store.StatusPending {
		t.Fatalf("slow user status = %q, want still pending", got)
	}
}
