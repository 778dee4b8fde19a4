package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TypePrefsChanged, Data: PrefsChanged{UserID: "u1"}})

	select {
	case e := <-ch:
		if e.Type != TypePrefsChanged {
			t.Errorf("type = %q", e.Type)
		}
		if d, ok := e.Data.(PrefsChanged); !ok || d.UserID != "u1" {
			t.Errorf("data = %+v", e.Data)
		}
		if e.Time.IsZero() {
			t.Error("publish did not stamp time")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TypeTriggerFired})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	// Channel is closed; publish must not panic.
	b.Publish(Event{Type: TypeReloadDone})
	if _, ok := <-ch; ok {
		t.Error("closed channel delivered an event")
	}
}
