package eventbus

import "testing"

func TestSubscribeFiltersByType(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	failed, unsubFailed := b.Subscribe(4, ItemFailed)
	defer unsubAll()
	defer unsubFailed()

	b.Publish(Event{Type: ItemPosted, ItemID: "a"})
	b.Publish(Event{Type: ItemFailed, ItemID: "b"})

	if got := len(all); got != 2 {
		t.Fatalf("all subscriber got %d events", got)
	}
	if got := len(failed); got != 1 {
		t.Fatalf("filtered subscriber got %d events", got)
	}
	e := <-failed
	if e.ItemID != "b" || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: ItemPosted})
	b.Publish(Event{Type: ItemPosted})
	if b.Dropped() != 1 {
		t.Fatalf("dropped=%d", b.Dropped())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(Event{Type: ItemPosted})
}
