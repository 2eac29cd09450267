package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	b.Publish("test.event", "hello")

	select {
	case event := <-sub.Ch():
		if event.Topic != "test.event" {
			t.Fatalf("topic = %q, want %q", event.Topic, "test.event")
		}
		if event.Payload != "hello" {
			t.Fatalf("payload = %v, want %q", event.Payload, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	// Subscribe to "links." prefix.
	linkSub := b.Subscribe("links.")
	defer b.Unsubscribe(linkSub)

	// Subscribe to all events.
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskLinked, "linked")
	b.Publish(TopicSessionChanged, "ok")

	// linkSub should receive links.task_linked but not session.changed.
	select {
	case event := <-linkSub.Ch():
		if event.Topic != TopicTaskLinked {
			t.Fatalf("topic = %q, want links.task_linked", event.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for link event")
	}

	// linkSub should not have session.changed.
	select {
	case event := <-linkSub.Ch():
		t.Fatalf("unexpected event on linkSub: %v", event)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}

	// allSub should receive both.
	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	// Fill the buffer.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish("test.event", i)
	}

	// Should not deadlock. Drain what we can.
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != defaultBufferSize {
		t.Fatalf("received %d events, expected %d (buffer size)", count, defaultBufferSize)
	}
	if b.Dropped() != 10 {
		t.Fatalf("dropped = %d, want 10", b.Dropped())
	}
}

func TestBus_SubscribeSize(t *testing.T) {
	b := New()
	sub := b.SubscribeSize(TopicPagePatch, 500)
	defer b.Unsubscribe(sub)

	for i := 0; i < 400; i++ {
		b.Publish(TopicPagePatch, PagePatchEvent{Seq: uint64(i)})
	}
	if b.Dropped() != 0 {
		t.Fatalf("dropped = %d, want 0", b.Dropped())
	}
	if len(sub.Ch()) != 400 {
		t.Fatalf("buffered = %d, want 400", len(sub.Ch()))
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	// Channel should be closed.
	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := New()
	sub1 := b.Subscribe("test")
	sub2 := b.Subscribe("test")
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish("test.event", "shared")

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case event := <-sub.Ch():
			if event.Payload != "shared" {
				t.Fatalf("payload = %v, want shared", event.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5
	total := goroutines * perGoroutine

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish("concurrent", id*100+i)
			}
		}(g)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			goto done2
		}
	}
done2:
	if received != total {
		t.Fatalf("received %d events, want %d", received, total)
	}
}

func TestBus_DroppedCountsPerSubscription(t *testing.T) {
	b := New()
	slow := b.SubscribeSize("links.", 2)
	defer b.Unsubscribe(slow)
	roomy := b.SubscribeSize("links.", 16)
	defer b.Unsubscribe(roomy)

	for i := 0; i < 5; i++ {
		b.Publish("links.pruned", i)
	}

	if got := slow.Dropped(); got != 3 {
		t.Fatalf("slow dropped = %d, want 3", got)
	}
	if got := roomy.Dropped(); got != 0 {
		t.Fatalf("roomy dropped = %d, want 0", got)
	}
	if got := b.Dropped(); got != 3 {
		t.Fatalf("bus dropped = %d, want 3", got)
	}
}
