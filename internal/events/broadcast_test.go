package events

import (
	"sync"
	"testing"
)

func TestBroadcastEveryConsumerSeesEveryValue(t *testing.T) {
	b := NewBroadcaster[int](16)
	first := b.Subscribe()
	second := b.Subscribe()

	for i := 0; i < 10; i++ {
		b.Publish(i)
	}
	b.Close()

	for _, sub := range []*Subscription[int]{first, second} {
		var got []int
		for v := range sub.C() {
			got = append(got, v)
		}
		if len(got) != 10 {
			t.Fatalf("expected 10 values, got %v", got)
		}
		for i, v := range got {
			if v != i {
				t.Fatalf("out of order delivery: %v", got)
			}
		}
	}
}

func TestBroadcastSlowConsumerDropsOldest(t *testing.T) {
	b := NewBroadcaster[int](2)
	sub := b.Subscribe()

	b.Publish(1)
	b.Publish(2)
	b.Publish(3)

	if lagged := sub.Lagged(); lagged != 1 {
		t.Fatalf("expected 1 lagged value, got %d", lagged)
	}
	if v := <-sub.C(); v != 2 {
		t.Fatalf("expected oldest retained value 2, got %d", v)
	}
	if v := <-sub.C(); v != 3 {
		t.Fatalf("expected 3, got %d", v)
	}
	if lagged := sub.Lagged(); lagged != 0 {
		t.Fatalf("lag counter should reset, got %d", lagged)
	}
}

func TestBroadcastUnsubscribe(t *testing.T) {
	b := NewBroadcaster[string](4)
	sub := b.Subscribe()
	other := b.Subscribe()
	sub.Close()
	sub.Close()

	b.Publish("x")
	if _, ok := <-sub.C(); ok {
		t.Fatalf("closed subscription should not receive")
	}
	if v := <-other.C(); v != "x" {
		t.Fatalf("expected x, got %q", v)
	}
	if n := b.Subscribers(); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	b := NewBroadcaster[int](0)
	b.Close()
	sub := b.Subscribe()
	if _, ok := <-sub.C(); ok {
		t.Fatalf("expected closed channel")
	}
}

func TestBroadcastConcurrentPublishers(t *testing.T) {
	b := NewBroadcaster[int](1000)
	sub := b.Subscribe()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(j)
			}
		}()
	}
	wg.Wait()
	b.Close()

	count := 0
	for range sub.C() {
		count++
	}
	if count != 400 {
		t.Fatalf("expected 400 values, got %d", count)
	}
}
