package notification

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeDeliverer struct {
	fail atomic.Bool
	hits atomic.Int64
}

func (f *fakeDeliverer) Deliver(ctx context.Context, sub Subscriber, topic string, payload NotifyPayload) error {
	f.hits.Add(1)
	if f.fail.Load() {
		return errors.New("subscriber unreachable")
	}
	return nil
}

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	store := NewStore()
	a := store.Register("http://replica-a/job")
	b := store.Register("http://replica-b/job")
	if err := store.Subscribe(a.Token, "abort", "tok-1"); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := store.Subscribe(b.Token, "abort", "tok-1"); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	deliverer := &fakeDeliverer{}
	results := store.Broadcast(context.Background(), deliverer, "abort", "tok-1", NotifyPayload{JSON: map[string]any{"token": "tok-1"}}, time.Second)
	if len(results) != 2 {
		t.Fatalf("expected 2 broadcast results, got %d", len(results))
	}
	if deliverer.hits.Load() != 2 {
		t.Fatalf("expected 2 deliveries, got %d", deliverer.hits.Load())
	}
}

func TestBroadcastRevokesFailingSubscriber(t *testing.T) {
	store := NewStore()
	sub := store.Register("http://flaky/job")
	if err := store.Subscribe(sub.Token, "abort", "tok-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	deliverer := &fakeDeliverer{}
	deliverer.fail.Store(true)
	store.Broadcast(context.Background(), deliverer, "abort", "tok-1", NotifyPayload{}, time.Second)

	if got := store.SubscribersFor("abort", "tok-1"); len(got) != 0 {
		t.Fatalf("expected failing subscriber to be revoked, got %d remaining", len(got))
	}
	if store.Count() != 0 {
		t.Fatalf("expected subscriber removed from registry, count=%d", store.Count())
	}
}

func TestSubscribeUnknownSubscriberFails(t *testing.T) {
	store := NewStore()
	if err := store.Subscribe("missing-token", "abort", "tok-1"); !errors.Is(err, ErrUnknownSubscription) {
		t.Fatalf("expected ErrUnknownSubscription, got %v", err)
	}
}

func TestDeregisterRemovesSubscriptions(t *testing.T) {
	store := NewStore()
	sub := store.Register("http://replica/job")
	if err := store.Subscribe(sub.Token, "abort", "tok-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	store.Deregister(sub.Token)

	if got := store.SubscribersFor("abort", "tok-1"); len(got) != 0 {
		t.Fatalf("expected no subscribers after deregister, got %d", len(got))
	}
}
