// Package notification is a reference implementation of the external
// Notification service (spec §6.4): subscriber registration, per-token
// topic subscription, and synchronous broadcast with per-request timeout.
// The orchestration core treats this service as an external collaborator
// (spec §1); this package exists to exercise the Abort Coordinator's
// broadcast path in tests and local development.
package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownSubscription is returned when a topic/token pair has no
// registered subscriber.
var ErrUnknownSubscription = errors.New("notification: unknown subscription")

// Subscriber is a registered callback target (spec §3).
type Subscriber struct {
	Token   string `json:"token"`
	BaseURL string `json:"baseUrl"`
}

// subscription ties a subscriber to a topic, scoped to one token (e.g. the
// job token being watched for abort).
type subscription struct {
	subscriberToken string
	topic           string
	scopeToken      string
}

// Store is the in-memory registration/subscription table backing the
// reference Notification service. RedisStore (redis_store.go) is the
// shared alternative, which cmd/notification-service selects when
// NOTIFICATION_REDIS_URL is set.
type Store struct {
	mu            sync.RWMutex
	subscribers   map[string]Subscriber
	subscriptions []subscription
}

// NewStore returns an empty subscriber/subscription table.
func NewStore() *Store {
	return &Store{subscribers: make(map[string]Subscriber)}
}

// Register adds a subscriber with a freshly minted token and returns it.
func (s *Store) Register(baseURL string) Subscriber {
	sub := Subscriber{Token: uuid.NewString(), BaseURL: baseURL}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub.Token] = sub
	return sub
}

// Deregister removes a subscriber and all its subscriptions.
func (s *Store) Deregister(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, token)
	kept := s.subscriptions[:0]
	for _, sub := range s.subscriptions {
		if sub.subscriberToken != token {
			kept = append(kept, sub)
		}
	}
	s.subscriptions = kept
}

// Subscribe registers subscriberToken's interest in topic scoped to
// scopeToken (e.g. a specific job token for the "abort" topic).
func (s *Store) Subscribe(subscriberToken, topic, scopeToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[subscriberToken]; !ok {
		return ErrUnknownSubscription
	}
	s.subscriptions = append(s.subscriptions, subscription{
		subscriberToken: subscriberToken, topic: topic, scopeToken: scopeToken,
	})
	return nil
}

// SubscribersFor returns the subscribers registered for topic/scopeToken.
func (s *Store) SubscribersFor(topic, scopeToken string) []Subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Subscriber
	for _, sub := range s.subscriptions {
		if sub.topic != topic || sub.scopeToken != scopeToken {
			continue
		}
		if subscriber, ok := s.subscribers[sub.subscriberToken]; ok {
			out = append(out, subscriber)
		}
	}
	return out
}

// Revoke removes a single subscriber, used when its broadcast callback
// fails repeatedly (spec §4.7: "Failures during broadcast revoke the
// failing subscriber's subscription automatically").
func (s *Store) Revoke(subscriberToken string) {
	s.Deregister(subscriberToken)
}

// Count returns the number of currently registered subscribers, surfaced
// as the notification_subscribers metric.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// NotifyPayload is the body of a broadcast notify request (spec §6.4).
type NotifyPayload struct {
	JSON    map[string]any    `json:"json,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Skip    []string          `json:"skip,omitempty"`
}

// BroadcastResult reports the outcome of notifying one subscriber.
type BroadcastResult struct {
	Subscriber Subscriber
	Err        error
}

// Deliverer performs the actual HTTP call to one subscriber. Production
// code supplies an HTTP-backed implementation (HTTPDeliverer in
// client.go); tests supply a fake.
type Deliverer interface {
	Deliver(ctx context.Context, sub Subscriber, topic string, payload NotifyPayload) error
}

// Broadcast notifies every subscriber of topic/scopeToken, revoking any
// subscriber whose delivery fails (spec §4.7). Synchronous: it waits for
// every delivery (or its per-request timeout) before returning.
func (s *Store) Broadcast(ctx context.Context, d Deliverer, topic, scopeToken string, payload NotifyPayload, timeout time.Duration) []BroadcastResult {
	subs := s.SubscribersFor(topic, scopeToken)
	results := make([]BroadcastResult, len(subs))

	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub Subscriber) {
			defer wg.Done()
			reqCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			err := d.Deliver(reqCtx, sub, topic, payload)
			if err != nil {
				s.Revoke(sub.Token)
			}
			results[i] = BroadcastResult{Subscriber: sub, Err: err}
		}(i, sub)
	}
	wg.Wait()
	return results
}
