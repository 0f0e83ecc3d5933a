package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SubscriberStore is the persistence contract Server depends on. Store
// (in-memory) and RedisStore both satisfy it; a deployment running more
// than one notification-service replica behind a load balancer needs the
// shared Redis backing so registrations survive instance restarts.
type SubscriberStore interface {
	Register(baseURL string) Subscriber
	Deregister(token string)
	Subscribe(subscriberToken, topic, scopeToken string) error
	SubscribersFor(topic, scopeToken string) []Subscriber
	Revoke(subscriberToken string)
	Count() int
	Broadcast(ctx context.Context, d Deliverer, topic, scopeToken string, payload NotifyPayload, timeout time.Duration) []BroadcastResult
}

// RedisStore is a SubscriberStore backed by Redis, letting multiple
// notification-service replicas share one subscriber table (grounded on
// the same registry.Get/Set idiom the rest of the pack uses go-redis for).
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a RedisStore using client, namespacing keys
// under prefix (e.g. "orchestra:notify:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "orchestra:notify:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) subKey(token string) string { return s.prefix + "sub:" + token }
func (s *RedisStore) topicKey(topic, scope string) string {
	return s.prefix + "topic:" + topic + ":" + scope
}

func (s *RedisStore) Register(baseURL string) Subscriber {
	sub := Subscriber{Token: uuid.NewString(), BaseURL: baseURL}
	raw, _ := json.Marshal(sub)
	s.client.Set(context.Background(), s.subKey(sub.Token), raw, 0)
	return sub
}

func (s *RedisStore) Deregister(token string) {
	ctx := context.Background()
	s.client.Del(ctx, s.subKey(token))
	// Subscriptions are looked up by topic set membership; scanning every
	// topic key to remove a stale member is acceptable at this scale
	// (reference implementation, not the production notification service).
	iter := s.client.Scan(ctx, 0, s.prefix+"topic:*", 0).Iterator()
	for iter.Next(ctx) {
		s.client.SRem(ctx, iter.Val(), token)
	}
}

func (s *RedisStore) Subscribe(subscriberToken, topic, scopeToken string) error {
	ctx := context.Background()
	exists, err := s.client.Exists(ctx, s.subKey(subscriberToken)).Result()
	if err != nil {
		return fmt.Errorf("notification: redis exists: %w", err)
	}
	if exists == 0 {
		return ErrUnknownSubscription
	}
	return s.client.SAdd(ctx, s.topicKey(topic, scopeToken), subscriberToken).Err()
}

func (s *RedisStore) SubscribersFor(topic, scopeToken string) []Subscriber {
	ctx := context.Background()
	tokens, err := s.client.SMembers(ctx, s.topicKey(topic, scopeToken)).Result()
	if err != nil {
		return nil
	}
	var out []Subscriber
	for _, token := range tokens {
		raw, err := s.client.Get(ctx, s.subKey(token)).Bytes()
		if err != nil {
			continue
		}
		var sub Subscriber
		if json.Unmarshal(raw, &sub) == nil {
			out = append(out, sub)
		}
	}
	return out
}

func (s *RedisStore) Revoke(subscriberToken string) { s.Deregister(subscriberToken) }

func (s *RedisStore) Count() int {
	ctx := context.Background()
	var count int
	iter := s.client.Scan(ctx, 0, s.subKey("*"), 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	return count
}

func (s *RedisStore) Broadcast(ctx context.Context, d Deliverer, topic, scopeToken string, payload NotifyPayload, timeout time.Duration) []BroadcastResult {
	subs := s.SubscribersFor(topic, scopeToken)
	results := make([]BroadcastResult, len(subs))
	for i, sub := range subs {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		err := d.Deliver(reqCtx, sub, topic, payload)
		cancel()
		if err != nil {
			s.Revoke(sub.Token)
		}
		results[i] = BroadcastResult{Subscriber: sub, Err: err}
	}
	return results
}
