// Package bus distributes realm lifecycle notifications across server
// instances over Redis pub/sub. When the HTTP surface mutates a realm
// record, every instance hosting that realm's session must evict its
// players; the bus is how they find out.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/marzo245/RoleDesk-B/internal/v1/logging"
	"github.com/marzo245/RoleDesk-B/internal/v1/metrics"
	"github.com/marzo245/RoleDesk-B/internal/v1/types"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const realmEventsChannel = "roledesk:realm:events"

// Realm event kinds.
const (
	KindRealmUpdated = "updated"
	KindRealmDeleted = "deleted"
)

// RealmEvent is the payload published when a realm record changes.
type RealmEvent struct {
	RealmID string `json:"realmId"`
	Kind    string `json:"kind"`
}

// Service handles realm-event pub/sub on Redis. A nil Service is valid and
// means single-instance mode: publishes are dropped, subscriptions are
// no-ops, and the HTTP surface calls the session manager directly.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewService wraps a connected Redis client.
func NewService(client *redis.Client) *Service {
	st := gobreaker.Settings{
		Name:        "realm-bus",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("realm-bus").Set(stateVal)
		},
	}

	return &Service{
		client: client,
		cb:     gobreaker.NewCircuitBreaker(st),
	}
}

// NotifyRealmUpdated publishes an update notification for a realm.
func (s *Service) NotifyRealmUpdated(ctx context.Context, id types.RealmIDType) error {
	return s.publish(ctx, RealmEvent{RealmID: string(id), Kind: KindRealmUpdated})
}

// NotifyRealmDeleted publishes a deletion notification for a realm.
func (s *Service) NotifyRealmDeleted(ctx context.Context, id types.RealmIDType) error {
	return s.publish(ctx, RealmEvent{RealmID: string(id), Kind: KindRealmDeleted})
}

func (s *Service) publish(ctx context.Context, event RealmEvent) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("marshal realm event: %w", err)
		}
		return nil, s.client.Publish(ctx, realmEventsChannel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("realm-bus").Inc()
			logging.Warn(ctx, "Realm bus circuit breaker open: dropping publish", zap.String("realm_id", event.RealmID))
			return nil // Graceful degradation: local eviction still ran
		}
		logging.Error(ctx, "Realm event publish failed", zap.String("realm_id", event.RealmID), zap.Error(err))
		return err
	}

	return nil
}

// Subscribe starts a background goroutine invoking handler for every realm
// event published by any instance, until ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, wg *sync.WaitGroup, handler func(RealmEvent)) {
	if s == nil || s.client == nil {
		return // Single-instance mode, no Redis available
	}

	pubsub := s.client.Subscribe(ctx, realmEventsChannel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		logging.Info(ctx, "Subscribed to realm events", zap.String("channel", realmEventsChannel))

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "Realm events subscription closed", zap.String("channel", realmEventsChannel))
					return
				}

				var event RealmEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					logging.Error(ctx, "Failed to unmarshal realm event", zap.Error(err), zap.String("raw", msg.Payload))
					continue
				}

				handler(event)
			}
		}
	}()
}

// Ping checks Redis connectivity for readiness probes.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("realm-bus").Inc()
	}
	return err
}

// Close shuts down the underlying Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
