// Package store persists realm and profile records in Redis. The realtime
// core only reads through it (LoadRealm/LoadProfile); writes come from the
// HTTP surface. All calls run through a circuit breaker so a Redis outage
// fails joins fast instead of piling up blocked dispatchers.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marzo245/RoleDesk-B/internal/v1/logging"
	"github.com/marzo245/RoleDesk-B/internal/v1/metrics"
	"github.com/marzo245/RoleDesk-B/internal/v1/types"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	realmKeyPrefix   = "realm:"
	profileKeyPrefix = "profile:"
)

// ErrUnavailable is returned when the circuit breaker is open.
var ErrUnavailable = errors.New("realm store unavailable")

// RedisStore implements types.RealmStore on a Redis client.
type RedisStore struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewClient creates a Redis client with the connection settings used across
// the service, verifying connectivity before returning.
func NewClient(addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// NewRedisStore wraps an existing client. Tests pass a miniredis-backed
// client here.
func NewRedisStore(client *redis.Client) *RedisStore {
	st := gobreaker.Settings{
		Name:        "realm-store",
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
			metrics.CircuitBreakerState.WithLabelValues("realm-store").Set(stateVal)
		},
	}

	return &RedisStore{
		client: client,
		cb:     gobreaker.NewCircuitBreaker(st),
	}
}

func (s *RedisStore) execute(op func() (any, error)) (any, error) {
	res, err := s.cb.Execute(op)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CircuitBreakerFailures.WithLabelValues("realm-store").Inc()
		return nil, ErrUnavailable
	}
	return res, err
}

// LoadRealm fetches a realm record by id.
func (s *RedisStore) LoadRealm(ctx context.Context, id types.RealmIDType) (*types.RealmRecord, error) {
	res, err := s.execute(func() (any, error) {
		raw, err := s.client.Get(ctx, realmKeyPrefix+string(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, types.ErrNotFound
		}
		return raw, err
	})
	if err != nil {
		return nil, err
	}

	var record types.RealmRecord
	if err := json.Unmarshal(res.([]byte), &record); err != nil {
		return nil, fmt.Errorf("corrupt realm record %s: %w", id, err)
	}
	return &record, nil
}

// SaveRealm upserts a realm record.
func (s *RedisStore) SaveRealm(ctx context.Context, record *types.RealmRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal realm record: %w", err)
	}

	_, err = s.execute(func() (any, error) {
		return nil, s.client.Set(ctx, realmKeyPrefix+string(record.ID), data, 0).Err()
	})
	if err != nil {
		logging.Error(ctx, "Failed to save realm record", zap.String("realm_id", string(record.ID)), zap.Error(err))
	}
	return err
}

// DeleteRealm removes a realm record. Deleting a missing record is not an
// error.
func (s *RedisStore) DeleteRealm(ctx context.Context, id types.RealmIDType) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.client.Del(ctx, realmKeyPrefix+string(id)).Err()
	})
	return err
}

// LoadProfile fetches a user profile by id.
func (s *RedisStore) LoadProfile(ctx context.Context, id types.UserIDType) (*types.ProfileRecord, error) {
	res, err := s.execute(func() (any, error) {
		raw, err := s.client.Get(ctx, profileKeyPrefix+string(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, types.ErrNotFound
		}
		return raw, err
	})
	if err != nil {
		return nil, err
	}

	var record types.ProfileRecord
	if err := json.Unmarshal(res.([]byte), &record); err != nil {
		return nil, fmt.Errorf("corrupt profile record %s: %w", id, err)
	}
	return &record, nil
}

// SaveProfile upserts a user profile.
func (s *RedisStore) SaveProfile(ctx context.Context, record *types.ProfileRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal profile record: %w", err)
	}

	_, err = s.execute(func() (any, error) {
		return nil, s.client.Set(ctx, profileKeyPrefix+string(record.UserID), data, 0).Err()
	})
	return err
}

// Ping checks Redis connectivity; used by readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close releases the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
