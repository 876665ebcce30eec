package alarms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultRedisKeyPrefix namespaces the alarm hashes
const DefaultRedisKeyPrefix = "io-monitor:alarms"

// hashStore is the part of *redis.Client the manager uses
type hashStore interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
}

// RedisManager persists alarms in one Redis hash per alarm kind, keyed by entity.
// Raised alarms survive an io-monitor restart.
type RedisManager struct {
	store  hashStore
	closer func() error
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisManager connects to addr and verifies the connection
func NewRedisManager(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*RedisManager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	m := newRedisManager(client, DefaultRedisKeyPrefix, logger)
	m.closer = client.Close
	return m, nil
}

func newRedisManager(store hashStore, prefix string, logger *zap.Logger) *RedisManager {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisManager{
		store:  store,
		prefix: prefix,
		logger: logger.Named("alarms.redis"),
		now:    time.Now,
	}
}

func (m *RedisManager) hashKey(id ID) string {
	return m.prefix + ":" + string(id)
}

// Raise implements Manager
func (m *RedisManager) Raise(ctx context.Context, alarm Alarm) (string, error) {
	if alarm.ID == "" || alarm.EntityInstanceID == "" {
		return "", fmt.Errorf("%w: alarm id and entity are required", ErrRejected)
	}
	key := m.hashKey(alarm.ID)

	raw, err := m.store.HGet(ctx, key, alarm.EntityInstanceID).Result()
	switch {
	case errors.Is(err, redis.Nil):
		alarm.UUID = uuid.New().String()
	case err != nil:
		return "", fmt.Errorf("lookup %s: %w", key, err)
	default:
		var existing Alarm
		if err := json.Unmarshal([]byte(raw), &existing); err != nil || existing.UUID == "" {
			alarm.UUID = uuid.New().String()
		} else {
			alarm.UUID = existing.UUID
		}
	}
	alarm.RaisedAt = m.now().UTC()

	data, err := json.Marshal(alarm)
	if err != nil {
		return "", fmt.Errorf("encode alarm: %w", err)
	}
	if err := m.store.HSet(ctx, key, alarm.EntityInstanceID, data).Err(); err != nil {
		return "", fmt.Errorf("store %s: %w", key, err)
	}

	m.logger.Debug("Alarm stored", zap.String("key", key), zap.String("uuid", alarm.UUID))
	return alarm.UUID, nil
}

// Clear implements Manager
func (m *RedisManager) Clear(ctx context.Context, id ID, entityInstanceID string) error {
	key := m.hashKey(id)
	n, err := m.store.HDel(ctx, key, entityInstanceID).Result()
	if err != nil {
		return fmt.Errorf("delete from %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("clear %s for %s: %w", id, entityInstanceID, ErrNotFound)
	}
	return nil
}

// List implements Manager
func (m *RedisManager) List(ctx context.Context, id ID) ([]Alarm, error) {
	key := m.hashKey(id)
	all, err := m.store.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	out := make([]Alarm, 0, len(all))
	for entity, raw := range all {
		var a Alarm
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			m.logger.Warn("Skipping unreadable alarm record",
				zap.String("key", key),
				zap.String("entity", entity),
				zap.Error(err))
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityInstanceID < out[j].EntityInstanceID })
	return out, nil
}

// Close closes the client
func (m *RedisManager) Close() error {
	if m.closer != nil {
		return m.closer()
	}
	return nil
}
