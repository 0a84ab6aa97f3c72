package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/engine"
	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password,omitempty" yaml:"password,omitempty"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// RedisStore keeps each instance as a JSON string with sorted-set indexes
// per status and per definition, scored by creation time.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore connects to Redis and checks the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "dreamteam:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix + "instance:"}
}

// Client returns the underlying client, shared with the event publisher.
func (s *RedisStore) Client() redis.UniversalClient { return s.client }

// Close closes the client.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) dataKey(id string) string { return s.keyPrefix + "data:" + id }

func (s *RedisStore) statusKey(st schema.WorkflowStatus) string {
	return s.keyPrefix + "status:" + string(st)
}

func (s *RedisStore) definitionKey(id string) string { return s.keyPrefix + "definition:" + id }

func (s *RedisStore) allKey() string { return s.keyPrefix + "all" }

// Save writes inst and moves it between status indexes in one transaction.
// The stored version is watched so a concurrent or stale write fails with
// CONFLICT instead of overwriting progress.
func (s *RedisStore) Save(ctx context.Context, inst *schema.WorkflowInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	key := s.dataKey(inst.InstanceID)
	score := float64(inst.CreatedAt.UnixNano())

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		old, err := s.get(ctx, tx, inst.InstanceID)
		if err != nil {
			return err
		}
		if old != nil && inst.Version <= old.Version {
			return staleVersion(inst.InstanceID, inst.Version, old.Version)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if old != nil && old.Status != inst.Status {
				pipe.ZRem(ctx, s.statusKey(old.Status), inst.InstanceID)
			}
			member := redis.Z{Score: score, Member: inst.InstanceID}
			pipe.ZAdd(ctx, s.statusKey(inst.Status), member)
			pipe.ZAdd(ctx, s.definitionKey(inst.DefinitionID), member)
			pipe.ZAdd(ctx, s.allKey(), member)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %q changed during save", inst.InstanceID).WithCause(err)
	}
	return err
}

// Load returns the instance or nil when the key does not exist.
func (s *RedisStore) Load(ctx context.Context, id string) (*schema.WorkflowInstance, error) {
	return s.get(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c getter, id string) (*schema.WorkflowInstance, error) {
	data, err := c.Get(ctx, s.dataKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", id, err)
	}
	return decodeInstance(data)
}

// List reads the narrowest index for filter and loads the members, oldest
// first. Index entries whose data key is gone are skipped.
func (s *RedisStore) List(ctx context.Context, filter engine.InstanceFilter) ([]*schema.WorkflowInstance, error) {
	index := s.allKey()
	switch {
	case filter.Status != "":
		index = s.statusKey(filter.Status)
	case filter.DefinitionID != "":
		index = s.definitionKey(filter.DefinitionID)
	}
	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", index, err)
	}

	out := make([]*schema.WorkflowInstance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst == nil || !matches(inst, filter) {
			continue
		}
		out = append(out, inst)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Delete removes an instance and its index entries.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	inst, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	if inst == nil {
		return notFound("instance", id)
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.dataKey(id))
	pipe.ZRem(ctx, s.statusKey(inst.Status), id)
	pipe.ZRem(ctx, s.definitionKey(inst.DefinitionID), id)
	pipe.ZRem(ctx, s.allKey(), id)
	_, err = pipe.Exec(ctx)
	return err
}
