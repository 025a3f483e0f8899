package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/onexay/notepub/internal/types"
)

const (
	targetSetKey    = "notepub:targets"
	targetKeyPrefix = "notepub:target"
	recordKeyPrefix = "notepub:records"
	maxWatchRetries = 5
)

type keydbStore struct {
	client *redis.Client
	clock  func() time.Time
	newID  func() string
}

// Config defines KeyDB connection settings.
type Config struct {
	Addr     string
	Username string
	Password string
	Database int
}

// NewKeyDBStore initializes a Store backed by KeyDB.
func NewKeyDBStore(cfg Config, opts Options) (Store, error) {
	opts = opts.withDefaults()
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.Database,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to keydb: %w", err)
	}

	return &keydbStore{
		client: client,
		clock:  opts.Clock,
		newID:  opts.NewID,
	}, nil
}

func (s *keydbStore) AddTarget(ctx context.Context, target types.PublishTarget) (types.PublishTarget, error) {
	target = prepareTarget(target)
	if err := validateTarget(target); err != nil {
		return types.PublishTarget{}, err
	}
	if target.ID == "" {
		target.ID = s.newID()
	}
	now := s.clock().UTC()
	target.CreatedAt = now
	target.UpdatedAt = now

	payload, err := json.Marshal(target)
	if err != nil {
		return types.PublishTarget{}, err
	}

	created, err := s.client.SetNX(ctx, targetKey(target.ID), payload, 0).Result()
	if err != nil {
		return types.PublishTarget{}, err
	}
	if !created {
		return types.PublishTarget{}, &ConflictError{Resource: "target", Key: target.ID}
	}
	if err := s.client.SAdd(ctx, targetSetKey, target.ID).Err(); err != nil {
		return types.PublishTarget{}, err
	}
	return target, nil
}

func (s *keydbStore) UpdateTarget(ctx context.Context, target types.PublishTarget) (types.PublishTarget, error) {
	if target.ID == "" {
		return types.PublishTarget{}, &ValidationError{Message: "target id is required"}
	}
	target = prepareTarget(target)
	if err := validateTarget(target); err != nil {
		return types.PublishTarget{}, err
	}

	key := targetKey(target.ID)
	update := func(tx *redis.Tx) error {
		existing, err := getJSON[types.PublishTarget](ctx, tx, key)
		if errors.Is(err, redis.Nil) {
			return &NotFoundError{Resource: "target", Key: target.ID}
		}
		if err != nil {
			return err
		}
		target.CreatedAt = existing.CreatedAt
		target.UpdatedAt = s.clock().UTC()
		payload, err := json.Marshal(target)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}

	if err := s.watch(ctx, update, key); err != nil {
		return types.PublishTarget{}, err
	}
	return target, nil
}

func (s *keydbStore) RemoveTarget(ctx context.Context, id string) error {
	removed, err := s.client.Exists(ctx, targetKey(id)).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return &NotFoundError{Resource: "target", Key: id}
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, targetKey(id), recordKey(id))
	pipe.SRem(ctx, targetSetKey, id)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *keydbStore) GetTarget(ctx context.Context, id string) (types.PublishTarget, error) {
	target, err := getJSON[types.PublishTarget](ctx, s.client, targetKey(id))
	if errors.Is(err, redis.Nil) {
		return types.PublishTarget{}, &NotFoundError{Resource: "target", Key: id}
	}
	return target, err
}

func (s *keydbStore) ListTargets(ctx context.Context) ([]types.PublishTarget, error) {
	ids, err := s.client.SMembers(ctx, targetSetKey).Result()
	if err != nil {
		return nil, err
	}

	result := make([]types.PublishTarget, 0, len(ids))
	for _, id := range ids {
		target, err := getJSON[types.PublishTarget](ctx, s.client, targetKey(id))
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, target)
	}
	sortTargets(result)
	return result, nil
}

func (s *keydbStore) PutRecord(ctx context.Context, rec types.PublishRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if rec.PublishedAt.IsZero() {
		rec.PublishedAt = s.clock().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	tKey := targetKey(rec.TargetID)
	put := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, tKey).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return &NotFoundError{Resource: "target", Key: rec.TargetID}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, recordKey(rec.TargetID), rec.PostKey, payload)
			return nil
		})
		return err
	}
	return s.watch(ctx, put, tKey)
}

func (s *keydbStore) GetRecord(ctx context.Context, targetID, postKey string) (types.PublishRecord, error) {
	raw, err := s.client.HGet(ctx, recordKey(targetID), postKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.PublishRecord{}, &NotFoundError{Resource: "record", Key: targetID + "/" + postKey}
	}
	if err != nil {
		return types.PublishRecord{}, err
	}
	var rec types.PublishRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return types.PublishRecord{}, err
	}
	return rec, nil
}

func (s *keydbStore) ListRecords(ctx context.Context, targetID string) ([]types.PublishRecord, error) {
	fields, err := s.client.HGetAll(ctx, recordKey(targetID)).Result()
	if err != nil {
		return nil, err
	}
	result := make([]types.PublishRecord, 0, len(fields))
	for _, raw := range fields {
		var rec types.PublishRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	sortRecords(result)
	return result, nil
}

func (s *keydbStore) Close() error {
	return s.client.Close()
}

// watch runs fn under optimistic locking on keys, retrying when another
// writer touched them between WATCH and EXEC.
func (s *keydbStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return &ConflictError{Resource: "key", Key: keys[0]}
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJSON[T any](ctx context.Context, c stringGetter, key string) (T, error) {
	var out T
	raw, err := c.Get(ctx, key).Bytes()
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}

func targetKey(id string) string {
	return targetKeyPrefix + ":" + id
}

func recordKey(targetID string) string {
	return recordKeyPrefix + ":" + targetID
}
