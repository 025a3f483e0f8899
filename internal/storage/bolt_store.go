package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/onexay/notepub/internal/types"
)

const (
	boltTargetsBucket = "targets"
	boltRecordsBucket = "records"
)

// boltStore keeps targets and the publish ledger in a local BoltDB file.
type boltStore struct {
	db    *bolt.DB
	once  sync.Once
	clock func() time.Time
	newID func() string
}

// NewBoltStore opens (or creates) a BoltDB-backed store at the provided path.
func NewBoltStore(path string, opts Options) (Store, error) {
	if path == "" {
		return nil, errors.New("bolt store path is required")
	}
	opts = opts.withDefaults()

	cleaned := filepath.Clean(path)
	if dir := filepath.Dir(cleaned); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}

	db, err := bolt.Open(cleaned, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(boltTargetsBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(boltRecordsBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &boltStore{db: db, clock: opts.Clock, newID: opts.NewID}, nil
}

func (s *boltStore) AddTarget(ctx context.Context, target types.PublishTarget) (types.PublishTarget, error) {
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

	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		bucket := tx.Bucket([]byte(boltTargetsBucket))
		if bucket.Get([]byte(target.ID)) != nil {
			return &ConflictError{Resource: "target", Key: target.ID}
		}
		return putJSON(bucket, target.ID, target)
	})
	if err != nil {
		return types.PublishTarget{}, err
	}
	return target, nil
}

func (s *boltStore) UpdateTarget(ctx context.Context, target types.PublishTarget) (types.PublishTarget, error) {
	if target.ID == "" {
		return types.PublishTarget{}, &ValidationError{Message: "target id is required"}
	}
	target = prepareTarget(target)
	if err := validateTarget(target); err != nil {
		return types.PublishTarget{}, err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		bucket := tx.Bucket([]byte(boltTargetsBucket))
		var existing types.PublishTarget
		if err := getBoltJSON(bucket, target.ID, &existing); err != nil {
			return &NotFoundError{Resource: "target", Key: target.ID}
		}
		target.CreatedAt = existing.CreatedAt
		target.UpdatedAt = s.clock().UTC()
		return putJSON(bucket, target.ID, target)
	})
	if err != nil {
		return types.PublishTarget{}, err
	}
	return target, nil
}

func (s *boltStore) RemoveTarget(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		bucket := tx.Bucket([]byte(boltTargetsBucket))
		if bucket.Get([]byte(id)) == nil {
			return &NotFoundError{Resource: "target", Key: id}
		}
		if err := bucket.Delete([]byte(id)); err != nil {
			return err
		}
		records := tx.Bucket([]byte(boltRecordsBucket))
		if records.Bucket([]byte(id)) != nil {
			return records.DeleteBucket([]byte(id))
		}
		return nil
	})
}

func (s *boltStore) GetTarget(ctx context.Context, id string) (types.PublishTarget, error) {
	var target types.PublishTarget
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := getBoltJSON(tx.Bucket([]byte(boltTargetsBucket)), id, &target); err != nil {
			return &NotFoundError{Resource: "target", Key: id}
		}
		return nil
	})
	return target, err
}

func (s *boltStore) ListTargets(ctx context.Context) ([]types.PublishTarget, error) {
	result := []types.PublishTarget{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltTargetsBucket)).ForEach(func(_, v []byte) error {
			var target types.PublishTarget
			if err := json.Unmarshal(v, &target); err != nil {
				return err
			}
			result = append(result, target)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortTargets(result)
	return result, nil
}

func (s *boltStore) PutRecord(ctx context.Context, rec types.PublishRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if rec.PublishedAt.IsZero() {
		rec.PublishedAt = s.clock().UTC()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if tx.Bucket([]byte(boltTargetsBucket)).Get([]byte(rec.TargetID)) == nil {
			return &NotFoundError{Resource: "target", Key: rec.TargetID}
		}
		targetBucket, err := tx.Bucket([]byte(boltRecordsBucket)).CreateBucketIfNotExists([]byte(rec.TargetID))
		if err != nil {
			return err
		}
		return putJSON(targetBucket, rec.PostKey, rec)
	})
}

func (s *boltStore) GetRecord(ctx context.Context, targetID, postKey string) (types.PublishRecord, error) {
	var rec types.PublishRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		notFound := &NotFoundError{Resource: "record", Key: targetID + "/" + postKey}
		targetBucket := tx.Bucket([]byte(boltRecordsBucket)).Bucket([]byte(targetID))
		if targetBucket == nil {
			return notFound
		}
		if err := getBoltJSON(targetBucket, postKey, &rec); err != nil {
			return notFound
		}
		return nil
	})
	return rec, err
}

func (s *boltStore) ListRecords(ctx context.Context, targetID string) ([]types.PublishRecord, error) {
	result := []types.PublishRecord{}
	err := s.db.View(func(tx *bolt.Tx) error {
		targetBucket := tx.Bucket([]byte(boltRecordsBucket)).Bucket([]byte(targetID))
		if targetBucket == nil {
			return nil
		}
		return targetBucket.ForEach(func(_, v []byte) error {
			var rec types.PublishRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			result = append(result, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortRecords(result)
	return result, nil
}

// Close shuts down the Bolt DB.
func (s *boltStore) Close() error {
	var err error
	s.once.Do(func() {
		err = s.db.Close()
	})
	return err
}

func putJSON(bucket *bolt.Bucket, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(key), payload)
}

func getBoltJSON(bucket *bolt.Bucket, key string, v any) error {
	data := bucket.Get([]byte(key))
	if data == nil {
		return errors.New("missing key " + key)
	}
	return json.Unmarshal(data, v)
}
