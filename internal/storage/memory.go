package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/onexay/notepub/internal/types"
)

// Store is the Target Configuration Store plus the per-post publish ledger.
type Store interface {
	AddTarget(ctx context.Context, target types.PublishTarget) (types.PublishTarget, error)
	UpdateTarget(ctx context.Context, target types.PublishTarget) (types.PublishTarget, error)
	RemoveTarget(ctx context.Context, id string) error
	GetTarget(ctx context.Context, id string) (types.PublishTarget, error)
	ListTargets(ctx context.Context) ([]types.PublishTarget, error)
	PutRecord(ctx context.Context, rec types.PublishRecord) error
	GetRecord(ctx context.Context, targetID, postKey string) (types.PublishRecord, error)
	ListRecords(ctx context.Context, targetID string) ([]types.PublishRecord, error)
	Close() error
}

// NotFoundError signals missing records.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " " + e.Key + " not found"
}

// ConflictError signals concurrent modification or duplicate creation attempts.
type ConflictError struct {
	Resource string
	Key      string
}

func (e *ConflictError) Error() string {
	return e.Resource + " " + e.Key + " conflicts with existing state"
}

// ValidationError represents invalid input supplied by clients.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// prepareTarget normalises a target before validation and storage.
func prepareTarget(t types.PublishTarget) types.PublishTarget {
	t.Name = strings.TrimSpace(t.Name)
	t.GitHub.Repo = strings.TrimSpace(t.GitHub.Repo)
	t.GitHub.Branch = strings.TrimSpace(t.GitHub.Branch)
	if t.Deployment != nil {
		d := *t.Deployment
		if d.Provider == "" {
			d.Provider = types.ProviderCloudflarePages
		}
		t.Deployment = &d
	}
	return t
}

// memoryStore provides an in-memory store for development and testing.
type memoryStore struct {
	mu      sync.RWMutex
	clock   func() time.Time
	newID   func() string
	targets map[string]types.PublishTarget
	records map[string]map[string]types.PublishRecord // target -> postKey -> record
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore(opts Options) Store {
	opts = opts.withDefaults()
	return &memoryStore{
		clock:   opts.Clock,
		newID:   opts.NewID,
		targets: make(map[string]types.PublishTarget),
		records: make(map[string]map[string]types.PublishRecord),
	}
}

func (m *memoryStore) AddTarget(ctx context.Context, target types.PublishTarget) (types.PublishTarget, error) {
	target = prepareTarget(target)
	if err := validateTarget(target); err != nil {
		return types.PublishTarget{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if target.ID == "" {
		target.ID = m.newID()
	}
	if _, exists := m.targets[target.ID]; exists {
		return types.PublishTarget{}, &ConflictError{Resource: "target", Key: target.ID}
	}

	now := m.clock().UTC()
	target.CreatedAt = now
	target.UpdatedAt = now
	m.targets[target.ID] = target
	return target, nil
}

func (m *memoryStore) UpdateTarget(ctx context.Context, target types.PublishTarget) (types.PublishTarget, error) {
	if target.ID == "" {
		return types.PublishTarget{}, &ValidationError{Message: "target id is required"}
	}
	target = prepareTarget(target)
	if err := validateTarget(target); err != nil {
		return types.PublishTarget{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.targets[target.ID]
	if !ok {
		return types.PublishTarget{}, &NotFoundError{Resource: "target", Key: target.ID}
	}
	target.CreatedAt = existing.CreatedAt
	target.UpdatedAt = m.clock().UTC()
	m.targets[target.ID] = target
	return target, nil
}

func (m *memoryStore) RemoveTarget(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.targets[id]; !ok {
		return &NotFoundError{Resource: "target", Key: id}
	}
	delete(m.targets, id)
	delete(m.records, id)
	return nil
}

func (m *memoryStore) GetTarget(ctx context.Context, id string) (types.PublishTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	target, ok := m.targets[id]
	if !ok {
		return types.PublishTarget{}, &NotFoundError{Resource: "target", Key: id}
	}
	return target, nil
}

func (m *memoryStore) ListTargets(ctx context.Context) ([]types.PublishTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]types.PublishTarget, 0, len(m.targets))
	for _, target := range m.targets {
		result = append(result, target)
	}
	sortTargets(result)
	return result, nil
}

func (m *memoryStore) PutRecord(ctx context.Context, rec types.PublishRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.targets[rec.TargetID]; !ok {
		return &NotFoundError{Resource: "target", Key: rec.TargetID}
	}
	targetRecords, ok := m.records[rec.TargetID]
	if !ok {
		targetRecords = make(map[string]types.PublishRecord)
		m.records[rec.TargetID] = targetRecords
	}
	if rec.PublishedAt.IsZero() {
		rec.PublishedAt = m.clock().UTC()
	}
	targetRecords[rec.PostKey] = rec
	return nil
}

func (m *memoryStore) GetRecord(ctx context.Context, targetID, postKey string) (types.PublishRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[targetID][postKey]
	if !ok {
		return types.PublishRecord{}, &NotFoundError{Resource: "record", Key: targetID + "/" + postKey}
	}
	return rec, nil
}

func (m *memoryStore) ListRecords(ctx context.Context, targetID string) ([]types.PublishRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	targetRecords := m.records[targetID]
	result := make([]types.PublishRecord, 0, len(targetRecords))
	for _, rec := range targetRecords {
		result = append(result, rec)
	}
	sortRecords(result)
	return result, nil
}

func (m *memoryStore) Close() error { return nil }
