package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ExposureStore records the first (experiment, subject) → variant
// assignment as an immutable fact. Put is first-writer-wins so repeated
// allocation requests keep returning the original variant, and Get is
// consulted before re-hashing so weight edits can never flip a subject
// that has already been exposed.
type ExposureStore interface {
	Get(ctx context.Context, expID, subjectID string) (variantID string, ok bool, err error)
	// Put stores the assignment unless one already exists. created is
	// false when the subject was already exposed; variantID then reports
	// the stored variant.
	Put(ctx context.Context, expID, subjectID, variantID string, at time.Time) (created bool, stored string, err error)
	// Purge drops all exposures of an experiment (archival).
	Purge(ctx context.Context, expID string) error
}

// MemoryExposures is the in-process ExposureStore.
type MemoryExposures struct {
	mu   sync.RWMutex
	byID map[string]map[string]string // expID -> subjectID -> variantID
}

func NewMemoryExposures() *MemoryExposures {
	return &MemoryExposures{byID: make(map[string]map[string]string)}
}

func (m *MemoryExposures) Get(_ context.Context, expID, subjectID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.byID[expID][subjectID]
	return v, ok, nil
}

func (m *MemoryExposures) Put(_ context.Context, expID, subjectID, variantID string, _ time.Time) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subjects, ok := m.byID[expID]
	if !ok {
		subjects = make(map[string]string)
		m.byID[expID] = subjects
	}
	if existing, ok := subjects[subjectID]; ok {
		return false, existing, nil
	}
	subjects[subjectID] = variantID
	return true, variantID, nil
}

func (m *MemoryExposures) Purge(_ context.Context, expID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, expID)
	return nil
}

// RedisExposures shares assignments across engine instances. Keys carry a
// TTL covering the experiment lifetime plus the retention window.
type RedisExposures struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisExposures(rdb *redis.Client, ttl time.Duration) *RedisExposures {
	if ttl == 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisExposures{rdb: rdb, ttl: ttl}
}

func exposureKey(expID, subjectID string) string {
	return fmt.Sprintf("exp:exposure:%s:%s", expID, subjectID)
}

func (r *RedisExposures) Get(ctx context.Context, expID, subjectID string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, exposureKey(expID, subjectID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisExposures) Put(ctx context.Context, expID, subjectID, variantID string, _ time.Time) (bool, string, error) {
	key := exposureKey(expID, subjectID)
	created, err := r.rdb.SetNX(ctx, key, variantID, r.ttl).Result()
	if err != nil {
		return false, "", err
	}
	if created {
		return true, variantID, nil
	}
	stored, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		return false, "", err
	}
	return false, stored, nil
}

func (r *RedisExposures) Purge(ctx context.Context, expID string) error {
	iter := r.rdb.Scan(ctx, 0, fmt.Sprintf("exp:exposure:%s:*", expID), 500).Iterator()
	for iter.Next(ctx) {
		if err := r.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
