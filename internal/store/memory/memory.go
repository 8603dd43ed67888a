// Package memory provides in-process implementations of the domain stores.
// They back the engines when no database is configured and in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
)

// RewardStateStore keeps reward pool state in a map.
type RewardStateStore struct {
	mu     sync.RWMutex
	states map[string]domain.RewardPoolState
}

// NewRewardStateStore returns an empty store.
func NewRewardStateStore() *RewardStateStore {
	return &RewardStateStore{states: make(map[string]domain.RewardPoolState)}
}

func (s *RewardStateStore) Load(_ context.Context, poolID string) (domain.RewardPoolState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[poolID]
	if !ok {
		return domain.RewardPoolState{}, fmt.Errorf("memory: reward pool %q: %w", poolID, domain.ErrNotFound)
	}
	return st.Clone(), nil
}

func (s *RewardStateStore) Save(_ context.Context, state domain.RewardPoolState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.PoolID] = state.Clone()
	return nil
}

type checkpointKey struct {
	stage domain.Stage
	id    string
}

// CheckpointStore keeps migration checkpoints in a map.
type CheckpointStore struct {
	mu  sync.RWMutex
	cps map[checkpointKey]domain.MigrationCheckpoint
}

// NewCheckpointStore returns an empty store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{cps: make(map[checkpointKey]domain.MigrationCheckpoint)}
}

func (s *CheckpointStore) Get(_ context.Context, stage domain.Stage, migrationID string) (domain.MigrationCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.cps[checkpointKey{stage, migrationID}]
	if !ok {
		return domain.MigrationCheckpoint{}, fmt.Errorf("memory: checkpoint %s/%s: %w", stage, migrationID, domain.ErrNotFound)
	}
	return cp, nil
}

func (s *CheckpointStore) Save(_ context.Context, cp domain.MigrationCheckpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cps[checkpointKey{cp.Stage, cp.MigrationID}] = cp
	return nil
}

func (s *CheckpointStore) List(_ context.Context, stage domain.Stage) ([]domain.MigrationCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.MigrationCheckpoint
	for k, cp := range s.cps {
		if k.stage == stage {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MigrationID < out[j].MigrationID })
	return out, nil
}

// AuditStore is an append-only slice of audit entries.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
}

// NewAuditStore returns an empty log.
func NewAuditStore() *AuditStore { return &AuditStore{} }

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns entries newest first, honoring the time window and paging in
// opts.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// LockManager is a process-local domain.LockManager with expiring leases.
type LockManager struct {
	mu    sync.Mutex
	held  map[string]lease
	seq   uint64
	clock func() time.Time
}

type lease struct {
	token   uint64
	expires time.Time
}

// NewLockManager returns an empty lock table.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]lease), clock: time.Now}
}

func (l *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, fmt.Errorf("memory: lock %s: %w", key, domain.ErrLockHeld)
	}
	l.seq++
	token := l.seq
	l.held[key] = lease{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if cur, ok := l.held[key]; ok && cur.token == token {
				delete(l.held, key)
			}
		})
	}, nil
}

// PriceCache keeps the last pushed price per feed key.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]cachedPrice
}

type cachedPrice struct {
	price decimal.Decimal
	ts    time.Time
}

// NewPriceCache returns an empty cache.
func NewPriceCache() *PriceCache { return &PriceCache{prices: make(map[string]cachedPrice)} }

func (c *PriceCache) SetPrice(_ context.Context, key string, price decimal.Decimal, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[key] = cachedPrice{price: price, ts: ts}
	return nil
}

// GetPrice returns domain.ErrNotFound for a key never set.
func (c *PriceCache) GetPrice(_ context.Context, key string) (decimal.Decimal, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[key]
	if !ok {
		return decimal.Zero(), time.Time{}, fmt.Errorf("memory: price %s: %w", key, domain.ErrNotFound)
	}
	return p.price, p.ts, nil
}

var (
	_ domain.LockManager = (*LockManager)(nil)
	_ domain.PriceCache  = (*PriceCache)(nil)
)
