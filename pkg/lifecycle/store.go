// Package lifecycle implements the Orchestrator's authoritative
// function-name -> container-records mapping (§4.8). It is
// crash-volatile by design: durability comes entirely from the container
// runtime (containers carry their own identifying labels), reconstructed on
// restart by pkg/orchestrator's AdoptSync, not from a persisted store.
package lifecycle

import (
	"sync"
	"time"

	"github.com/cuemby/esb/pkg/types"
)

// shardCount is the number of locks function names are hashed across, the
// "or a sharded lock" option §4.8 allows in place of one mutex per function.
const shardCount = 32

type shard struct {
	mu      sync.Mutex
	records map[string][]*types.ContainerRecord // function_name -> records
}

// Store is the in-memory function -> container-records mapping plus a
// container_id -> record index. All mutations and Reaper reads of a given
// function's records go through that function's shard lock.
type Store struct {
	shards [shardCount]*shard

	idxMu sync.RWMutex
	byID  map[string]*types.ContainerRecord
}

// New constructs an empty Store.
func New() *Store {
	s := &Store{byID: make(map[string]*types.ContainerRecord)}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string][]*types.ContainerRecord)}
	}
	return s
}

func (s *Store) shardFor(function string) *shard {
	h := fnv32(function)
	return s.shards[h%shardCount]
}

func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// Put inserts or replaces a container record, keyed by its ID, within its
// function's record list.
func (s *Store) Put(rec *types.ContainerRecord) {
	sh := s.shardFor(rec.FunctionName)
	sh.mu.Lock()
	list := sh.records[rec.FunctionName]
	replaced := false
	for i, existing := range list {
		if existing.ID == rec.ID {
			list[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, rec)
	}
	sh.records[rec.FunctionName] = list
	sh.mu.Unlock()

	s.idxMu.Lock()
	s.byID[rec.ID] = rec
	s.idxMu.Unlock()
}

// Get returns the record for a container id, or nil if absent.
func (s *Store) Get(id string) *types.ContainerRecord {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	return s.byID[id]
}

// Remove drops a container record entirely (Reaper teardown, AdoptSync
// orphan removal, PoolOrchestrator eviction with Gone).
func (s *Store) Remove(id string) {
	s.idxMu.Lock()
	rec, ok := s.byID[id]
	if ok {
		delete(s.byID, id)
	}
	s.idxMu.Unlock()
	if !ok {
		return
	}

	sh := s.shardFor(rec.FunctionName)
	sh.mu.Lock()
	list := sh.records[rec.FunctionName]
	for i, existing := range list {
		if existing.ID == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	sh.records[rec.FunctionName] = list
	sh.mu.Unlock()
}

// ForFunction returns a snapshot of the current records for one function.
// The slice is a copy of the pointer list; callers mutating a *ContainerRecord
// in place are mutating the store's live record (records are not copied
// deeper than the slice itself), matching the locking discipline of
// EnsureRPC/Reaper which always re-Put after mutating a record's State or
// LastUsedAt.
func (s *Store) ForFunction(function string) []*types.ContainerRecord {
	sh := s.shardFor(function)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	list := sh.records[function]
	out := make([]*types.ContainerRecord, len(list))
	copy(out, list)
	return out
}

// CountOccupied returns how many of a function's records are in a state
// that counts against max_capacity (invariant 1, §8).
func (s *Store) CountOccupied(function string) int {
	n := 0
	for _, rec := range s.ForFunction(function) {
		if rec.State.Occupied() {
			n++
		}
	}
	return n
}

// WarmContainer returns the first record in READY or IDLE state for a
// function, or nil if none exists (EnsureRPC's warm path, §4.7).
func (s *Store) WarmContainer(function string) *types.ContainerRecord {
	for _, rec := range s.ForFunction(function) {
		if rec.State == types.StateReady || rec.State == types.StateIdle {
			return rec
		}
	}
	return nil
}

// PausedContainer returns the first record in PAUSED state for a function,
// or nil if none exists (EnsureRPC's paused path, §4.7).
func (s *Store) PausedContainer(function string) *types.ContainerRecord {
	for _, rec := range s.ForFunction(function) {
		if rec.State == types.StatePaused {
			return rec
		}
	}
	return nil
}

// Touch updates a record's last_used_at to now (monotone non-decreasing per
// invariant 3, §3) and re-stores it.
func (s *Store) Touch(id string) {
	s.idxMu.RLock()
	rec, ok := s.byID[id]
	s.idxMu.RUnlock()
	if !ok {
		return
	}
	now := time.Now()
	sh := s.shardFor(rec.FunctionName)
	sh.mu.Lock()
	if now.After(rec.LastUsedAt) {
		rec.LastUsedAt = now
	}
	sh.mu.Unlock()
}

// AllFunctions returns the set of function names with at least one tracked
// record, a snapshot used by the Reaper to enumerate its sweep targets.
func (s *Store) AllFunctions() []string {
	seen := make(map[string]struct{})
	for _, sh := range s.shards {
		sh.mu.Lock()
		for name, list := range sh.records {
			if len(list) > 0 {
				seen[name] = struct{}{}
			}
		}
		sh.mu.Unlock()
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out
}
