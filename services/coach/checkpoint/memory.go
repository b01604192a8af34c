// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianCoach/services/coach/datatypes"
)

// MemoryStore is an in-memory Store for tests and single-process runs.
//
// Thread Safety: safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]*Checkpoint // ascending by CheckpointID
	ids     *idGen
	nowFn   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates a MemoryStore with an injected clock
// for deterministic IDs in tests.
func NewMemoryStoreWithClock(nowFn func() time.Time) *MemoryStore {
	return &MemoryStore{
		threads: make(map[string][]*Checkpoint),
		ids:     newIDGen(nowFn),
		nowFn:   nowFn,
	}
}

func (s *MemoryStore) Get(_ context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps := s.threads[threadID]
	if len(cps) == 0 {
		return nil, ErrNotFound
	}
	if checkpointID == "" {
		return cloneCheckpoint(cps[len(cps)-1]), nil
	}
	for i := len(cps) - 1; i >= 0; i-- {
		if cps[i].CheckpointID == checkpointID {
			return cloneCheckpoint(cps[i]), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) List(_ context.Context, threadID, before string, limit int) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps := s.threads[threadID]
	out := make([]*Checkpoint, 0, len(cps))
	for i := len(cps) - 1; i >= 0; i-- {
		if before != "" && cps[i].CheckpointID >= before {
			continue
		}
		out = append(out, cloneCheckpoint(cps[i]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Put(_ context.Context, threadID string, state *datatypes.ConversationState, parentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := &Checkpoint{
		ThreadID:           threadID,
		CheckpointID:       s.ids.next(),
		ParentCheckpointID: parentID,
		State:              state.Clone(),
		CreatedAt:          s.nowFn().UnixMilli(),
	}
	s.threads[threadID] = append(s.threads[threadID], cp)
	return cp.CheckpointID, nil
}

func (s *MemoryStore) PutPendingWrites(_ context.Context, threadID, checkpointID string, writes []PendingWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cp := range s.threads[threadID] {
		if cp.CheckpointID == checkpointID {
			cp.PendingWrites = append(cp.PendingWrites, writes...)
			return nil
		}
	}
	return ErrNotFound
}

func cloneCheckpoint(cp *Checkpoint) *Checkpoint {
	out := *cp
	out.State = cp.State.Clone()
	if cp.PendingWrites != nil {
		out.PendingWrites = make([]PendingWrite, len(cp.PendingWrites))
		copy(out.PendingWrites, cp.PendingWrites)
	}
	return &out
}
