// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint persists per-thread conversation state snapshots.
//
// Checkpoint IDs are assigned by the writing side, not by the backing
// database, and are lexically monotonic per thread: the latest
// checkpoint is always the one with the maximum ID. That property is
// what makes "resume from latest" a single reverse scan.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianCoach/services/coach/datatypes"
)

// ErrNotFound marks a missing thread or checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// PendingWrite is one buffered side effect attached to a checkpoint.
// Writes survive a crash between state commit and effect application
// so recovery can replay them.
type PendingWrite struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Checkpoint is one committed snapshot of a thread's state.
type Checkpoint struct {
	ThreadID           string                       `json:"thread_id"`
	CheckpointID       string                       `json:"checkpoint_id"`
	ParentCheckpointID string                       `json:"parent_checkpoint_id,omitempty"`
	State              *datatypes.ConversationState `json:"state"`
	PendingWrites      []PendingWrite               `json:"pending_writes,omitempty"`
	CreatedAt          int64                        `json:"created_at"` // unix millis
}

// Store persists and retrieves checkpoints.
//
// # Description
//
// Get with an empty checkpointID returns the latest checkpoint for the
// thread. List returns checkpoints in reverse chronological order,
// optionally strictly before a given ID. Put commits a snapshot
// atomically: a reader never observes a partially written checkpoint.
//
// Thread Safety: implementations are safe for concurrent use.
type Store interface {
	// Get returns one checkpoint. checkpointID == "" selects the
	// latest. Returns ErrNotFound when the thread has no checkpoints
	// or the ID does not exist.
	Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)

	// List returns up to limit checkpoints, newest first, strictly
	// older than before when before is non-empty. limit <= 0 means
	// no limit. An unknown thread yields an empty slice, not an error.
	List(ctx context.Context, threadID, before string, limit int) ([]*Checkpoint, error)

	// Put commits a new checkpoint for the thread and returns its ID.
	// The snapshot is deep-copied; later mutation of state does not
	// affect the committed checkpoint.
	Put(ctx context.Context, threadID string, state *datatypes.ConversationState, parentID string) (string, error)

	// PutPendingWrites appends buffered writes to an existing
	// checkpoint. Returns ErrNotFound for an unknown checkpoint.
	PutPendingWrites(ctx context.Context, threadID, checkpointID string, writes []PendingWrite) error
}

// idGen assigns lexically monotonic checkpoint IDs.
//
// IDs are "%020d-%08d" (Unix nanos, sequence). The sequence breaks
// ties when the clock does not advance between puts, so ordering holds
// even under a stalled or coarse clock.
type idGen struct {
	mu    sync.Mutex
	nowFn func() time.Time

	lastNanos int64
	seq       uint64
}

func newIDGen(nowFn func() time.Time) *idGen {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &idGen{nowFn: nowFn}
}

func (g *idGen) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	nanos := g.nowFn().UnixNano()
	if nanos <= g.lastNanos {
		nanos = g.lastNanos
		g.seq++
	} else {
		g.lastNanos = nanos
		g.seq = 0
	}
	return fmt.Sprintf("%020d-%08d", nanos, g.seq)
}
