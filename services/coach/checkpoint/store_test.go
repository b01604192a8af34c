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
	"encoding/json"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCoach/services/coach/datatypes"
	"github.com/AleutianAI/AleutianCoach/services/coach/storage"
)

// runs the shared contract suite against both implementations.
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("badger", func(t *testing.T) {
		db, err := storage.OpenInMemory()
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		fn(t, NewBadgerStore(db))
	})
}

func newState(threadID string, turn int) *datatypes.ConversationState {
	state := datatypes.NewConversationState(threadID, datatypes.SessionWeekly, 1)
	state.TurnIndex = turn
	return state
}

func TestStore_GetLatest(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		_, err := store.Get(ctx, "t1", "")
		assert.ErrorIs(t, err, ErrNotFound)

		var last string
		for i := 0; i < 5; i++ {
			id, err := store.Put(ctx, "t1", newState("t1", i), last)
			require.NoError(t, err)
			if last != "" {
				assert.Greater(t, id, last, "checkpoint IDs must be lexically increasing")
			}
			last = id
		}

		cp, err := store.Get(ctx, "t1", "")
		require.NoError(t, err)
		assert.Equal(t, last, cp.CheckpointID)
		assert.Equal(t, 4, cp.State.TurnIndex)
	})
}

func TestStore_GetByID(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		id1, err := store.Put(ctx, "t1", newState("t1", 0), "")
		require.NoError(t, err)
		id2, err := store.Put(ctx, "t1", newState("t1", 1), id1)
		require.NoError(t, err)

		cp, err := store.Get(ctx, "t1", id1)
		require.NoError(t, err)
		assert.Equal(t, 0, cp.State.TurnIndex)
		assert.Empty(t, cp.ParentCheckpointID)

		cp, err = store.Get(ctx, "t1", id2)
		require.NoError(t, err)
		assert.Equal(t, id1, cp.ParentCheckpointID)

		_, err = store.Get(ctx, "t1", "bogus")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ListBeforeLimit(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		ids := make([]string, 0, 5)
		for i := 0; i < 5; i++ {
			id, err := store.Put(ctx, "t1", newState("t1", i), "")
			require.NoError(t, err)
			ids = append(ids, id)
		}

		all, err := store.List(ctx, "t1", "", 0)
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.True(t, sort.SliceIsSorted(all, func(i, j int) bool {
			return all[i].CheckpointID > all[j].CheckpointID
		}), "list must be newest first")
		assert.Equal(t, ids[4], all[0].CheckpointID)

		// strictly before ids[3]: ids[2], ids[1]
		page, err := store.List(ctx, "t1", ids[3], 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, ids[2], page[0].CheckpointID)
		assert.Equal(t, ids[1], page[1].CheckpointID)

		empty, err := store.List(ctx, "other", "", 0)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestStore_PutIsolatesState(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		state := newState("t1", 3)
		state.CriteriaStatus["c1"] = true
		id, err := store.Put(ctx, "t1", state, "")
		require.NoError(t, err)

		// mutation after commit must not leak into the checkpoint
		state.TurnIndex = 99
		state.CriteriaStatus["c2"] = true

		cp, err := store.Get(ctx, "t1", id)
		require.NoError(t, err)
		assert.Equal(t, 3, cp.State.TurnIndex)
		assert.NotContains(t, cp.State.CriteriaStatus, "c2")
	})
}

func TestStore_PendingWrites(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		id, err := store.Put(ctx, "t1", newState("t1", 0), "")
		require.NoError(t, err)

		w1 := PendingWrite{Key: "advance_week", Value: json.RawMessage(`{"to":2}`)}
		w2 := PendingWrite{Key: "save_summary", Value: json.RawMessage(`{"week":1}`)}
		require.NoError(t, store.PutPendingWrites(ctx, "t1", id, []PendingWrite{w1}))
		require.NoError(t, store.PutPendingWrites(ctx, "t1", id, []PendingWrite{w2}))

		cp, err := store.Get(ctx, "t1", id)
		require.NoError(t, err)
		require.Len(t, cp.PendingWrites, 2)
		assert.Equal(t, "advance_week", cp.PendingWrites[0].Key)
		assert.Equal(t, "save_summary", cp.PendingWrites[1].Key)

		err = store.PutPendingWrites(ctx, "t1", "bogus", []PendingWrite{w1})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestIDGen_MonotonicUnderStalledClock(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	gen := newIDGen(func() time.Time { return fixed })

	prev := ""
	for i := 0; i < 100; i++ {
		id := gen.next()
		require.Greater(t, id, prev, "iteration %d", i)
		prev = id
	}
	assert.Equal(t, fmt.Sprintf("%020d-%08d", fixed.UnixNano(), 99), prev)
}
