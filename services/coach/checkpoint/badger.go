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
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianCoach/services/coach/datatypes"
	"github.com/AleutianAI/AleutianCoach/services/coach/storage"
)

// BadgerStore is the durable Store backed by the embedded BadgerDB.
//
// Key layout: cp/{thread_id}/{checkpoint_id} -> JSON checkpoint.
// Checkpoint IDs sort lexically in creation order, so the latest
// checkpoint for a thread is the last key under its prefix.
//
// Thread Safety: safe for concurrent use.
type BadgerStore struct {
	db    *storage.DB
	ids   *idGen
	nowFn func() time.Time
}

// NewBadgerStore creates a BadgerStore on an open database.
func NewBadgerStore(db *storage.DB) *BadgerStore {
	return NewBadgerStoreWithClock(db, time.Now)
}

// NewBadgerStoreWithClock injects the clock used for checkpoint IDs.
func NewBadgerStoreWithClock(db *storage.DB, nowFn func() time.Time) *BadgerStore {
	return &BadgerStore{db: db, ids: newIDGen(nowFn), nowFn: nowFn}
}

func threadPrefix(threadID string) []byte {
	return []byte(fmt.Sprintf("cp/%s/", threadID))
}

func checkpointKey(threadID, checkpointID string) []byte {
	return []byte(fmt.Sprintf("cp/%s/%s", threadID, checkpointID))
}

func (s *BadgerStore) Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	var cp *Checkpoint
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		if checkpointID != "" {
			item, err := txn.Get(checkpointKey(threadID, checkpointID))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return ErrNotFound
				}
				return err
			}
			return item.Value(func(val []byte) error {
				return json.Unmarshal(val, &cp)
			})
		}

		// latest = max key under the thread prefix
		prefix := threadPrefix(threadID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(append([]byte{}, prefix...), 0xFF))
		if !it.ValidForPrefix(prefix) {
			return ErrNotFound
		}
		return it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		})
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *BadgerStore) List(ctx context.Context, threadID, before string, limit int) ([]*Checkpoint, error) {
	var out []*Checkpoint
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		prefix := threadPrefix(threadID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		start := append(append([]byte{}, prefix...), 0xFF)
		if before != "" {
			// seek to just under the exclusive bound
			start = checkpointKey(threadID, before)
		}
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			if before != "" && string(it.Item().Key()) >= string(checkpointKey(threadID, before)) {
				continue
			}
			var cp *Checkpoint
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &cp)
			}); err != nil {
				return err
			}
			out = append(out, cp)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*Checkpoint{}
	}
	return out, nil
}

func (s *BadgerStore) Put(ctx context.Context, threadID string, state *datatypes.ConversationState, parentID string) (string, error) {
	cp := &Checkpoint{
		ThreadID:           threadID,
		CheckpointID:       s.ids.next(),
		ParentCheckpointID: parentID,
		State:              state.Clone(),
		CreatedAt:          s.nowFn().UnixMilli(),
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}

	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(threadID, cp.CheckpointID), data)
	})
	if err != nil {
		return "", fmt.Errorf("put checkpoint: %w", err)
	}
	return cp.CheckpointID, nil
}

func (s *BadgerStore) PutPendingWrites(ctx context.Context, threadID, checkpointID string, writes []PendingWrite) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		key := checkpointKey(threadID, checkpointID)
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}

		var cp Checkpoint
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		}); err != nil {
			return err
		}
		cp.PendingWrites = append(cp.PendingWrites, writes...)

		data, err := json.Marshal(&cp)
		if err != nil {
			return fmt.Errorf("marshal checkpoint: %w", err)
		}
		return txn.Set(key, data)
	})
}
