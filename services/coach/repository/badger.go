// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianCoach/services/coach/datatypes"
	"github.com/AleutianAI/AleutianCoach/services/coach/storage"
)

// BadgerRepository is the durable Repository backed by the embedded
// BadgerDB.
//
// Key layout:
//
//	u/{user_id}                 -> User
//	s/{user_id}/{session_id}    -> WeeklySession
//	sx/{session_id}             -> user_id (lookup index)
//	m/{thread_id}/{seq}         -> Message (seq zero-padded, append order)
//
// Thread Safety: safe for concurrent use. Session mutations run in a
// single transaction so the one-open-session constraint holds.
type BadgerRepository struct {
	db *storage.DB
}

// NewBadgerRepository creates a BadgerRepository on an open database.
func NewBadgerRepository(db *storage.DB) *BadgerRepository {
	return &BadgerRepository{db: db}
}

func userKey(userID string) []byte { return []byte("u/" + userID) }
func sessionKey(userID, sessionID string) []byte {
	return []byte("s/" + userID + "/" + sessionID)
}
func sessionIndexKey(sessionID string) []byte { return []byte("sx/" + sessionID) }
func messageKey(threadID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("m/%s/%012d", threadID, seq))
}

func getJSON(txn *badger.Txn, key []byte, out interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", v, err)
	}
	return txn.Set(key, data)
}

func (r *BadgerRepository) GetUser(ctx context.Context, userID string) (*datatypes.User, error) {
	var u *datatypes.User
	err := r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		err := getJSON(txn, userKey(userID), &u)
		if errors.Is(err, ErrNotFound) {
			u = datatypes.NewUser(userID)
			return setJSON(txn, userKey(userID), u)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *BadgerRepository) UpdateUser(ctx context.Context, userID string, patch UserPatch) (*datatypes.User, error) {
	var u *datatypes.User
	err := r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, userKey(userID), &u); err != nil {
			return err
		}
		applyPatch(u, patch)
		return setJSON(txn, userKey(userID), u)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *BadgerRepository) TouchLastSeen(ctx context.Context, userID string, at time.Time) error {
	_, err := r.UpdateUser(ctx, userID, UserPatch{LastSeenAt: &at})
	return err
}

func (r *BadgerRepository) AdvanceWeek(ctx context.Context, userID string) (*datatypes.User, error) {
	var u *datatypes.User
	err := r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, userKey(userID), &u); err != nil {
			return err
		}
		if u.CurrentWeek >= datatypes.FinalWeek {
			u.ProgramStatus = datatypes.ProgramCompleted
		} else {
			u.CurrentWeek++
		}
		return setJSON(txn, userKey(userID), u)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *BadgerRepository) RollbackToWeekOne(ctx context.Context, userID string) (*datatypes.User, error) {
	var u *datatypes.User
	err := r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, userKey(userID), &u); err != nil {
			return err
		}
		u.CurrentWeek = datatypes.FirstWeek
		u.ProgramStatus = datatypes.ProgramActive
		u.LastWeeklyCompletedAt = nil
		return setJSON(txn, userKey(userID), u)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// userSessions reads all of a user's sessions within txn.
func userSessions(txn *badger.Txn, userID string) ([]*datatypes.WeeklySession, error) {
	prefix := []byte("s/" + userID + "/")
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []*datatypes.WeeklySession
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var s datatypes.WeeklySession
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &s)
		}); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, nil
}

func openSessionIn(sessions []*datatypes.WeeklySession, week int) *datatypes.WeeklySession {
	for _, s := range sessions {
		if s.Week == week && s.Open() {
			return s
		}
	}
	return nil
}

func (r *BadgerRepository) GetOpenSession(ctx context.Context, userID string, week int) (*datatypes.WeeklySession, error) {
	var found *datatypes.WeeklySession
	err := r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		sessions, err := userSessions(txn, userID)
		if err != nil {
			return err
		}
		found = openSessionIn(sessions, week)
		if found == nil {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func createSessionTxn(txn *badger.Txn, userID string, week int, threadID string, at time.Time) (*datatypes.WeeklySession, error) {
	sessions, err := userSessions(txn, userID)
	if err != nil {
		return nil, err
	}
	if openSessionIn(sessions, week) != nil {
		return nil, ErrSessionConflict
	}
	s := &datatypes.WeeklySession{
		SessionID: uuid.NewString(),
		UserID:    userID,
		ThreadID:  threadID,
		Week:      week,
		Status:    datatypes.SessionActive,
		CreatedAt: at,
	}
	if err := setJSON(txn, sessionKey(userID, s.SessionID), s); err != nil {
		return nil, err
	}
	if err := txn.Set(sessionIndexKey(s.SessionID), []byte(userID)); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *BadgerRepository) CreateSession(ctx context.Context, userID string, week int, threadID string, at time.Time) (*datatypes.WeeklySession, error) {
	var s *datatypes.WeeklySession
	err := r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var err error
		s, err = createSessionTxn(txn, userID, week, threadID, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func abandonSessionTxn(txn *badger.Txn, userID string, week int) error {
	sessions, err := userSessions(txn, userID)
	if err != nil {
		return err
	}
	open := openSessionIn(sessions, week)
	if open == nil {
		return nil
	}
	open.Status = datatypes.SessionEnded
	open.Result = datatypes.ResultAbandoned
	return setJSON(txn, sessionKey(userID, open.SessionID), open)
}

func (r *BadgerRepository) RestartSession(ctx context.Context, userID string, week int, threadID string, at time.Time) (*datatypes.WeeklySession, error) {
	var s *datatypes.WeeklySession
	err := r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := abandonSessionTxn(txn, userID, week); err != nil {
			return err
		}
		var err error
		s, err = createSessionTxn(txn, userID, week, threadID, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *BadgerRepository) AbandonSession(ctx context.Context, userID string, week int) error {
	return r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return abandonSessionTxn(txn, userID, week)
	})
}

func (r *BadgerRepository) CompleteSession(ctx context.Context, userID string, week int, summary string, at time.Time) (*datatypes.WeeklySession, error) {
	var s *datatypes.WeeklySession
	err := r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		sessions, err := userSessions(txn, userID)
		if err != nil {
			return err
		}
		s = openSessionIn(sessions, week)
		if s == nil {
			return ErrNotFound
		}
		s.Status = datatypes.SessionEnded
		s.Result = datatypes.ResultCompleted
		s.Summary = summary
		t := at
		s.CompletedAt = &t
		if err := setJSON(txn, sessionKey(userID, s.SessionID), s); err != nil {
			return err
		}

		var u *datatypes.User
		if err := getJSON(txn, userKey(userID), &u); err != nil {
			return err
		}
		u.LastWeeklyCompletedAt = &t
		return setJSON(txn, userKey(userID), u)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *BadgerRepository) GetSession(ctx context.Context, sessionID string) (*datatypes.WeeklySession, error) {
	var s *datatypes.WeeklySession
	err := r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(sessionIndexKey(sessionID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		var userID string
		if err := item.Value(func(val []byte) error {
			userID = string(val)
			return nil
		}); err != nil {
			return err
		}
		return getJSON(txn, sessionKey(userID, sessionID), &s)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *BadgerRepository) ListSessions(ctx context.Context, userID string) ([]*datatypes.WeeklySession, error) {
	var out []*datatypes.WeeklySession
	err := r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		sessions, err := userSessions(txn, userID)
		if err != nil {
			return err
		}
		out = sessions
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *BadgerRepository) GetPastSummaries(ctx context.Context, userID string, beforeWeek int) ([]datatypes.SessionSummary, error) {
	var out []datatypes.SessionSummary
	err := r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		sessions, err := userSessions(txn, userID)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			if s.Week < beforeWeek && s.Result == datatypes.ResultCompleted && s.Summary != "" {
				out = append(out, datatypes.SessionSummary{
					SessionID:   s.SessionID,
					Week:        s.Week,
					Summary:     s.Summary,
					CompletedAt: s.CompletedAt,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Week < out[j].Week })
	return out, nil
}

func (r *BadgerRepository) SaveMessage(ctx context.Context, _ string, threadID string, msg datatypes.Message) error {
	return r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		seq, err := nextMessageSeq(txn, threadID)
		if err != nil {
			return err
		}
		return setJSON(txn, messageKey(threadID, seq), msg)
	})
}

// nextMessageSeq finds the last message key for the thread and returns
// its sequence plus one.
func nextMessageSeq(txn *badger.Txn, threadID string) (uint64, error) {
	prefix := []byte("m/" + threadID + "/")
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek(append(append([]byte{}, prefix...), 0xFF))
	if !it.ValidForPrefix(prefix) {
		return 0, nil
	}
	key := it.Item().Key()
	var seq uint64
	if _, err := fmt.Sscanf(string(key[len(prefix):]), "%d", &seq); err != nil {
		return 0, fmt.Errorf("bad message key %q: %w", key, err)
	}
	return seq + 1, nil
}

func (r *BadgerRepository) GetThreadMessages(ctx context.Context, threadID string, limit int) ([]datatypes.Message, error) {
	var out []datatypes.Message
	err := r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		prefix := []byte("m/" + threadID + "/")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg datatypes.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
