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
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianCoach/services/coach/datatypes"
)

// MemoryRepository is an in-memory Repository for tests and
// single-process runs.
//
// Thread Safety: safe for concurrent use.
type MemoryRepository struct {
	mu       sync.RWMutex
	users    map[string]*datatypes.User
	sessions map[string][]*datatypes.WeeklySession // by user, append order
	byID     map[string]*datatypes.WeeklySession
	messages map[string][]datatypes.Message // by thread
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:    make(map[string]*datatypes.User),
		sessions: make(map[string][]*datatypes.WeeklySession),
		byID:     make(map[string]*datatypes.WeeklySession),
		messages: make(map[string][]datatypes.Message),
	}
}

func copyUser(u *datatypes.User) *datatypes.User {
	cp := *u
	return &cp
}

func copySession(s *datatypes.WeeklySession) *datatypes.WeeklySession {
	cp := *s
	return &cp
}

func (r *MemoryRepository) GetUser(_ context.Context, userID string) (*datatypes.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		u = datatypes.NewUser(userID)
		r.users[userID] = u
	}
	return copyUser(u), nil
}

func (r *MemoryRepository) UpdateUser(_ context.Context, userID string, patch UserPatch) (*datatypes.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	applyPatch(u, patch)
	return copyUser(u), nil
}

func applyPatch(u *datatypes.User, patch UserPatch) {
	if patch.Nickname != nil {
		u.Nickname = *patch.Nickname
	}
	if patch.CurrentWeek != nil {
		u.CurrentWeek = *patch.CurrentWeek
	}
	if patch.ProgramStatus != nil {
		u.ProgramStatus = *patch.ProgramStatus
	}
	if patch.LastSeenAt != nil {
		t := *patch.LastSeenAt
		u.LastSeenAt = &t
	}
	if patch.LastWeeklyCompletedAt != nil {
		t := *patch.LastWeeklyCompletedAt
		u.LastWeeklyCompletedAt = &t
	}
}

func (r *MemoryRepository) TouchLastSeen(ctx context.Context, userID string, at time.Time) error {
	_, err := r.UpdateUser(ctx, userID, UserPatch{LastSeenAt: &at})
	return err
}

func (r *MemoryRepository) AdvanceWeek(_ context.Context, userID string) (*datatypes.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if u.CurrentWeek >= datatypes.FinalWeek {
		u.ProgramStatus = datatypes.ProgramCompleted
	} else {
		u.CurrentWeek++
	}
	return copyUser(u), nil
}

func (r *MemoryRepository) RollbackToWeekOne(_ context.Context, userID string) (*datatypes.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	u.CurrentWeek = datatypes.FirstWeek
	u.ProgramStatus = datatypes.ProgramActive
	u.LastWeeklyCompletedAt = nil
	return copyUser(u), nil
}

func (r *MemoryRepository) openSessionLocked(userID string, week int) *datatypes.WeeklySession {
	for _, s := range r.sessions[userID] {
		if s.Week == week && s.Open() {
			return s
		}
	}
	return nil
}

func (r *MemoryRepository) GetOpenSession(_ context.Context, userID string, week int) (*datatypes.WeeklySession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s := r.openSessionLocked(userID, week); s != nil {
		return copySession(s), nil
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) createSessionLocked(userID string, week int, threadID string, at time.Time) (*datatypes.WeeklySession, error) {
	if r.openSessionLocked(userID, week) != nil {
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
	r.sessions[userID] = append(r.sessions[userID], s)
	r.byID[s.SessionID] = s
	return copySession(s), nil
}

func (r *MemoryRepository) CreateSession(_ context.Context, userID string, week int, threadID string, at time.Time) (*datatypes.WeeklySession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createSessionLocked(userID, week, threadID, at)
}

func (r *MemoryRepository) RestartSession(_ context.Context, userID string, week int, threadID string, at time.Time) (*datatypes.WeeklySession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.openSessionLocked(userID, week); s != nil {
		s.Status = datatypes.SessionEnded
		s.Result = datatypes.ResultAbandoned
	}
	return r.createSessionLocked(userID, week, threadID, at)
}

func (r *MemoryRepository) AbandonSession(_ context.Context, userID string, week int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.openSessionLocked(userID, week); s != nil {
		s.Status = datatypes.SessionEnded
		s.Result = datatypes.ResultAbandoned
	}
	return nil
}

func (r *MemoryRepository) CompleteSession(_ context.Context, userID string, week int, summary string, at time.Time) (*datatypes.WeeklySession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.openSessionLocked(userID, week)
	if s == nil {
		return nil, ErrNotFound
	}
	s.Status = datatypes.SessionEnded
	s.Result = datatypes.ResultCompleted
	s.Summary = summary
	t := at
	s.CompletedAt = &t

	if u, ok := r.users[userID]; ok {
		u.LastWeeklyCompletedAt = &t
	}
	return copySession(s), nil
}

func (r *MemoryRepository) GetSession(_ context.Context, sessionID string) (*datatypes.WeeklySession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byID[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

func (r *MemoryRepository) ListSessions(_ context.Context, userID string) ([]*datatypes.WeeklySession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.sessions[userID]
	out := make([]*datatypes.WeeklySession, 0, len(sessions))
	for i := len(sessions) - 1; i >= 0; i-- {
		out = append(out, copySession(sessions[i]))
	}
	return out, nil
}

func (r *MemoryRepository) GetPastSummaries(_ context.Context, userID string, beforeWeek int) ([]datatypes.SessionSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []datatypes.SessionSummary
	for _, s := range r.sessions[userID] {
		if s.Week < beforeWeek && s.Result == datatypes.ResultCompleted && s.Summary != "" {
			out = append(out, datatypes.SessionSummary{
				SessionID:   s.SessionID,
				Week:        s.Week,
				Summary:     s.Summary,
				CompletedAt: s.CompletedAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Week < out[j].Week })
	return out, nil
}

func (r *MemoryRepository) SaveMessage(_ context.Context, _ string, threadID string, msg datatypes.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages[threadID] = append(r.messages[threadID], msg)
	return nil
}

func (r *MemoryRepository) GetThreadMessages(_ context.Context, threadID string, limit int) ([]datatypes.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msgs := r.messages[threadID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]datatypes.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}
