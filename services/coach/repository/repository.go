// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package repository persists users, weekly sessions, messages, and
// session summaries.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/AleutianCoach/services/coach/datatypes"
)

var (
	// ErrNotFound marks a missing user, session, or thread.
	ErrNotFound = errors.New("repository: not found")

	// ErrSessionConflict marks a violated uniqueness constraint: an
	// open session already exists for the (user, week).
	ErrSessionConflict = errors.New("repository: open session already exists")

	// ErrUnavailable marks a backend outage. Turns fail hard on it;
	// there is no meaningful fallback without durable state.
	ErrUnavailable = errors.New("repository: unavailable")
)

// UserPatch is a partial user update. Nil fields are left untouched;
// optionality is explicit rather than inferred from zero values.
type UserPatch struct {
	Nickname              *string
	CurrentWeek           *int
	ProgramStatus         *datatypes.ProgramStatus
	LastSeenAt            *time.Time
	LastWeeklyCompletedAt *time.Time
}

// Repository is the persistence boundary of the coach engine.
//
// # Description
//
// All session-mutating operations are transactional per user: the
// router's read-decide-mutate sequence relies on CreateSession
// enforcing the one-open-session-per-(user,week) constraint and
// reporting violations as ErrSessionConflict.
//
// Thread Safety: implementations are safe for concurrent use.
type Repository interface {
	// GetUser returns the user record, creating a fresh week-1 ACTIVE
	// record on first contact.
	GetUser(ctx context.Context, userID string) (*datatypes.User, error)

	// UpdateUser applies a partial update and returns the new record.
	UpdateUser(ctx context.Context, userID string, patch UserPatch) (*datatypes.User, error)

	// TouchLastSeen updates the user's last-seen timestamp.
	TouchLastSeen(ctx context.Context, userID string, at time.Time) error

	// AdvanceWeek moves the user to the next week, or marks the
	// program COMPLETED when the final week's session completes.
	AdvanceWeek(ctx context.Context, userID string) (*datatypes.User, error)

	// RollbackToWeekOne resets the user to week 1 and clears the
	// last weekly completion marker.
	RollbackToWeekOne(ctx context.Context, userID string) (*datatypes.User, error)

	// GetOpenSession returns the open (ACTIVE or PAUSED) session for
	// the (user, week), or ErrNotFound.
	GetOpenSession(ctx context.Context, userID string, week int) (*datatypes.WeeklySession, error)

	// CreateSession opens a new session. Returns ErrSessionConflict
	// when an open session already exists for the (user, week).
	CreateSession(ctx context.Context, userID string, week int, threadID string, at time.Time) (*datatypes.WeeklySession, error)

	// RestartSession abandons the open session (if any) and creates a
	// replacement in one transaction.
	RestartSession(ctx context.Context, userID string, week int, threadID string, at time.Time) (*datatypes.WeeklySession, error)

	// AbandonSession marks the open session ENDED/ABANDONED. A
	// missing open session is not an error.
	AbandonSession(ctx context.Context, userID string, week int) error

	// CompleteSession marks the open session ENDED/COMPLETED with the
	// final summary and stamps the user's LastWeeklyCompletedAt.
	// Returns ErrNotFound when no session is open, which callers use
	// as the exactly-once completion guard.
	CompleteSession(ctx context.Context, userID string, week int, summary string, at time.Time) (*datatypes.WeeklySession, error)

	// GetSession returns one session by ID.
	GetSession(ctx context.Context, sessionID string) (*datatypes.WeeklySession, error)

	// ListSessions returns all of a user's sessions, newest first.
	ListSessions(ctx context.Context, userID string) ([]*datatypes.WeeklySession, error)

	// GetPastSummaries returns summaries of completed sessions for
	// weeks strictly before beforeWeek, oldest week first.
	GetPastSummaries(ctx context.Context, userID string, beforeWeek int) ([]datatypes.SessionSummary, error)

	// SaveMessage appends one message to a thread's durable log.
	SaveMessage(ctx context.Context, userID, threadID string, msg datatypes.Message) error

	// GetThreadMessages returns a thread's messages in order. limit
	// <= 0 means all.
	GetThreadMessages(ctx context.Context, threadID string, limit int) ([]datatypes.Message, error)
}
