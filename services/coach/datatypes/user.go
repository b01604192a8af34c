// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the coach service.
//
// This file contains the user/program record shared by the session router,
// the progress tracker, and the repository implementations.
package datatypes

import "time"

// =============================================================================
// Program Constants
// =============================================================================

const (
	// FirstWeek is the week every new user starts in.
	FirstWeek = 1

	// FinalWeek is the last week of the program. Completing the final
	// weekly session marks the program COMPLETED instead of advancing.
	FinalWeek = 10
)

// ProgramStatus is the lifecycle status of a user's coaching program.
type ProgramStatus string

const (
	ProgramActive    ProgramStatus = "ACTIVE"
	ProgramCompleted ProgramStatus = "COMPLETED"
)

// User is the per-user program record.
//
// # Description
//
// User tracks where a person is in the multi-week program. Optional
// timestamps are pointers: nil means "never happened", which the router
// treats differently from a zero time.
type User struct {
	UserID        string        `json:"user_id"`
	Nickname      string        `json:"nickname,omitempty"`
	CurrentWeek   int           `json:"current_week"`
	ProgramStatus ProgramStatus `json:"program_status"`

	// LastSeenAt is touched on every committed turn.
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`

	// LastWeeklyCompletedAt is the completion time of the most recent
	// weekly session. Nil until the user completes their first session.
	LastWeeklyCompletedAt *time.Time `json:"last_weekly_session_completed_at,omitempty"`
}

// NewUser returns a fresh week-1 ACTIVE user record.
func NewUser(userID string) *User {
	return &User{
		UserID:        userID,
		CurrentWeek:   FirstWeek,
		ProgramStatus: ProgramActive,
	}
}

// DisplayName returns the nickname, or a neutral placeholder when unset.
func (u *User) DisplayName() string {
	if u.Nickname != "" {
		return u.Nickname
	}
	return "friend"
}

// Completed reports whether the user has finished the whole program.
func (u *User) Completed() bool {
	return u.ProgramStatus == ProgramCompleted
}
