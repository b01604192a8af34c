// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// SessionStatus is the lifecycle status of a weekly session.
type SessionStatus string

const (
	SessionActive SessionStatus = "ACTIVE"
	SessionPaused SessionStatus = "PAUSED"
	SessionEnded  SessionStatus = "ENDED"
)

// SessionResult qualifies how an ENDED session ended.
type SessionResult string

const (
	ResultCompleted SessionResult = "COMPLETED"
	ResultAbandoned SessionResult = "ABANDONED"
)

// WeeklySession is one attempt at a week's coaching session.
//
// At most one session per (user, week) may be open (ACTIVE or PAUSED)
// at a time. Restarting a week abandons the open session and creates a
// new one.
type WeeklySession struct {
	SessionID   string        `json:"session_id"`
	UserID      string        `json:"user_id"`
	ThreadID    string        `json:"thread_id,omitempty"`
	Week        int           `json:"week"`
	Status      SessionStatus `json:"status"`
	Result      SessionResult `json:"result,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Summary     string        `json:"summary,omitempty"`
}

// Open reports whether the session can still receive turns.
func (s *WeeklySession) Open() bool {
	return s.Status == SessionActive || s.Status == SessionPaused
}

// SessionSummary is the compact view of a past session used as context
// for open-ended conversations and in the session drawer listing.
type SessionSummary struct {
	SessionID   string     `json:"session_id"`
	Week        int        `json:"week"`
	Summary     string     `json:"summary"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
