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

// SessionType distinguishes structured weekly sessions from open-ended
// conversation.
type SessionType string

const (
	SessionWeekly  SessionType = "WEEKLY"
	SessionGeneral SessionType = "GENERAL"
)

// Phase is a state of the weekly session state machine.
type Phase string

const (
	PhaseGreeting Phase = "GREETING"
	PhaseCounsel  Phase = "COUNSEL"
	PhaseExit     Phase = "EXIT"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser  Role = "user"
	RoleCoach Role = "assistant"
)

// Message is one conversation message.
type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix millis
}

// TechniqueUse is one entry in the append-only technique history.
type TechniqueUse struct {
	TechniqueID string `json:"technique_id"`
	TurnIndex   int    `json:"turn_index"`
	MicroGoal   string `json:"micro_goal,omitempty"`
}

// ConversationState is the per-thread state snapshot carried between
// turns via the checkpoint store.
//
// # Description
//
// ConversationState holds everything a phase needs to run one turn:
// the phase pointer, the counters and criteria the tracker maintains,
// the technique history, the message transcript, and the rolling
// summary. The engine mutates a working copy and commits it as a new
// checkpoint; the store never hands out shared references.
//
// Thread Safety: ConversationState is NOT safe for concurrent use. The
// engine serializes turns per thread.
type ConversationState struct {
	ThreadID    string      `json:"thread_id"`
	SessionType SessionType `json:"session_type"`
	SessionID   string      `json:"session_id,omitempty"`
	Week        int         `json:"week,omitempty"`

	Phase     Phase `json:"phase"`
	TurnIndex int   `json:"turn_index"`

	// CriteriaStatus merges monotonically: once a criterion flips to
	// true it never flips back within the session.
	CriteriaStatus map[string]bool `json:"criteria_status,omitempty"`

	TechniqueHistory []TechniqueUse `json:"technique_history,omitempty"`
	Messages         []Message      `json:"messages,omitempty"`
	Summary          string         `json:"summary,omitempty"`

	SuggestEnd bool `json:"suggest_end,omitempty"`
	Exit       bool `json:"exit,omitempty"`
}

// NewConversationState returns the initial state for a thread.
func NewConversationState(threadID string, sessionType SessionType, week int) *ConversationState {
	return &ConversationState{
		ThreadID:       threadID,
		SessionType:    sessionType,
		Week:           week,
		Phase:          PhaseGreeting,
		CriteriaStatus: make(map[string]bool),
	}
}

// ResetForSession clears session-scoped fields so the same thread can
// host the next weekly session. The transcript is kept.
func (s *ConversationState) ResetForSession(sessionID string, week int) {
	s.SessionType = SessionWeekly
	s.SessionID = sessionID
	s.Week = week
	s.Phase = PhaseGreeting
	s.TurnIndex = 0
	s.CriteriaStatus = make(map[string]bool)
	s.TechniqueHistory = nil
	s.Summary = ""
	s.SuggestEnd = false
	s.Exit = false
}

// AppendMessage appends one message to the transcript.
func (s *ConversationState) AppendMessage(role Role, content string, ts int64) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content, Timestamp: ts})
}

// LastMessage returns the most recent message, if any.
func (s *ConversationState) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// RecentUserMessages returns up to n of the most recent user messages,
// oldest first.
func (s *ConversationState) RecentUserMessages(n int) []Message {
	var out []Message
	for i := len(s.Messages) - 1; i >= 0 && len(out) < n; i-- {
		if s.Messages[i].Role == RoleUser {
			out = append(out, s.Messages[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// LastTechniques returns up to n of the most recent technique IDs,
// newest first.
func (s *ConversationState) LastTechniques(n int) []string {
	var out []string
	for i := len(s.TechniqueHistory) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.TechniqueHistory[i].TechniqueID)
	}
	return out
}

// Clone returns a deep copy. The checkpoint store clones on both put
// and get so callers never alias committed snapshots.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	cp := *s
	if s.CriteriaStatus != nil {
		cp.CriteriaStatus = make(map[string]bool, len(s.CriteriaStatus))
		for k, v := range s.CriteriaStatus {
			cp.CriteriaStatus[k] = v
		}
	}
	if s.TechniqueHistory != nil {
		cp.TechniqueHistory = make([]TechniqueUse, len(s.TechniqueHistory))
		copy(cp.TechniqueHistory, s.TechniqueHistory)
	}
	if s.Messages != nil {
		cp.Messages = make([]Message, len(s.Messages))
		copy(cp.Messages, s.Messages)
	}
	return &cp
}
