// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package progress folds per-turn inference signals into session state
// and drives session completion.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianCoach/services/coach/datatypes"
	"github.com/AleutianAI/AleutianCoach/services/coach/repository"
)

// Delta is the per-turn progress extracted from a counseling turn.
type Delta struct {
	TechniqueID         string
	MicroGoal           string
	CriteriaEvaluations []datatypes.CriterionEvaluation
	SuggestEnd          bool
	Summary             string
}

// MergeCriteria folds evaluations into the status map monotonically:
// a criterion that was ever met stays met, regardless of later
// verdicts.
func MergeCriteria(status map[string]bool, evals []datatypes.CriterionEvaluation) {
	for _, e := range evals {
		if e.CriterionID == "" {
			continue
		}
		if e.Met {
			status[e.CriterionID] = true
		} else if _, seen := status[e.CriterionID]; !seen {
			status[e.CriterionID] = false
		}
	}
}

// Apply folds a turn's delta into the conversation state: criteria
// merge, technique history append, end suggestion, rolling summary.
// The turn index is advanced separately via AdvanceTurn.
func Apply(state *datatypes.ConversationState, d Delta) {
	if state.CriteriaStatus == nil {
		state.CriteriaStatus = make(map[string]bool)
	}
	MergeCriteria(state.CriteriaStatus, d.CriteriaEvaluations)

	if d.TechniqueID != "" {
		state.TechniqueHistory = append(state.TechniqueHistory, datatypes.TechniqueUse{
			TechniqueID: d.TechniqueID,
			TurnIndex:   state.TurnIndex,
			MicroGoal:   d.MicroGoal,
		})
	}
	state.SuggestEnd = d.SuggestEnd
	if d.Summary != "" {
		state.Summary = d.Summary
	}
}

// AdvanceTurn increments the turn index by exactly one.
func AdvanceTurn(state *datatypes.ConversationState) {
	state.TurnIndex++
}

// Tracker persists per-turn progress and owns session completion.
//
// Thread Safety: safe for concurrent use; the engine serializes turns
// per thread, and completion idempotency rests on the repository's
// open-session guard.
type Tracker struct {
	repo repository.Repository
}

// NewTracker creates a Tracker.
func NewTracker(repo repository.Repository) *Tracker {
	return &Tracker{repo: repo}
}

// CommitTurn persists the turn's durable side effects: both messages
// and the last-seen touch.
func (t *Tracker) CommitTurn(ctx context.Context, userID, threadID string, userMsg, coachMsg datatypes.Message, at time.Time) error {
	if err := t.repo.SaveMessage(ctx, userID, threadID, userMsg); err != nil {
		return fmt.Errorf("saving user message: %w", err)
	}
	if err := t.repo.SaveMessage(ctx, userID, threadID, coachMsg); err != nil {
		return fmt.Errorf("saving coach message: %w", err)
	}
	if err := t.repo.TouchLastSeen(ctx, userID, at); err != nil {
		return fmt.Errorf("touching last seen: %w", err)
	}
	return nil
}

// CompleteSession finishes the week exactly once.
//
// # Description
//
// Persists the final summary, marks the session COMPLETED, and
// advances the user's week (or completes the program in the final
// week). A repeat call finds no open session and is a no-op, so a
// crash between commit and completion cannot double-advance.
//
// # Inputs
//
//   - ctx: Request context.
//   - userID: The user.
//   - week: The week being completed.
//   - summary: The final session summary. May be empty.
//   - at: Completion time from the engine's clock.
//
// # Outputs
//
//   - *datatypes.User: The user after the week advance; nil when the
//     completion was a duplicate.
//   - error: Repository failures.
func (t *Tracker) CompleteSession(ctx context.Context, userID string, week int, summary string, at time.Time) (*datatypes.User, error) {
	_, err := t.repo.CompleteSession(ctx, userID, week, summary, at)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			slog.Info("Session already completed, skipping",
				"user_id", userID, "week", week)
			return nil, nil
		}
		return nil, fmt.Errorf("completing week %d for %s: %w", week, userID, err)
	}

	user, err := t.repo.AdvanceWeek(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("advancing week for %s: %w", userID, err)
	}
	slog.Info("Weekly session completed",
		"user_id", userID,
		"week", week,
		"next_week", user.CurrentWeek,
		"program_status", string(user.ProgramStatus))
	return user, nil
}
