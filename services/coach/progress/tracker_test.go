// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCoach/services/coach/datatypes"
	"github.com/AleutianAI/AleutianCoach/services/coach/repository"
)

func TestMergeCriteria_Monotonic(t *testing.T) {
	status := make(map[string]bool)

	MergeCriteria(status, []datatypes.CriterionEvaluation{
		{CriterionID: "a", Met: true},
		{CriterionID: "b", Met: false},
	})
	assert.True(t, status["a"])
	assert.False(t, status["b"])

	// a regressing verdict must not flip a met criterion back
	MergeCriteria(status, []datatypes.CriterionEvaluation{
		{CriterionID: "a", Met: false},
		{CriterionID: "b", Met: true},
	})
	assert.True(t, status["a"])
	assert.True(t, status["b"])

	MergeCriteria(status, []datatypes.CriterionEvaluation{
		{CriterionID: "b", Met: false},
		{CriterionID: "", Met: true},
	})
	assert.True(t, status["b"])
	assert.NotContains(t, status, "")
}

func TestApply(t *testing.T) {
	state := datatypes.NewConversationState("t1", datatypes.SessionWeekly, 1)
	state.TurnIndex = 4

	Apply(state, Delta{
		TechniqueID:         "urge_surfing",
		MicroGoal:           "ride one urge",
		CriteriaEvaluations: []datatypes.CriterionEvaluation{{CriterionID: "named_trigger", Met: true}},
		SuggestEnd:          true,
		Summary:             "user surfaced a trigger",
	})

	assert.True(t, state.CriteriaStatus["named_trigger"])
	require.Len(t, state.TechniqueHistory, 1)
	assert.Equal(t, "urge_surfing", state.TechniqueHistory[0].TechniqueID)
	assert.Equal(t, 4, state.TechniqueHistory[0].TurnIndex)
	assert.True(t, state.SuggestEnd)
	assert.Equal(t, "user surfaced a trigger", state.Summary)

	// an empty summary keeps the previous one
	Apply(state, Delta{SuggestEnd: false})
	assert.Equal(t, "user surfaced a trigger", state.Summary)
	assert.False(t, state.SuggestEnd)
	assert.Len(t, state.TechniqueHistory, 1)
}

func TestAdvanceTurn_StrictlyIncreasing(t *testing.T) {
	state := datatypes.NewConversationState("t1", datatypes.SessionWeekly, 1)
	for i := 1; i <= 12; i++ {
		AdvanceTurn(state)
		assert.Equal(t, i, state.TurnIndex)
	}
}

func TestCompleteSession_ExactlyOnce(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	tracker := NewTracker(repo)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := repo.GetUser(ctx, "u1")
	require.NoError(t, err)
	_, err = repo.CreateSession(ctx, "u1", 1, "t1", now)
	require.NoError(t, err)

	user, err := tracker.CompleteSession(ctx, "u1", 1, "week one done", now)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, 2, user.CurrentWeek)

	// duplicate completion is a no-op, the week does not double-advance
	user, err = tracker.CompleteSession(ctx, "u1", 1, "week one done", now)
	require.NoError(t, err)
	assert.Nil(t, user)

	fresh, err := repo.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.CurrentWeek)
}

func TestCompleteSession_FinalWeekCompletesProgram(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	tracker := NewTracker(repo)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := repo.GetUser(ctx, "u1")
	require.NoError(t, err)
	week := datatypes.FinalWeek
	_, err = repo.UpdateUser(ctx, "u1", repository.UserPatch{CurrentWeek: &week})
	require.NoError(t, err)
	_, err = repo.CreateSession(ctx, "u1", datatypes.FinalWeek, "t1", now)
	require.NoError(t, err)

	user, err := tracker.CompleteSession(ctx, "u1", datatypes.FinalWeek, "the last week", now)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, datatypes.FinalWeek, user.CurrentWeek)
	assert.Equal(t, datatypes.ProgramCompleted, user.ProgramStatus)
}

func TestCommitTurn(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	tracker := NewTracker(repo)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := repo.GetUser(ctx, "u1")
	require.NoError(t, err)

	userMsg := datatypes.Message{Role: datatypes.RoleUser, Content: "hi", Timestamp: now.UnixMilli()}
	coachMsg := datatypes.Message{Role: datatypes.RoleCoach, Content: "welcome", Timestamp: now.UnixMilli()}
	require.NoError(t, tracker.CommitTurn(ctx, "u1", "t1", userMsg, coachMsg, now))

	msgs, err := repo.GetThreadMessages(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, datatypes.RoleUser, msgs[0].Role)
	assert.Equal(t, datatypes.RoleCoach, msgs[1].Role)

	u, err := repo.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, u.LastSeenAt)
	assert.Equal(t, now.UnixMilli(), u.LastSeenAt.UnixMilli())
}
