// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCoach/services/coach/checkpoint"
	"github.com/AleutianAI/AleutianCoach/services/coach/datatypes"
	"github.com/AleutianAI/AleutianCoach/services/coach/phases"
	"github.com/AleutianAI/AleutianCoach/services/coach/progress"
	"github.com/AleutianAI/AleutianCoach/services/coach/protocol"
	"github.com/AleutianAI/AleutianCoach/services/coach/repository"
	"github.com/AleutianAI/AleutianCoach/services/coach/session"
	"github.com/AleutianAI/AleutianCoach/services/llm"
)

// scriptedModel routes Generate to the selector script and Chat to the
// counseling script.
type scriptedModel struct {
	chatReply string
	chatErr   error

	chatCalls int
}

func (m *scriptedModel) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	return `{"technique_id":"urge_surfing"}`, nil
}

func (m *scriptedModel) Chat(_ context.Context, _ string, _ []llm.Message, _ llm.GenerationParams) (string, error) {
	m.chatCalls++
	return m.chatReply, m.chatErr
}

// stubProtocols serves one synthetic protocol for every week.
type stubProtocols struct {
	criteria   []protocol.Criterion
	requireAll bool
}

func (s stubProtocols) WeekSpec(week int) (*protocol.WeekSpec, error) {
	return &protocol.WeekSpec{
		Week:              week,
		Title:             fmt.Sprintf("Week %d focus", week),
		Goals:             []string{"notice one urge before acting on it"},
		SessionGoal:       "notice one urge before acting on it",
		SuccessCriteria:   s.criteria,
		AllowedTechniques: []string{"urge_surfing"},
		Constraints: protocol.Constraints{
			MaxTurns:   12,
			ExitPolicy: protocol.ExitPolicy{RequireAllCriteria: s.requireAll},
		},
	}, nil
}

func (s stubProtocols) Techniques() (map[string]protocol.Technique, error) {
	return map[string]protocol.Technique{
		"urge_surfing": {ID: "urge_surfing", Name: "Urge surfing"},
	}, nil
}

const counselReply = `{"response_text":"Tell me more about that moment.","criteria_evaluations":[],"suggest_end_session":false}`

type testRig struct {
	engine *Engine
	repo   repository.Repository
	store  checkpoint.Store
	clock  *session.FakeClock
	model  *scriptedModel
}

func newRig(t *testing.T, protocols ProtocolSource) *testRig {
	t.Helper()

	repo := repository.NewMemoryRepository()
	clock := session.NewFakeClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	store := checkpoint.NewMemoryStore()
	model := &scriptedModel{chatReply: counselReply}

	registry := phases.NewRegistry()
	registry.Register(phases.NewGreetingPhase())
	registry.Register(phases.NewCounselPhase())
	registry.Register(phases.NewExitPhase())

	eng, err := New(Config{
		Repo:        repo,
		Router:      session.NewRouter(repo, clock),
		Tracker:     progress.NewTracker(repo),
		Checkpoints: store,
		Protocols:   protocols,
		Registry:    registry,
		LLM:         model,
		Clock:       clock,
	})
	require.NoError(t, err)

	return &testRig{engine: eng, repo: repo, store: store, clock: clock, model: model}
}

func (r *testRig) turn(t *testing.T, userID, threadID, message string) *datatypes.TurnResponse {
	t.Helper()
	resp, err := r.engine.Turn(context.Background(), &datatypes.TurnRequest{
		UserID:   userID,
		ThreadID: threadID,
		Message:  message,
	})
	require.NoError(t, err)
	return resp
}

func TestTurn_FirstContact(t *testing.T) {
	rig := newRig(t, stubProtocols{})
	ctx := context.Background()

	resp := rig.turn(t, "u1", "t1", "hello")

	assert.Contains(t, resp.Reply, "welcome to week 1: Week 1 focus")
	assert.Equal(t, datatypes.SessionWeekly, resp.SessionType)
	assert.Equal(t, 1, resp.Week)
	assert.Equal(t, "Week 1 focus", resp.WeekTitle)
	assert.Equal(t, []string{"notice one urge before acting on it"}, resp.WeekGoals)
	assert.Equal(t, datatypes.PhaseCounsel, resp.Phase)
	assert.Equal(t, 0, resp.TurnIndex)
	assert.False(t, resp.IsEnded)

	open, err := rig.repo.GetOpenSession(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, "t1", open.ThreadID)

	msgs, err := rig.repo.GetThreadMessages(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)

	cps, err := rig.store.List(ctx, "t1", "", 0)
	require.NoError(t, err)
	assert.Len(t, cps, 1)
}

func TestTurn_IdempotentReplay(t *testing.T) {
	rig := newRig(t, stubProtocols{})
	ctx := context.Background()

	rig.turn(t, "u1", "t1", "hello")
	first := rig.turn(t, "u1", "t1", "I keep snacking at night")
	callsBefore := rig.model.chatCalls

	replayed := rig.turn(t, "u1", "t1", "I keep snacking at night")

	assert.Equal(t, first.Reply, replayed.Reply)
	assert.Equal(t, first.TurnIndex, replayed.TurnIndex)
	assert.Equal(t, callsBefore, rig.model.chatCalls, "replay must not rerun inference")

	cps, err := rig.store.List(ctx, "t1", "", 0)
	require.NoError(t, err)
	assert.Len(t, cps, 2, "replay must not write a checkpoint")
}

func TestTurn_InferenceFailureCommitsFallback(t *testing.T) {
	rig := newRig(t, stubProtocols{})
	ctx := context.Background()

	rig.turn(t, "u1", "t1", "hello")

	rig.model.chatErr = fmt.Errorf("%w: connection refused", llm.ErrUnavailable)
	resp := rig.turn(t, "u1", "t1", "I keep snacking at night")

	assert.Equal(t, fallbackReply, resp.Reply)
	assert.Equal(t, 0, resp.TurnIndex, "failed turn must not consume a turn")
	assert.Equal(t, datatypes.PhaseCounsel, resp.Phase)

	msgs, err := rig.repo.GetThreadMessages(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4, "failed turn is still committed")
	assert.Equal(t, fallbackReply, msgs[3].Content)

	// recovery: the model is back and the session continues
	rig.model.chatErr = nil
	resp = rig.turn(t, "u1", "t1", "as I said, snacking at night")
	assert.Equal(t, "Tell me more about that moment.", resp.Reply)
	assert.Equal(t, 1, resp.TurnIndex)
}

func TestTurn_ResendAfterFallbackRetriesInference(t *testing.T) {
	rig := newRig(t, stubProtocols{})

	rig.turn(t, "u1", "t1", "hello")

	rig.model.chatErr = fmt.Errorf("%w: connection refused", llm.ErrUnavailable)
	resp := rig.turn(t, "u1", "t1", "I keep snacking at night")
	assert.Equal(t, fallbackReply, resp.Reply)
	callsAfterFailure := rig.model.chatCalls

	// the user does what the fallback asks and sends the same text
	// again once the backend is healthy
	rig.model.chatErr = nil
	resp = rig.turn(t, "u1", "t1", "I keep snacking at night")

	assert.Equal(t, "Tell me more about that moment.", resp.Reply)
	assert.Equal(t, 1, resp.TurnIndex)
	assert.Greater(t, rig.model.chatCalls, callsAfterFailure,
		"resending after a fallback must reach the model again")
}

func TestTurn_ForcedExitAtTwelveTurns(t *testing.T) {
	rig := newRig(t, stubProtocols{})
	ctx := context.Background()

	rig.turn(t, "u1", "t1", "hello")

	var resp *datatypes.TurnResponse
	for i := 0; i < 12; i++ {
		resp = rig.turn(t, "u1", "t1", fmt.Sprintf("update number %d", i))
		if i < 11 {
			require.False(t, resp.IsEnded, "turn %d must not end the session", i)
		}
	}

	assert.True(t, resp.IsEnded)
	assert.Contains(t, resp.Reply, "Tell me more about that moment.")
	assert.Contains(t, resp.Reply, "That wraps up week 1.")
	assert.Equal(t, datatypes.PhaseGreeting, resp.Phase)

	user, err := rig.repo.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, user.CurrentWeek)

	_, err = rig.repo.GetOpenSession(ctx, "u1", 1)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestTurn_CriteriaExitCompletesWeek(t *testing.T) {
	rig := newRig(t, stubProtocols{
		criteria:   []protocol.Criterion{{ID: "named_trigger", Required: true}},
		requireAll: true,
	})
	ctx := context.Background()

	rig.turn(t, "u1", "t1", "hello")

	rig.model.chatReply = `{"response_text":"That names it clearly.",` +
		`"criteria_evaluations":[{"criterion_id":"named_trigger","met":true}],` +
		`"suggest_end_session":false,"summary":"boredom drives the evening scroll"}`
	resp := rig.turn(t, "u1", "t1", "it's boredom, every evening")

	assert.True(t, resp.IsEnded)
	assert.Contains(t, resp.Reply, "That names it clearly.")
	assert.Contains(t, resp.Reply, "That wraps up week 1.")

	user, err := rig.repo.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, user.CurrentWeek)

	sessions, err := rig.repo.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, datatypes.SessionEnded, sessions[0].Status)
	assert.Equal(t, "boredom drives the evening scroll", sessions[0].Summary)
}

func TestTurn_ContinueWithinADay(t *testing.T) {
	rig := newRig(t, stubProtocols{})

	rig.turn(t, "u1", "t1", "hello")
	rig.turn(t, "u1", "t1", "first check-in")

	rig.clock.Advance(5 * time.Hour)
	resp := rig.turn(t, "u1", "t1", "back again")

	assert.Equal(t, 1, resp.Week)
	assert.Equal(t, 2, resp.TurnIndex, "session continues where it left off")
}

func TestTurn_StaleSessionRestarts(t *testing.T) {
	rig := newRig(t, stubProtocols{})
	ctx := context.Background()

	rig.turn(t, "u1", "t1", "hello")
	rig.turn(t, "u1", "t1", "first check-in")

	firstOpen, err := rig.repo.GetOpenSession(ctx, "u1", 1)
	require.NoError(t, err)

	rig.clock.Advance(30 * time.Hour)
	resp := rig.turn(t, "u1", "t1", "sorry, got busy")

	assert.Contains(t, resp.Reply, "welcome to week 1", "stale session starts over with a greeting")
	assert.Equal(t, 0, resp.TurnIndex)

	secondOpen, err := rig.repo.GetOpenSession(ctx, "u1", 1)
	require.NoError(t, err)
	assert.NotEqual(t, firstOpen.SessionID, secondOpen.SessionID)
}

func TestTurn_CooldownRoutesOpenEnded(t *testing.T) {
	rig := newRig(t, stubProtocols{
		criteria:   []protocol.Criterion{{ID: "named_trigger", Required: true}},
		requireAll: true,
	})
	ctx := context.Background()

	rig.turn(t, "u1", "t1", "hello")
	rig.model.chatReply = `{"response_text":"Well spotted.",` +
		`"criteria_evaluations":[{"criterion_id":"named_trigger","met":true}],"summary":"done"}`
	resp := rig.turn(t, "u1", "t1", "it's boredom")
	require.True(t, resp.IsEnded)

	rig.clock.Advance(48 * time.Hour)
	rig.model.chatReply = "Good to hear from you. How has the week felt so far?"
	resp = rig.turn(t, "u1", "t1", "just wanted to say hi")

	assert.Equal(t, datatypes.SessionGeneral, resp.SessionType)
	assert.Equal(t, "Good to hear from you. How has the week felt so far?", resp.Reply)
	assert.Equal(t, 2, resp.Week, "open-ended turns still report the current week")
	assert.False(t, resp.IsEnded)

	_, err := rig.repo.GetOpenSession(ctx, "u1", 2)
	assert.ErrorIs(t, err, repository.ErrNotFound, "cooldown must not open a weekly session")
}

func TestTurn_GeneralHintRefusedMidSession(t *testing.T) {
	rig := newRig(t, stubProtocols{})
	ctx := context.Background()

	rig.turn(t, "u1", "t1", "hello")
	msgsBefore, err := rig.repo.GetThreadMessages(ctx, "t1", 0)
	require.NoError(t, err)

	resp, err := rig.engine.Turn(ctx, &datatypes.TurnRequest{
		UserID:          "u1",
		ThreadID:        "t1",
		Message:         "can we just chat instead",
		SessionTypeHint: string(datatypes.SessionGeneral),
	})
	require.NoError(t, err)
	assert.Equal(t, weeklyFirstReply, resp.Reply)
	assert.Equal(t, datatypes.SessionWeekly, resp.SessionType)

	msgsAfter, err := rig.repo.GetThreadMessages(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Len(t, msgsAfter, len(msgsBefore), "a refused hint is not a turn")
}

func TestTurn_LongAbsenceRollsBackToWeekOne(t *testing.T) {
	rig := newRig(t, stubProtocols{
		criteria:   []protocol.Criterion{{ID: "named_trigger", Required: true}},
		requireAll: true,
	})
	ctx := context.Background()

	rig.turn(t, "u1", "t1", "hello")
	rig.model.chatReply = `{"response_text":"Done.",` +
		`"criteria_evaluations":[{"criterion_id":"named_trigger","met":true}]}`
	resp := rig.turn(t, "u1", "t1", "it's boredom")
	require.True(t, resp.IsEnded)

	user, err := rig.repo.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 2, user.CurrentWeek)

	rig.clock.Advance(22 * 24 * time.Hour)
	rig.model.chatReply = counselReply
	resp = rig.turn(t, "u1", "t1", "I'm back, it's been a while")

	assert.Contains(t, resp.Reply, "welcome to week 1")
	assert.Equal(t, 1, resp.Week)

	user, err = rig.repo.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, user.CurrentWeek)
	assert.Nil(t, user.LastWeeklyCompletedAt)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
