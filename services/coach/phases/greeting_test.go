// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package phases

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCoach/services/coach/datatypes"
	"github.com/AleutianAI/AleutianCoach/services/coach/protocol"
)

func TestGreeting(t *testing.T) {
	user := datatypes.NewUser("u1")
	user.Nickname = "Alex"
	state := datatypes.NewConversationState("t1", datatypes.SessionWeekly, 3)

	res, err := NewGreetingPhase().Execute(context.Background(), &Dependencies{
		User: user,
		Spec: &protocol.WeekSpec{
			Week:        3,
			Title:       "Spotting the urge early",
			Agenda:      "we map your earliest warning signs",
			SessionGoal: "name your first physical urge signal",
		},
		State: state,
	})
	require.NoError(t, err)

	assert.Contains(t, res.Reply, "Hi Alex, welcome to week 3: Spotting the urge early.")
	assert.Contains(t, res.Reply, "we map your earliest warning signs")
	assert.Contains(t, res.Reply, "name your first physical urge signal")
	assert.Equal(t, datatypes.PhaseCounsel, res.Next)
	assert.False(t, res.EndSession)
}

func TestGreeting_NoNicknameNoTitle(t *testing.T) {
	state := datatypes.NewConversationState("t1", datatypes.SessionWeekly, 1)

	res, err := NewGreetingPhase().Execute(context.Background(), &Dependencies{
		User:  datatypes.NewUser("u1"),
		Spec:  protocol.EmptyWeekSpec(1),
		State: state,
	})
	require.NoError(t, err)
	assert.Contains(t, res.Reply, "Hi friend, welcome to week 1.")
}

func TestExit(t *testing.T) {
	user := datatypes.NewUser("u1")
	user.Nickname = "Alex"
	state := datatypes.NewConversationState("t1", datatypes.SessionWeekly, 3)
	state.Summary = "you traced the evening scroll habit to boredom"

	res, err := NewExitPhase().Execute(context.Background(), &Dependencies{
		User: user,
		Spec: &protocol.WeekSpec{
			Week: 3,
			Homework: protocol.Homework{
				Description: "log each urge before acting on it",
				Examples:    []string{"note the time and place", "rate the urge from 1 to 10"},
			},
		},
		State: state,
	})
	require.NoError(t, err)

	assert.Contains(t, res.Reply, "That wraps up week 3.")
	assert.Contains(t, res.Reply, "you traced the evening scroll habit to boredom")
	assert.Contains(t, res.Reply, "log each urge before acting on it")
	assert.Contains(t, res.Reply, "rate the urge from 1 to 10")
	assert.Contains(t, res.Reply, "Well done, Alex.")

	assert.True(t, state.Exit)
	assert.True(t, res.EndSession)
	assert.Equal(t, datatypes.PhaseGreeting, res.Next)
}

func TestExit_NoHomework(t *testing.T) {
	state := datatypes.NewConversationState("t1", datatypes.SessionWeekly, 1)

	res, err := NewExitPhase().Execute(context.Background(), &Dependencies{
		User:  datatypes.NewUser("u1"),
		Spec:  protocol.EmptyWeekSpec(1),
		State: state,
	})
	require.NoError(t, err)
	assert.Contains(t, res.Reply, "keep noticing what we talked about today")
	assert.True(t, state.Exit)
}
