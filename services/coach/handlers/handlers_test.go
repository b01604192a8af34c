// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCoach/services/coach/checkpoint"
	"github.com/AleutianAI/AleutianCoach/services/coach/datatypes"
	"github.com/AleutianAI/AleutianCoach/services/coach/engine"
	"github.com/AleutianAI/AleutianCoach/services/coach/phases"
	"github.com/AleutianAI/AleutianCoach/services/coach/progress"
	"github.com/AleutianAI/AleutianCoach/services/coach/protocol"
	"github.com/AleutianAI/AleutianCoach/services/coach/repository"
	"github.com/AleutianAI/AleutianCoach/services/coach/session"
	"github.com/AleutianAI/AleutianCoach/services/llm"
)

type staticModel struct{}

func (staticModel) Generate(context.Context, string, llm.GenerationParams) (string, error) {
	return `{"technique_id":"urge_surfing"}`, nil
}

func (staticModel) Chat(context.Context, string, []llm.Message, llm.GenerationParams) (string, error) {
	return `{"response_text":"Tell me more.","criteria_evaluations":[]}`, nil
}

type staticProtocols struct{}

func (staticProtocols) WeekSpec(week int) (*protocol.WeekSpec, error) {
	return protocol.EmptyWeekSpec(week), nil
}

func (staticProtocols) Techniques() (map[string]protocol.Technique, error) {
	return map[string]protocol.Technique{}, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, repository.Repository) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := repository.NewMemoryRepository()
	clock := session.NewFakeClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	registry := phases.NewRegistry()
	registry.Register(phases.NewGreetingPhase())
	registry.Register(phases.NewCounselPhase())
	registry.Register(phases.NewExitPhase())

	eng, err := engine.New(engine.Config{
		Repo:        repo,
		Router:      session.NewRouter(repo, clock),
		Tracker:     progress.NewTracker(repo),
		Checkpoints: checkpoint.NewMemoryStore(),
		Protocols:   staticProtocols{},
		Registry:    registry,
		LLM:         staticModel{},
		Clock:       clock,
	})
	require.NoError(t, err)

	router := gin.New()
	router.GET("/health", HealthCheck)
	v1 := router.Group("/v1")
	v1.POST("/turn", HandleTurn(eng))
	v1.GET("/sessions", ListSessions(repo))
	v1.GET("/sessions/:sessionId/history", GetSessionHistory(repo))
	return router, repo
}

func doJSON(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleTurn(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/v1/turn",
		`{"user_id":"u1","thread_id":"t1","message":"hello"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.TurnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Reply, "welcome to week 1")
	assert.Equal(t, "t1", resp.ThreadID)
	assert.Equal(t, datatypes.SessionWeekly, resp.SessionType)
}

func TestHandleTurn_InvalidBody(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/v1/turn", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleTurn_MissingFields(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/v1/turn", `{"user_id":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListSessions(t *testing.T) {
	router, repo := newTestRouter(t)
	ctx := context.Background()

	_, err := repo.CreateSession(ctx, "u1", 1, "t1", time.Now())
	require.NoError(t, err)

	w := doJSON(router, http.MethodGet, "/v1/sessions?user_id=u1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Sessions []datatypes.WeeklySession `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, 1, body.Sessions[0].Week)
}

func TestListSessions_RequiresUserID(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(router, http.MethodGet, "/v1/sessions", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetSessionHistory(t *testing.T) {
	router, repo := newTestRouter(t)
	ctx := context.Background()

	sess, err := repo.CreateSession(ctx, "u1", 1, "t1", time.Now())
	require.NoError(t, err)
	require.NoError(t, repo.SaveMessage(ctx, "u1", "t1",
		datatypes.Message{Role: datatypes.RoleUser, Content: "hello", Timestamp: 1}))

	w := doJSON(router, http.MethodGet, "/v1/sessions/"+sess.SessionID+"/history", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Session  datatypes.WeeklySession `json:"session"`
		Messages []datatypes.Message     `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, sess.SessionID, body.Session.SessionID)
	require.Len(t, body.Messages, 1)
	assert.Equal(t, "hello", body.Messages[0].Content)
}

func TestGetSessionHistory_NotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(router, http.MethodGet, "/v1/sessions/no-such-session/history", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthCheck(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}
