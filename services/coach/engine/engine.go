// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine orchestrates one coaching turn end to end: checkpoint
// load, session routing, phase execution, durable commit, checkpoint
// put.
//
// # Description
//
// The engine serializes turns per thread and owns the commit order:
// messages first, then session completion, then the checkpoint. A
// model failure never loses the user's message; the turn is committed
// with a fallback reply instead. Replaying the same message against
// the latest checkpoint returns the recorded reply without re-running
// inference.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianCoach/services/coach/checkpoint"
	"github.com/AleutianAI/AleutianCoach/services/coach/classifier"
	"github.com/AleutianAI/AleutianCoach/services/coach/datatypes"
	"github.com/AleutianAI/AleutianCoach/services/coach/observability"
	"github.com/AleutianAI/AleutianCoach/services/coach/phases"
	"github.com/AleutianAI/AleutianCoach/services/coach/progress"
	"github.com/AleutianAI/AleutianCoach/services/coach/protocol"
	"github.com/AleutianAI/AleutianCoach/services/coach/rag"
	"github.com/AleutianAI/AleutianCoach/services/coach/repository"
	"github.com/AleutianAI/AleutianCoach/services/coach/session"
	"github.com/AleutianAI/AleutianCoach/services/llm"
)

var engineTracer = otel.Tracer("coach.engine")

// DefaultInferenceTimeout bounds every model-facing stage of a turn.
const DefaultInferenceTimeout = 60 * time.Second

// fallbackReply is committed when inference fails mid-turn.
const fallbackReply = "I'm having trouble gathering my thoughts right now. " +
	"Give me a moment and tell me that again."

// weeklyFirstReply asks the user to finish the active session before
// switching to open-ended conversation.
const weeklyFirstReply = "Let's finish this week's session first, then we can talk about anything you like."

// ProtocolSource supplies week specs and the technique catalog.
// Satisfied by protocol.Loader.
type ProtocolSource interface {
	WeekSpec(week int) (*protocol.WeekSpec, error)
	Techniques() (map[string]protocol.Technique, error)
}

// Config carries the engine's dependencies.
type Config struct {
	Repo        repository.Repository
	Router      *session.Router
	Tracker     *progress.Tracker
	Checkpoints checkpoint.Store
	Protocols   ProtocolSource
	Registry    *phases.Registry
	LLM         llm.LLMClient
	Gate        classifier.TopicGate
	Searcher    rag.Searcher
	Clock       session.Clock

	// Metrics may be nil; recording is skipped.
	Metrics *observability.TurnMetrics

	// InferenceTimeout bounds model calls within a turn. Zero selects
	// DefaultInferenceTimeout.
	InferenceTimeout time.Duration
}

// Engine runs the turn pipeline.
//
// Thread Safety: safe for concurrent use. Turns on the same thread are
// serialized; turns on different threads run in parallel.
type Engine struct {
	repo        repository.Repository
	router      *session.Router
	tracker     *progress.Tracker
	checkpoints checkpoint.Store
	protocols   ProtocolSource
	registry    *phases.Registry
	llm         llm.LLMClient
	gate        classifier.TopicGate
	searcher    rag.Searcher
	clock       session.Clock
	machine     *phases.StateMachine
	metrics     *observability.TurnMetrics
	timeout     time.Duration

	locks sync.Map // threadID -> *sync.Mutex
}

// New creates an Engine.
//
// # Inputs
//
//   - cfg: Dependencies. Repo, Router, Tracker, Checkpoints, Protocols,
//     Registry, LLM, and Clock are required; Gate and Searcher default
//     to no-ops.
//
// # Outputs
//
//   - *Engine: The engine.
//   - error: Non-nil when a required dependency is missing.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Repo == nil:
		return nil, errors.New("engine: Repo is required")
	case cfg.Router == nil:
		return nil, errors.New("engine: Router is required")
	case cfg.Tracker == nil:
		return nil, errors.New("engine: Tracker is required")
	case cfg.Checkpoints == nil:
		return nil, errors.New("engine: Checkpoints is required")
	case cfg.Protocols == nil:
		return nil, errors.New("engine: Protocols is required")
	case cfg.Registry == nil:
		return nil, errors.New("engine: Registry is required")
	case cfg.LLM == nil:
		return nil, errors.New("engine: LLM is required")
	case cfg.Clock == nil:
		return nil, errors.New("engine: Clock is required")
	}
	if cfg.Gate == nil {
		cfg.Gate = classifier.NopGate{}
	}
	if cfg.Searcher == nil {
		cfg.Searcher = rag.NopSearcher{}
	}
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = DefaultInferenceTimeout
	}
	return &Engine{
		repo:        cfg.Repo,
		router:      cfg.Router,
		tracker:     cfg.Tracker,
		checkpoints: cfg.Checkpoints,
		protocols:   cfg.Protocols,
		registry:    cfg.Registry,
		llm:         cfg.LLM,
		gate:        cfg.Gate,
		searcher:    cfg.Searcher,
		clock:       cfg.Clock,
		machine:     phases.DefaultStateMachine,
		metrics:     cfg.Metrics,
		timeout:     cfg.InferenceTimeout,
	}, nil
}

// lockThread serializes turns per thread. Returns the unlock func.
func (e *Engine) lockThread(threadID string) func() {
	v, _ := e.locks.LoadOrStore(threadID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Turn processes one inbound user message.
//
// # Description
//
// The pipeline: load the latest checkpoint, replay the recorded reply
// if this exact message was already processed, route the session,
// execute the phase, commit messages and (on exit) the session
// completion, and put the new checkpoint. Repository failures abort
// the turn; inference failures do not.
//
// # Inputs
//
//   - ctx: Request context.
//   - req: The validated turn request.
//
// # Outputs
//
//   - *datatypes.TurnResponse: The reply and session snapshot.
//   - error: Repository or checkpoint failures.
func (e *Engine) Turn(ctx context.Context, req *datatypes.TurnRequest) (*datatypes.TurnResponse, error) {
	ctx, span := engineTracer.Start(ctx, "Engine.Turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("coach.user_id", req.UserID),
		attribute.String("coach.thread_id", req.ThreadID),
	)

	unlock := e.lockThread(req.ThreadID)
	defer unlock()

	start := e.clock.Now()

	state, parentID, err := e.loadState(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}

	if resp, ok := e.replay(state, req); ok {
		slog.Info("Replaying committed turn", "thread_id", req.ThreadID)
		span.SetAttributes(attribute.Bool("coach.replayed", true))
		return resp, nil
	}

	user, err := e.repo.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("turn for %s: %w", req.UserID, err)
	}

	if req.SessionTypeHint == string(datatypes.SessionGeneral) && !user.Completed() {
		open, err := e.repo.GetOpenSession(ctx, req.UserID, user.CurrentWeek)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("turn for %s: %w", req.UserID, err)
		}
		if open != nil {
			// the hint never interrupts an active weekly session
			return e.refuseGeneral(state, req), nil
		}
		return e.generalTurn(ctx, user, state, parentID, req, start)
	}

	decision, err := e.router.Route(ctx, req.UserID, req.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("turn for %s: %w", req.UserID, err)
	}

	// A checkpoint with Exit set against a still-open session means the
	// previous turn crashed between checkpoint and completion. Finish
	// the completion and re-route.
	if decision.Route == session.RouteContinueWeekly &&
		state != nil && state.Exit && state.SessionID == decision.Session.SessionID {
		slog.Warn("Recovering interrupted session completion",
			"user_id", req.UserID, "session_id", state.SessionID)
		if _, err := e.tracker.CompleteSession(ctx, req.UserID, decision.Session.Week, state.Summary, start); err != nil {
			return nil, err
		}
		decision, err = e.router.Route(ctx, req.UserID, req.ThreadID)
		if err != nil {
			return nil, fmt.Errorf("turn for %s: %w", req.UserID, err)
		}
	}

	if decision.Route == session.RouteOpenEnded {
		return e.generalTurn(ctx, decision.User, state, parentID, req, start)
	}

	return e.weeklyTurn(ctx, decision, state, parentID, req, start)
}

// loadState returns the latest checkpointed state for the thread, or
// nil when the thread is new.
func (e *Engine) loadState(ctx context.Context, threadID string) (*datatypes.ConversationState, string, error) {
	cp, err := e.checkpoints.Get(ctx, threadID, "")
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("loading checkpoint for %s: %w", threadID, err)
	}
	return cp.State, cp.CheckpointID, nil
}

// replay detects an exact resubmission of the last committed turn and
// returns the recorded reply.
func (e *Engine) replay(state *datatypes.ConversationState, req *datatypes.TurnRequest) (*datatypes.TurnResponse, bool) {
	if state == nil || len(state.Messages) < 2 {
		return nil, false
	}
	last := state.Messages[len(state.Messages)-1]
	prev := state.Messages[len(state.Messages)-2]
	if prev.Role != datatypes.RoleUser || prev.Content != req.Message || last.Role != datatypes.RoleCoach {
		return nil, false
	}
	// A committed fallback asks the user to repeat themselves; serving
	// it from the cache would pin the thread to the fallback even after
	// the backend recovers.
	if last.Content == fallbackReply {
		return nil, false
	}
	return e.response(state, last.Content, state.Exit), true
}

// refuseGeneral answers a GENERAL hint that arrived mid-session. The
// refusal is not a turn: nothing is committed.
func (e *Engine) refuseGeneral(state *datatypes.ConversationState, req *datatypes.TurnRequest) *datatypes.TurnResponse {
	resp := &datatypes.TurnResponse{
		Reply:       weeklyFirstReply,
		ThreadID:    req.ThreadID,
		SessionType: datatypes.SessionWeekly,
	}
	if state != nil {
		resp.Week = state.Week
		resp.Phase = state.Phase
		resp.TurnIndex = state.TurnIndex
	}
	return resp
}

// weeklyTurn executes one turn of a weekly session.
func (e *Engine) weeklyTurn(ctx context.Context, decision *session.Decision, state *datatypes.ConversationState, parentID string, req *datatypes.TurnRequest, start time.Time) (*datatypes.TurnResponse, error) {
	sess := decision.Session

	if state == nil {
		state = datatypes.NewConversationState(req.ThreadID, datatypes.SessionWeekly, sess.Week)
	}
	if decision.FreshSession || state.SessionID != sess.SessionID {
		state.ResetForSession(sess.SessionID, sess.Week)
	}
	state.SessionType = datatypes.SessionWeekly

	spec := e.weekSpec(sess.Week)
	catalog, err := e.protocols.Techniques()
	if err != nil {
		slog.Warn("Technique catalog unavailable", "error", err)
		catalog = map[string]protocol.Technique{}
	}

	state.AppendMessage(datatypes.RoleUser, req.Message, start.UnixMilli())

	executor, ok := e.registry.Get(state.Phase)
	if !ok {
		return nil, fmt.Errorf("no executor registered for phase %s", state.Phase)
	}

	deps := &phases.Dependencies{
		User:     decision.User,
		Spec:     spec,
		Catalog:  catalog,
		State:    state,
		UserText: req.Message,
		LLM:      e.llm,
		Gate:     e.gate,
		Searcher: e.searcher,
	}

	ictx, cancel := context.WithTimeout(ctx, e.timeout)
	res, execErr := executor.Execute(ictx, deps)
	cancel()

	status := "success"
	reply := ""
	endSession := false

	if execErr != nil {
		slog.Error("Phase execution failed, committing fallback",
			"thread_id", req.ThreadID,
			"phase", string(state.Phase),
			"error", execErr)
		e.metrics.RecordInferenceFailure(string(state.Phase))
		status = "fallback"
		reply = fallbackReply
	} else {
		reply = res.Reply
		if res.OffTopic {
			e.metrics.RecordOffTopicTurn()
		}
		if state.Phase == datatypes.PhaseCounsel {
			progress.AdvanceTurn(state)
		}
		if err := e.machine.Transition(state, res.Next); err != nil {
			return nil, fmt.Errorf("turn for %s: %w", req.UserID, err)
		}
		endSession = res.EndSession

		if state.Phase == datatypes.PhaseExit {
			if state.TurnIndex >= spec.MaxTurns() {
				e.metrics.RecordForcedExit()
			}
			exitReply, exitEnd, err := e.chainExit(ctx, deps)
			if err != nil {
				return nil, err
			}
			reply = reply + "\n\n" + exitReply
			endSession = exitEnd
		}
	}

	state.AppendMessage(datatypes.RoleCoach, reply, start.UnixMilli())

	userMsg := datatypes.Message{Role: datatypes.RoleUser, Content: req.Message, Timestamp: start.UnixMilli()}
	coachMsg := datatypes.Message{Role: datatypes.RoleCoach, Content: reply, Timestamp: start.UnixMilli()}
	if err := e.tracker.CommitTurn(ctx, req.UserID, req.ThreadID, userMsg, coachMsg, start); err != nil {
		return nil, fmt.Errorf("turn for %s: %w", req.UserID, err)
	}

	if endSession {
		if _, err := e.tracker.CompleteSession(ctx, req.UserID, sess.Week, state.Summary, start); err != nil {
			return nil, err
		}
		e.metrics.RecordSessionCompleted(strconv.Itoa(sess.Week))
	}

	if _, err := e.checkpoints.Put(ctx, req.ThreadID, state, parentID); err != nil {
		return nil, fmt.Errorf("turn for %s: %w", req.UserID, err)
	}

	e.metrics.RecordTurn(string(decision.Route), status)
	e.metrics.RecordTurnDuration(string(datatypes.SessionWeekly), e.clock.Now().Sub(start).Seconds())

	resp := e.response(state, reply, endSession)
	resp.WeekTitle = spec.Title
	resp.WeekGoals = spec.Goals
	return resp, nil
}

// chainExit runs the exit phase in the same turn the counseling phase
// decided to end. The exit phase is template driven and cannot fail on
// inference.
func (e *Engine) chainExit(ctx context.Context, deps *phases.Dependencies) (string, bool, error) {
	executor, ok := e.registry.Get(datatypes.PhaseExit)
	if !ok {
		return "", false, errors.New("no executor registered for phase EXIT")
	}
	res, err := executor.Execute(ctx, deps)
	if err != nil {
		return "", false, fmt.Errorf("exit phase for %s: %w", deps.State.ThreadID, err)
	}
	if err := e.machine.Transition(deps.State, res.Next); err != nil {
		return "", false, err
	}
	return res.Reply, res.EndSession, nil
}

// weekSpec loads the week's protocol, degrading to an empty spec when
// the protocol file is missing.
func (e *Engine) weekSpec(week int) *protocol.WeekSpec {
	spec, err := e.protocols.WeekSpec(week)
	if err != nil {
		slog.Warn("Week protocol unavailable, using defaults", "week", week, "error", err)
		return protocol.EmptyWeekSpec(week)
	}
	return spec
}

// response builds the turn response from committed state.
func (e *Engine) response(state *datatypes.ConversationState, reply string, ended bool) *datatypes.TurnResponse {
	resp := &datatypes.TurnResponse{
		Reply:       reply,
		ThreadID:    state.ThreadID,
		SessionType: state.SessionType,
		Week:        state.Week,
		IsEnded:     ended,
		TurnIndex:   state.TurnIndex,
	}
	if state.SessionType == datatypes.SessionWeekly {
		resp.Phase = state.Phase
	}
	return resp
}

// =============================================================================
// Open-Ended Conversation
// =============================================================================

// generalTranscriptWindow bounds the open-ended prompt context.
const generalTranscriptWindow = 16

// generalTurn runs one open-ended conversation turn. No phases, no
// criteria, one chat call grounded in the user's program history.
func (e *Engine) generalTurn(ctx context.Context, user *datatypes.User, state *datatypes.ConversationState, parentID string, req *datatypes.TurnRequest, start time.Time) (*datatypes.TurnResponse, error) {
	ctx, span := engineTracer.Start(ctx, "Engine.generalTurn")
	defer span.End()

	if state == nil {
		state = datatypes.NewConversationState(req.ThreadID, datatypes.SessionGeneral, user.CurrentWeek)
	}
	if state.SessionType != datatypes.SessionGeneral {
		// thread moves from a finished weekly session to open-ended chat
		state.ResetForSession("", user.CurrentWeek)
		state.SessionType = datatypes.SessionGeneral
	}

	summaries, err := e.repo.GetPastSummaries(ctx, req.UserID, user.CurrentWeek+1)
	if err != nil {
		slog.Warn("Past summaries unavailable", "user_id", req.UserID, "error", err)
		summaries = nil
	}

	state.AppendMessage(datatypes.RoleUser, req.Message, start.UnixMilli())

	ictx, cancel := context.WithTimeout(ctx, e.timeout)
	raw, chatErr := e.llm.Chat(ictx, buildGeneralSystem(user, summaries), generalTranscript(state), llm.GenerationParams{})
	cancel()

	status := "success"
	reply := strings.TrimSpace(raw)
	if chatErr != nil || reply == "" {
		if chatErr != nil {
			slog.Error("Open-ended chat failed, committing fallback",
				"thread_id", req.ThreadID, "error", chatErr)
			e.metrics.RecordInferenceFailure("general")
		}
		status = "fallback"
		reply = fallbackReply
	}

	state.AppendMessage(datatypes.RoleCoach, reply, start.UnixMilli())
	progress.AdvanceTurn(state)

	userMsg := datatypes.Message{Role: datatypes.RoleUser, Content: req.Message, Timestamp: start.UnixMilli()}
	coachMsg := datatypes.Message{Role: datatypes.RoleCoach, Content: reply, Timestamp: start.UnixMilli()}
	if err := e.tracker.CommitTurn(ctx, req.UserID, req.ThreadID, userMsg, coachMsg, start); err != nil {
		return nil, fmt.Errorf("turn for %s: %w", req.UserID, err)
	}

	if _, err := e.checkpoints.Put(ctx, req.ThreadID, state, parentID); err != nil {
		return nil, fmt.Errorf("turn for %s: %w", req.UserID, err)
	}

	e.metrics.RecordTurn(string(session.RouteOpenEnded), status)
	e.metrics.RecordTurnDuration(string(datatypes.SessionGeneral), e.clock.Now().Sub(start).Seconds())

	return e.response(state, reply, false), nil
}

func buildGeneralSystem(user *datatypes.User, summaries []datatypes.SessionSummary) string {
	var b strings.Builder
	b.WriteString("You are a warm, practical coach for an impulse-management program. ")
	b.WriteString("This is an open-ended conversation, not a structured session. ")
	b.WriteString("Be supportive and concrete, and keep replies short.\n")
	fmt.Fprintf(&b, "The user goes by %s.\n", user.DisplayName())
	if user.Completed() {
		b.WriteString("They have completed the full program.\n")
	} else {
		fmt.Fprintf(&b, "They are in week %d of the program.\n", user.CurrentWeek)
	}
	if len(summaries) > 0 {
		b.WriteString("What they have worked through so far:\n")
		for _, s := range summaries {
			fmt.Fprintf(&b, "- week %d: %s\n", s.Week, s.Summary)
		}
	}
	return b.String()
}

func generalTranscript(state *datatypes.ConversationState) []llm.Message {
	msgs := state.Messages
	if len(msgs) > generalTranscriptWindow {
		msgs = msgs[len(msgs)-generalTranscriptWindow:]
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}
