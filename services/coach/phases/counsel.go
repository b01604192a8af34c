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
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianCoach/services/coach/datatypes"
	"github.com/AleutianAI/AleutianCoach/services/coach/progress"
	"github.com/AleutianAI/AleutianCoach/services/coach/rag"
	"github.com/AleutianAI/AleutianCoach/services/llm"
)

var counselTracer = otel.Tracer("coach.phases.counsel")

// transcriptWindow is how many trailing messages feed the model.
const transcriptWindow = 12

// snippetsPerQuery caps retrieval results folded into the prompt.
const snippetsPerQuery = 2

// CounselPhase runs one counseling turn: topic gate, technique
// selection, retrieval, and the structured counseling call.
type CounselPhase struct{}

// NewCounselPhase creates a CounselPhase.
func NewCounselPhase() *CounselPhase {
	return &CounselPhase{}
}

func (p *CounselPhase) Name() datatypes.Phase {
	return datatypes.PhaseCounsel
}

// Execute runs the counseling turn.
//
// # Description
//
// Off-topic input gets a redirect without running the technique loop.
// Otherwise the phase selects a technique (honoring the persistence
// window and the overuse filter), retrieves supporting snippets, runs
// the structured counseling call, folds the resulting delta into the
// state, and evaluates the exit policy. Malformed model output is
// recovered locally with a generic continuation; transport failures
// propagate so the engine can commit its fallback.
func (p *CounselPhase) Execute(ctx context.Context, deps *Dependencies) (*Result, error) {
	ctx, span := counselTracer.Start(ctx, "CounselPhase.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("coach.thread_id", deps.State.ThreadID),
		attribute.Int("coach.week", deps.Spec.Week),
		attribute.Int("coach.turn_index", deps.State.TurnIndex),
	)

	offTopic, err := deps.Gate.IsOffTopic(ctx, deps.Spec, deps.State, deps.UserText)
	if err != nil {
		// the gate fails open internally; an error here is a bug, log and continue
		slog.Warn("Topic gate returned error", "thread_id", deps.State.ThreadID, "error", err)
	}
	if offTopic {
		span.SetAttributes(attribute.Bool("coach.off_topic", true))
		return &Result{
			Reply:    redirectReply(deps),
			Next:     datatypes.PhaseCounsel,
			OffTopic: true,
		}, nil
	}

	techniqueID := persistingTechnique(deps.State)
	if techniqueID == "" {
		techniqueID = p.selectTechnique(ctx, deps)
	}
	span.SetAttributes(attribute.String("coach.technique", techniqueID))

	snippets := rag.Collect(ctx, deps.Searcher, rag.BuildQueries(deps.Spec, deps.State), snippetsPerQuery)

	raw, err := deps.LLM.Chat(ctx,
		buildCounselSystem(deps, techniqueID, snippets),
		transcript(deps.State),
		llm.GenerationParams{})
	if err != nil {
		return nil, fmt.Errorf("counsel turn for %s: %w", deps.State.ThreadID, err)
	}

	turn, err := datatypes.ParseCoachTurn(raw)
	if err != nil {
		if !errors.Is(err, datatypes.ErrMalformedModelOutput) {
			return nil, err
		}
		slog.Warn("Malformed counseling output, substituting continuation",
			"thread_id", deps.State.ThreadID, "error", err)
		turn = &datatypes.CoachTurn{
			ResponseText: "I hear you. Tell me a bit more about that.",
		}
	}

	delta := progress.Delta{
		TechniqueID:         techniqueID,
		CriteriaEvaluations: turn.CriteriaEvaluations,
		SuggestEnd:          turn.SuggestEndSession,
		Summary:             turn.Summary,
	}
	progress.Apply(deps.State, delta)

	next := datatypes.PhaseCounsel
	turnsTaken := deps.State.TurnIndex + 1
	if ShouldEnd(deps.Spec, deps.State.CriteriaStatus, turnsTaken, turn.SuggestEndSession) {
		next = datatypes.PhaseExit
	}

	return &Result{
		Reply: turn.ResponseText,
		Next:  next,
		Delta: &delta,
	}, nil
}

// selectTechnique picks the technique for this turn. Model selection
// applies only when there is a real choice; any failure falls back to
// the first candidate.
func (p *CounselPhase) selectTechnique(ctx context.Context, deps *Dependencies) string {
	candidates := CandidateTechniques(deps.Spec, deps.Catalog, deps.State)
	if len(candidates) == 0 {
		return ""
	}
	if len(candidates) == 1 {
		return candidates[0]
	}

	temp := float32(0)
	raw, err := deps.LLM.Generate(ctx, buildSelectorPrompt(deps, candidates), llm.GenerationParams{
		Temperature: &temp,
	})
	if err != nil {
		slog.Warn("Technique selection call failed, using first candidate",
			"thread_id", deps.State.ThreadID, "error", err)
		return candidates[0]
	}

	sel, err := datatypes.ParseTechniqueSelection(raw)
	if err != nil {
		slog.Warn("Malformed technique selection, using first candidate",
			"thread_id", deps.State.ThreadID, "error", err)
		return candidates[0]
	}
	for _, id := range candidates {
		if id == sel.TechniqueID {
			return id
		}
	}
	slog.Warn("Selected technique not in candidate pool, using first candidate",
		"thread_id", deps.State.ThreadID, "selected", sel.TechniqueID)
	return candidates[0]
}

func redirectReply(deps *Dependencies) string {
	var b strings.Builder
	b.WriteString("I'd love to talk about that another time.")
	if deps.Spec.SessionGoal != "" {
		fmt.Fprintf(&b, " For today, let's stay with our goal: %s.", deps.Spec.SessionGoal)
	} else {
		b.WriteString(" For today, let's stay with this week's session.")
	}
	b.WriteString(" Where were we?")
	return b.String()
}

func buildSelectorPrompt(deps *Dependencies, candidates []string) string {
	var b strings.Builder
	b.WriteString("Pick the single best technique for the next counseling turn.\n")
	fmt.Fprintf(&b, "Session goal: %s\n", deps.Spec.SessionGoal)
	if recent := deps.State.RecentUserMessages(2); len(recent) > 0 {
		b.WriteString("Recent user messages:\n")
		for _, m := range recent {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
	}
	b.WriteString("Candidates:\n")
	for _, id := range candidates {
		t := deps.Catalog[id]
		fmt.Fprintf(&b, "- %s: %s\n", id, t.Description)
	}
	b.WriteString(`Answer as JSON: {"technique_id": "...", "micro_goal": "...", "reason": "..."}`)
	return b.String()
}

func buildCounselSystem(deps *Dependencies, techniqueID string, snippets []rag.Snippet) string {
	var b strings.Builder
	b.WriteString("You are a warm, practical coach for an impulse-management program.\n")
	fmt.Fprintf(&b, "Week %d", deps.Spec.Week)
	if deps.Spec.Title != "" {
		fmt.Fprintf(&b, ": %s", deps.Spec.Title)
	}
	b.WriteString("\n")
	if deps.Spec.SessionGoal != "" {
		fmt.Fprintf(&b, "Session goal: %s\n", deps.Spec.SessionGoal)
	}
	if techniqueID != "" {
		t := deps.Catalog[techniqueID]
		fmt.Fprintf(&b, "Use this technique: %s (%s)\n", t.Name, t.Description)
	}
	if len(deps.Spec.SuccessCriteria) > 0 {
		b.WriteString("Evaluate these criteria against the conversation so far:\n")
		for _, c := range deps.Spec.SuccessCriteria {
			fmt.Fprintf(&b, "- %s: %s\n", c.ID, c.Description)
		}
	}
	if len(snippets) > 0 {
		b.WriteString("Background material:\n")
		for _, sn := range snippets {
			fmt.Fprintf(&b, "- %s\n", sn.Text)
		}
	}
	b.WriteString("Respond as a single JSON object: " +
		`{"response_text": "...", "criteria_evaluations": [{"criterion_id": "...", "met": true}], ` +
		`"suggest_end_session": false, "summary": "one-paragraph rolling session summary"}`)
	return b.String()
}

// transcript maps the trailing window of the conversation into model
// messages.
func transcript(state *datatypes.ConversationState) []llm.Message {
	msgs := state.Messages
	if len(msgs) > transcriptWindow {
		msgs = msgs[len(msgs)-transcriptWindow:]
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}
