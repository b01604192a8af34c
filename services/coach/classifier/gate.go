// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package classifier gates counseling turns on topical relevance.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianCoach/services/coach/datatypes"
	"github.com/AleutianAI/AleutianCoach/services/coach/protocol"
	"github.com/AleutianAI/AleutianCoach/services/llm"
)

// TopicGate decides whether a user message belongs in the week's
// counseling conversation.
type TopicGate interface {
	IsOffTopic(ctx context.Context, spec *protocol.WeekSpec, state *datatypes.ConversationState, userText string) (bool, error)
}

// NopGate never flags anything. Used when the gate is disabled.
type NopGate struct{}

func (NopGate) IsOffTopic(context.Context, *protocol.WeekSpec, *datatypes.ConversationState, string) (bool, error) {
	return false, nil
}

// shortInputRunes is the length under which a message is waved through
// without a model call. Greetings and acknowledgements are this short.
const shortInputRunes = 12

var greetingWords = []string{
	"hi", "hello", "hey", "thanks", "thank you", "ok", "okay", "yes", "no", "sure",
}

// shouldBypass skips the model call for inputs that cannot usefully be
// classified: the session's very first turn and short greeting-like
// messages.
func shouldBypass(state *datatypes.ConversationState, userText string) bool {
	if state.TurnIndex == 0 {
		return true
	}
	trimmed := strings.TrimSpace(userText)
	if utf8.RuneCountInString(trimmed) <= shortInputRunes {
		return true
	}
	lower := strings.ToLower(trimmed)
	for _, w := range greetingWords {
		if lower == w {
			return true
		}
	}
	return false
}

// LLMGate classifies relevance with a single cheap model call.
//
// The model answers with a line starting ON_TOPIC or OFF_TOPIC. Any
// other output, and any backend failure, resolves to on-topic: a
// broken gate must never block counseling.
type LLMGate struct {
	client llm.LLMClient
}

// NewLLMGate creates an LLMGate.
func NewLLMGate(client llm.LLMClient) *LLMGate {
	return &LLMGate{client: client}
}

func (g *LLMGate) IsOffTopic(ctx context.Context, spec *protocol.WeekSpec, state *datatypes.ConversationState, userText string) (bool, error) {
	if shouldBypass(state, userText) {
		return false, nil
	}

	prompt := buildGatePrompt(spec, state, userText)
	temp := float32(0)
	maxTokens := 8
	raw, err := g.client.Generate(ctx, prompt, llm.GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		slog.Warn("Topic gate model call failed, treating as on-topic",
			"thread_id", state.ThreadID, "error", err)
		return false, nil
	}
	return parseVerdict(raw), nil
}

func parseVerdict(raw string) bool {
	verdict := strings.ToUpper(strings.TrimSpace(raw))
	return strings.HasPrefix(verdict, "OFF")
}

func buildGatePrompt(spec *protocol.WeekSpec, state *datatypes.ConversationState, userText string) string {
	var b strings.Builder
	b.WriteString("You are a relevance classifier for a coaching session.\n")
	fmt.Fprintf(&b, "Session goal: %s\n", spec.SessionGoal)
	if spec.Agenda != "" {
		fmt.Fprintf(&b, "Agenda: %s\n", spec.Agenda)
	}
	if recent := state.RecentUserMessages(3); len(recent) > 0 {
		b.WriteString("Recent user messages:\n")
		for _, m := range recent {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
	}
	fmt.Fprintf(&b, "New message: %s\n", userText)
	b.WriteString("Answer with exactly ON_TOPIC or OFF_TOPIC.")
	return b.String()
}
