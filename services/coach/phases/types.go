// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package phases implements the weekly session state machine:
// GREETING opens the session, COUNSEL loops through counseling turns,
// EXIT wraps up and completes the week.
package phases

import (
	"context"
	"sync"

	"github.com/AleutianAI/AleutianCoach/services/coach/classifier"
	"github.com/AleutianAI/AleutianCoach/services/coach/datatypes"
	"github.com/AleutianAI/AleutianCoach/services/coach/progress"
	"github.com/AleutianAI/AleutianCoach/services/coach/protocol"
	"github.com/AleutianAI/AleutianCoach/services/coach/rag"
	"github.com/AleutianAI/AleutianCoach/services/llm"
)

// Dependencies carries everything a phase needs to run one turn.
//
// Phases mutate State in place; the engine owns committing the result.
type Dependencies struct {
	User     *datatypes.User
	Spec     *protocol.WeekSpec
	Catalog  map[string]protocol.Technique
	State    *datatypes.ConversationState
	UserText string

	LLM      llm.LLMClient
	Gate     classifier.TopicGate
	Searcher rag.Searcher
}

// Result is the outcome of one phase execution.
type Result struct {
	// Reply is the user-facing text produced by the phase.
	Reply string

	// Next is the phase the session moves to.
	Next datatypes.Phase

	// Delta carries progress signals for the tracker. Nil when the
	// phase produced none (greeting, off-topic redirect).
	Delta *progress.Delta

	// OffTopic marks a turn short-circuited by the topic gate.
	OffTopic bool

	// EndSession requests session completion (set by the exit phase).
	EndSession bool
}

// Executor runs one phase of the session.
type Executor interface {
	// Name returns the phase this executor handles.
	Name() datatypes.Phase

	// Execute runs the phase against the dependencies.
	Execute(ctx context.Context, deps *Dependencies) (*Result, error)
}

// Registry maps phases to executors.
//
// Thread Safety: Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[datatypes.Phase]Executor
}

// NewRegistry creates an empty registry. Use Register() to add phases.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[datatypes.Phase]Executor)}
}

// Register associates an executor with its phase. Overwrites any
// previously registered executor.
func (r *Registry) Register(executor Executor) {
	if executor == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[executor.Name()] = executor
}

// Get returns the executor for a phase. Returns false if none is
// registered.
func (r *Registry) Get(phase datatypes.Phase) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[phase]
	return executor, ok
}
