// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol loads the per-week coaching protocol specs and the
// technique catalog from YAML.
package protocol

// DefaultMaxTurns is the per-session turn ceiling applied when a week
// spec does not configure one.
const DefaultMaxTurns = 12

// Criterion is one success criterion for a week.
type Criterion struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty"`
}

// ExitPolicy controls when the criteria-based exit fires. The max-turn
// forced exit always takes priority and ignores this policy.
type ExitPolicy struct {
	// RequireAllCriteria: true means every required criterion must be
	// met; false means any single required criterion suffices.
	RequireAllCriteria bool `yaml:"require_all_criteria"`

	// RequireModelConfirmation additionally demands that the model
	// suggested ending the session on the current turn.
	RequireModelConfirmation bool `yaml:"require_llm_confirmation"`
}

// Constraints bundles the week's hard limits.
type Constraints struct {
	MaxTurns   int        `yaml:"max_turns"`
	ExitPolicy ExitPolicy `yaml:"exit_policy"`
}

// CoreTask describes the week's central exercise.
type CoreTask struct {
	Description string   `yaml:"description,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
}

// Homework is the take-home block appended by the exit phase.
type Homework struct {
	Description string   `yaml:"description,omitempty"`
	Examples    []string `yaml:"examples,omitempty"`
}

// WeekSpec is one week's normalized protocol.
type WeekSpec struct {
	Week              int         `yaml:"week"`
	Title             string      `yaml:"title,omitempty"`
	Goals             []string    `yaml:"goals,omitempty"`
	Agenda            string      `yaml:"agenda,omitempty"`
	Description       string      `yaml:"description,omitempty"`
	SessionGoal       string      `yaml:"session_goal,omitempty"`
	CoreTask          CoreTask    `yaml:"core_task,omitempty"`
	SuccessCriteria   []Criterion `yaml:"success_criteria,omitempty"`
	AllowedTechniques []string    `yaml:"allowed_techniques,omitempty"`
	BlockedTechniques []string    `yaml:"blocked_techniques,omitempty"`
	Constraints       Constraints `yaml:"constraints,omitempty"`
	Homework          Homework    `yaml:"homework,omitempty"`
}

// MaxTurns returns the configured turn ceiling, or DefaultMaxTurns.
func (s *WeekSpec) MaxTurns() int {
	if s.Constraints.MaxTurns > 0 {
		return s.Constraints.MaxTurns
	}
	return DefaultMaxTurns
}

// RequiredCriteria returns the IDs of criteria marked required.
func (s *WeekSpec) RequiredCriteria() []string {
	var ids []string
	for _, c := range s.SuccessCriteria {
		if c.Required {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// EmptyWeekSpec is the fallback spec for a missing protocol file: the
// session degrades to free conversation bounded only by DefaultMaxTurns.
func EmptyWeekSpec(week int) *WeekSpec {
	return &WeekSpec{
		Week: week,
		Constraints: Constraints{
			MaxTurns: DefaultMaxTurns,
			ExitPolicy: ExitPolicy{
				RequireAllCriteria: true,
			},
		},
	}
}

// Technique is one entry in the technique catalog.
type Technique struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name,omitempty"`
	Level          string   `yaml:"level,omitempty"`
	Description    string   `yaml:"description,omitempty"`
	TypicalTargets []string `yaml:"typical_targets,omitempty"`
	GoodForFocus   []string `yaml:"good_for_focus,omitempty"`
	RagTags        []string `yaml:"rag_tags,omitempty"`
}
