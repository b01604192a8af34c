// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains the structured model output contracts. Raw model
// text is parsed and validated exactly once, at this boundary; the rest
// of the engine only sees the typed structs.
package datatypes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// CoachTurnSchemaVersion is the current CoachTurn schema version.
// Bump when a field changes meaning so stored turns stay interpretable.
const CoachTurnSchemaVersion = 1

// ErrMalformedModelOutput marks model output that could not be parsed
// into the expected schema. Recoverable: callers substitute a safe
// default instead of failing the turn.
var ErrMalformedModelOutput = errors.New("malformed model output")

// CriterionEvaluation is one per-criterion verdict from the model.
type CriterionEvaluation struct {
	CriterionID string `json:"criterion_id" validate:"required"`
	Met         bool   `json:"met"`
}

// CoachTurn is the structured result of one counseling inference call.
//
// # Description
//
// CoachTurn carries the user-facing reply plus the progress signals
// the tracker folds into session state: criteria verdicts, the
// end-session suggestion, and the rolling summary. Reasoning is kept
// for audit only and is never shown to the user.
type CoachTurn struct {
	SchemaVersion       int                   `json:"schema_version,omitempty"`
	ResponseText        string                `json:"response_text" validate:"required"`
	CriteriaEvaluations []CriterionEvaluation `json:"criteria_evaluations,omitempty" validate:"omitempty,dive"`
	SuggestEndSession   bool                  `json:"suggest_end_session,omitempty"`
	SessionGoalsMet     bool                  `json:"session_goals_met,omitempty"`
	Summary             string                `json:"summary,omitempty"`
	Reasoning           string                `json:"reasoning,omitempty"`
}

// TechniqueSelection is the structured result of a technique selection
// inference call.
type TechniqueSelection struct {
	TechniqueID string `json:"technique_id" validate:"required"`
	MicroGoal   string `json:"micro_goal,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// ParseCoachTurn parses raw model text into a validated CoachTurn.
//
// # Description
//
// Tolerates markdown code fences and prose around the JSON object.
// Returns ErrMalformedModelOutput (wrapped) when no valid object can
// be extracted or required fields are missing.
//
// # Inputs
//
//   - raw: The raw model completion text.
//
// # Outputs
//
//   - *CoachTurn: The validated turn, never nil on success.
//   - error: ErrMalformedModelOutput wrapped with the cause.
func ParseCoachTurn(raw string) (*CoachTurn, error) {
	body, err := extractJSONObject(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedModelOutput, err)
	}

	var turn CoachTurn
	if err := json.Unmarshal([]byte(body), &turn); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedModelOutput, err)
	}
	if err := turnValidate.Struct(&turn); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedModelOutput, err)
	}
	if turn.SchemaVersion == 0 {
		turn.SchemaVersion = CoachTurnSchemaVersion
	}
	return &turn, nil
}

// ParseTechniqueSelection parses raw model text into a validated
// TechniqueSelection. Same tolerance and error contract as
// ParseCoachTurn.
func ParseTechniqueSelection(raw string) (*TechniqueSelection, error) {
	body, err := extractJSONObject(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedModelOutput, err)
	}

	var sel TechniqueSelection
	if err := json.Unmarshal([]byte(body), &sel); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedModelOutput, err)
	}
	if err := turnValidate.Struct(&sel); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedModelOutput, err)
	}
	return &sel, nil
}

// extractJSONObject finds the outermost JSON object in raw text.
// Models wrap output in ```json fences or lead with prose often enough
// that strict unmarshal of the whole completion is not viable.
func extractJSONObject(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.New("empty completion")
	}

	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			s = rest[:end]
		} else {
			s = rest
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", errors.New("no JSON object in completion")
	}
	return s[start : end+1], nil
}
