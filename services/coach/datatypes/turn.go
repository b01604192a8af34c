// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains request and response types for the turn endpoint.
package datatypes

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single inbound
	// message. Checked in bytes, not runes.
	MaxMessageContentBytes = 32 * 1024 // 32KB
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// turnValidate is the validator instance for coach datatypes.
// Initialized in init() with custom validators.
var turnValidate *validator.Validate

func init() {
	turnValidate = validator.New()
	_ = turnValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length (not rune count) so oversized
// payloads are rejected before any model call.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Turn Request/Response Types
// =============================================================================

// TurnRequest is the body of POST /v1/turn.
//
// # Description
//
// One inbound user message on a thread. SessionTypeHint may request an
// open-ended conversation explicitly; it never overrides a weekly
// route decision and is refused while a weekly session is active.
type TurnRequest struct {
	UserID          string `json:"user_id" validate:"required,max=128"`
	ThreadID        string `json:"thread_id" validate:"required,max=128"`
	Message         string `json:"message" validate:"required,maxbytes"`
	SessionTypeHint string `json:"session_type_hint,omitempty" validate:"omitempty,oneof=WEEKLY GENERAL"`
}

// Validate checks the request against its validation tags.
func (r *TurnRequest) Validate() error {
	if err := turnValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid turn request: %w", err)
	}
	return nil
}

// TurnResponse is the body returned by POST /v1/turn. Week is always
// populated, weekly and open-ended turns alike.
type TurnResponse struct {
	Reply       string      `json:"reply"`
	ThreadID    string      `json:"thread_id"`
	SessionType SessionType `json:"session_type"`
	Week        int         `json:"week"`
	WeekTitle   string      `json:"week_title,omitempty"`
	WeekGoals   []string    `json:"week_goals"`
	Phase       Phase       `json:"phase,omitempty"`
	IsEnded     bool        `json:"is_ended"`
	TurnIndex   int         `json:"turn_index"`
}
