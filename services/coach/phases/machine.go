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
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianCoach/services/coach/datatypes"
)

// ErrInvalidTransition is returned when a phase transition is not in
// the transition table.
var ErrInvalidTransition = errors.New("invalid phase transition")

// StateMachine validates phase transitions against a fixed table:
//
//	GREETING -> COUNSEL
//	COUNSEL  -> COUNSEL | EXIT
//	EXIT     -> GREETING (thread reuse at the next week's session)
//
// Thread Safety: StateMachine is immutable after construction and safe
// for concurrent use.
type StateMachine struct {
	transitions map[datatypes.Phase]map[datatypes.Phase]bool
}

// NewStateMachine creates the session state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		transitions: map[datatypes.Phase]map[datatypes.Phase]bool{
			datatypes.PhaseGreeting: {
				datatypes.PhaseCounsel: true,
			},
			datatypes.PhaseCounsel: {
				datatypes.PhaseCounsel: true,
				datatypes.PhaseExit:    true,
			},
			datatypes.PhaseExit: {
				datatypes.PhaseGreeting: true,
			},
		},
	}
}

// DefaultStateMachine is the shared immutable instance.
var DefaultStateMachine = NewStateMachine()

// CanTransition reports whether from -> to is a valid transition.
func (m *StateMachine) CanTransition(from, to datatypes.Phase) bool {
	return m.transitions[from][to]
}

// Transition moves the state to the next phase, or returns
// ErrInvalidTransition without mutating anything.
func (m *StateMachine) Transition(state *datatypes.ConversationState, to datatypes.Phase) error {
	if !m.CanTransition(state.Phase, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, state.Phase, to)
	}
	state.Phase = to
	return nil
}
