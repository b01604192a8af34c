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
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianCoach/services/coach/datatypes"
)

// ExitPhase closes a weekly session: recap, homework, goodbye. Like
// the greeting it never calls the model, so a session that earned its
// exit always gets one.
type ExitPhase struct{}

// NewExitPhase creates an ExitPhase.
func NewExitPhase() *ExitPhase {
	return &ExitPhase{}
}

func (p *ExitPhase) Name() datatypes.Phase {
	return datatypes.PhaseExit
}

func (p *ExitPhase) Execute(_ context.Context, deps *Dependencies) (*Result, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "That wraps up week %d.", deps.Spec.Week)
	if deps.State.Summary != "" {
		fmt.Fprintf(&b, "\n\nWhat we worked through today: %s", deps.State.Summary)
	}

	if deps.Spec.Homework.Description != "" {
		fmt.Fprintf(&b, "\n\nUntil next time: %s", deps.Spec.Homework.Description)
		for _, ex := range deps.Spec.Homework.Examples {
			fmt.Fprintf(&b, "\n- %s", ex)
		}
	} else {
		b.WriteString("\n\nUntil next time, keep noticing what we talked about today.")
	}
	fmt.Fprintf(&b, "\n\nWell done, %s. See you next week.", deps.User.DisplayName())

	deps.State.Exit = true

	return &Result{
		Reply: b.String(),
		// phase resets so the thread can host the next week's session
		Next:       datatypes.PhaseGreeting,
		EndSession: true,
	}, nil
}
