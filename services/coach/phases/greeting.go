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

// GreetingPhase opens a weekly session. It is deliberately template
// driven: no model call, so the session always opens even when
// inference is down.
type GreetingPhase struct{}

// NewGreetingPhase creates a GreetingPhase.
func NewGreetingPhase() *GreetingPhase {
	return &GreetingPhase{}
}

func (p *GreetingPhase) Name() datatypes.Phase {
	return datatypes.PhaseGreeting
}

func (p *GreetingPhase) Execute(_ context.Context, deps *Dependencies) (*Result, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "Hi %s, welcome to week %d", deps.User.DisplayName(), deps.Spec.Week)
	if deps.Spec.Title != "" {
		fmt.Fprintf(&b, ": %s", deps.Spec.Title)
	}
	b.WriteString(".")
	if deps.Spec.Agenda != "" {
		fmt.Fprintf(&b, "\n\nThis week: %s", deps.Spec.Agenda)
	}
	if deps.Spec.SessionGoal != "" {
		fmt.Fprintf(&b, "\n\nOur goal for today: %s", deps.Spec.SessionGoal)
	}
	b.WriteString("\n\nWhenever you're ready, tell me how the past days went.")

	return &Result{
		Reply: b.String(),
		Next:  datatypes.PhaseCounsel,
	}, nil
}
