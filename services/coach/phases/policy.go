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
	"sort"

	"github.com/AleutianAI/AleutianCoach/services/coach/datatypes"
	"github.com/AleutianAI/AleutianCoach/services/coach/protocol"
)

const (
	// techniqueOveruseRun is the consecutive-use count at which a
	// technique is excluded from selection.
	techniqueOveruseRun = 3

	// techniquePersistTurns is how many turns a freshly selected
	// technique is held before the selector may switch.
	techniquePersistTurns = 2
)

// ShouldEnd decides whether the session exits after this counsel turn.
//
// # Description
//
// The max-turn forced exit takes absolute priority and ignores the
// criteria policy. Otherwise the criteria policy applies: all required
// criteria met (require_all_criteria) or at least one required
// criterion met, vacuously satisfied when no criterion is marked
// required. A week with no criteria configured at all can only exit
// via turn exhaustion. The model-confirmation flag additionally gates
// the criteria path on the model having suggested ending this turn.
//
// # Inputs
//
//   - spec: The week's protocol.
//   - criteria: The monotonic criteria status map.
//   - turnsTaken: Counsel turns taken including the current one.
//   - modelSuggestedEnd: The model's end suggestion for this turn.
//
// # Outputs
//
//   - bool: True when the session should move to EXIT.
func ShouldEnd(spec *protocol.WeekSpec, criteria map[string]bool, turnsTaken int, modelSuggestedEnd bool) bool {
	if turnsTaken >= spec.MaxTurns() {
		return true
	}
	if len(spec.SuccessCriteria) == 0 {
		return false
	}

	required := spec.RequiredCriteria()
	policy := spec.Constraints.ExitPolicy

	var criteriaOK bool
	if policy.RequireAllCriteria {
		criteriaOK = true
		for _, id := range required {
			if !criteria[id] {
				criteriaOK = false
				break
			}
		}
	} else {
		criteriaOK = len(required) == 0
		for _, id := range required {
			if criteria[id] {
				criteriaOK = true
				break
			}
		}
	}
	if !criteriaOK {
		return false
	}
	if policy.RequireModelConfirmation && !modelSuggestedEnd {
		return false
	}
	return true
}

// CandidateTechniques builds the selection pool for this turn.
//
// # Description
//
// Starts from the week's allowed list (or the whole catalog when the
// week allows everything), removes blocked techniques, then removes a
// technique used techniqueOveruseRun times in a row, unless that would
// empty the pool. Order is deterministic.
func CandidateTechniques(spec *protocol.WeekSpec, catalog map[string]protocol.Technique, state *datatypes.ConversationState) []string {
	base := spec.AllowedTechniques
	if len(base) == 0 {
		base = make([]string, 0, len(catalog))
		for id := range catalog {
			base = append(base, id)
		}
		sort.Strings(base)
	}

	blocked := make(map[string]struct{}, len(spec.BlockedTechniques))
	for _, id := range spec.BlockedTechniques {
		blocked[id] = struct{}{}
	}

	candidates := make([]string, 0, len(base))
	for _, id := range base {
		if _, isBlocked := blocked[id]; isBlocked {
			continue
		}
		if len(catalog) > 0 {
			if _, known := catalog[id]; !known {
				continue
			}
		}
		candidates = append(candidates, id)
	}

	if overused := overusedTechnique(state); overused != "" {
		filtered := make([]string, 0, len(candidates))
		for _, id := range candidates {
			if id != overused {
				filtered = append(filtered, id)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}
	return candidates
}

// overusedTechnique returns the technique used techniqueOveruseRun
// times in a row at the tail of the history, or "".
func overusedTechnique(state *datatypes.ConversationState) string {
	last := state.LastTechniques(techniqueOveruseRun)
	if len(last) < techniqueOveruseRun {
		return ""
	}
	for _, id := range last[1:] {
		if id != last[0] {
			return ""
		}
	}
	return last[0]
}

// persistingTechnique returns the technique that must be kept this
// turn under the persistence window, or "" when the selector is free
// to switch.
func persistingTechnique(state *datatypes.ConversationState) string {
	if len(state.TechniqueHistory) == 0 {
		return ""
	}
	last := state.TechniqueHistory[len(state.TechniqueHistory)-1].TechniqueID

	run := 0
	for i := len(state.TechniqueHistory) - 1; i >= 0; i-- {
		if state.TechniqueHistory[i].TechniqueID != last {
			break
		}
		run++
	}
	if run < techniquePersistTurns {
		return last
	}
	return ""
}
