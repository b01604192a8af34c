// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rag

import (
	"context"
	"strings"

	"github.com/AleutianAI/AleutianCoach/services/coach/datatypes"
	"github.com/AleutianAI/AleutianCoach/services/coach/protocol"
)

// maxQueries caps retrieval fan-out per turn.
const maxQueries = 3

// BuildQueries derives retrieval queries for a counseling turn from
// the week's goal, the core-task tags, and the user's recent messages.
func BuildQueries(spec *protocol.WeekSpec, state *datatypes.ConversationState) []string {
	var queries []string

	if spec.SessionGoal != "" {
		queries = append(queries, spec.SessionGoal)
	}
	if len(spec.CoreTask.Tags) > 0 {
		queries = append(queries, strings.Join(spec.CoreTask.Tags, " "))
	}
	for _, m := range state.RecentUserMessages(2) {
		trimmed := strings.TrimSpace(m.Content)
		if trimmed != "" {
			queries = append(queries, trimmed)
		}
	}

	if len(queries) > maxQueries {
		queries = queries[:maxQueries]
	}
	return queries
}

// Collect runs each query against the searcher and merges results,
// deduplicating by text. Search failures are skipped, not fatal.
func Collect(ctx context.Context, searcher Searcher, queries []string, perQuery int) []Snippet {
	seen := make(map[string]struct{})
	var out []Snippet
	for _, q := range queries {
		snippets, err := searcher.Search(ctx, q, perQuery)
		if err != nil {
			continue
		}
		for _, sn := range snippets {
			if _, dup := seen[sn.Text]; dup {
				continue
			}
			seen[sn.Text] = struct{}{}
			out = append(out, sn)
		}
	}
	return out
}
