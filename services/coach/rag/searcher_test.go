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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"
)

func graphQLResult(items []interface{}) *models.GraphQLResponse {
	return &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]interface{}{
				DefaultClassName: items,
			},
		},
	}
}

func snippetItem(text, source string, certainty float64) map[string]interface{} {
	return map[string]interface{}{
		"text":   text,
		"source": source,
		"_additional": map[string]interface{}{
			"certainty": certainty,
		},
	}
}

func TestParseSnippets(t *testing.T) {
	result := graphQLResult([]interface{}{
		snippetItem("ride the urge like a wave", "week3.md", 0.91),
		snippetItem("name the trigger out loud", "week2.md", 0.74),
	})

	out := parseSnippets(result, DefaultClassName)
	require.Len(t, out, 2)
	assert.Equal(t, "ride the urge like a wave", out[0].Text)
	assert.Equal(t, "week3.md", out[0].Source)
	assert.InDelta(t, 0.91, out[0].Score, 1e-9)
}

func TestParseSnippets_DropsLowCertainty(t *testing.T) {
	result := graphQLResult([]interface{}{
		snippetItem("strong match", "a.md", 0.85),
		snippetItem("weak match", "b.md", 0.31),
	})

	out := parseSnippets(result, DefaultClassName)
	require.Len(t, out, 1)
	assert.Equal(t, "strong match", out[0].Text)
}

func TestParseSnippets_KeepsUnscoredAndSkipsEmpty(t *testing.T) {
	result := graphQLResult([]interface{}{
		map[string]interface{}{"text": "no additional block"},
		map[string]interface{}{"source": "orphan.md"},
		"not an object",
	})

	out := parseSnippets(result, DefaultClassName)
	require.Len(t, out, 1)
	assert.Equal(t, "no additional block", out[0].Text)
	assert.Zero(t, out[0].Score)
}

func TestParseSnippets_MissingClass(t *testing.T) {
	result := &models.GraphQLResponse{Data: map[string]models.JSONObject{}}
	assert.Nil(t, parseSnippets(result, DefaultClassName))
}

func TestNopSearcher(t *testing.T) {
	out, err := NopSearcher{}.Search(context.Background(), "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, out)
}
