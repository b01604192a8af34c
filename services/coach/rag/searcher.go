// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rag retrieves coaching material snippets for counseling
// prompts.
package rag

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var ragTracer = otel.Tracer("coach.rag")

// Snippet is one ranked retrieval result.
type Snippet struct {
	Text   string  `json:"text"`
	Source string  `json:"source,omitempty"`
	Score  float64 `json:"score,omitempty"`
}

// Searcher retrieves ranked snippets for a query. Retrieval is
// advisory: callers tolerate errors and empty results.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]Snippet, error)
}

// NopSearcher returns nothing. Used when no retrieval backend is
// configured.
type NopSearcher struct{}

func (NopSearcher) Search(context.Context, string, int) ([]Snippet, error) {
	return nil, nil
}

// DefaultClassName is the Weaviate class holding coaching material.
const DefaultClassName = "CoachingMaterial"

// minCertainty is the floor below which a match is noise rather than
// usable prompt context.
const minCertainty = 0.6

// WeaviateSearcher retrieves snippets with a nearText query.
//
// Thread Safety: safe for concurrent use.
type WeaviateSearcher struct {
	client    *weaviate.Client
	className string
}

// NewWeaviateSearcher creates a WeaviateSearcher. An empty className
// selects DefaultClassName.
func NewWeaviateSearcher(client *weaviate.Client, className string) *WeaviateSearcher {
	if className == "" {
		className = DefaultClassName
	}
	return &WeaviateSearcher{client: client, className: className}
}

func (s *WeaviateSearcher) Search(ctx context.Context, query string, topK int) ([]Snippet, error) {
	ctx, span := ragTracer.Start(ctx, "WeaviateSearcher.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("rag.class", s.className),
		attribute.Int("rag.top_k", topK),
	)

	if topK <= 0 {
		topK = 3
	}

	fields := []graphql.Field{
		{Name: "text"},
		{Name: "source"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}
	nearText := s.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query}).
		WithCertainty(minCertainty)

	result, err := s.client.GraphQL().Get().
		WithClassName(s.className).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate nearText query: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate nearText query: %s", result.Errors[0].Message)
	}

	return parseSnippets(result, s.className), nil
}

// parseSnippets walks the GraphQL response shape
// {Get: {<class>: [{text, source, _additional: {certainty}}]}} and
// drops results under the certainty floor.
func parseSnippets(result *models.GraphQLResponse, className string) []Snippet {
	get, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	items, ok := get[className].([]interface{})
	if !ok {
		return nil
	}

	var out []Snippet
	for _, raw := range items {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		sn := Snippet{}
		if text, ok := obj["text"].(string); ok {
			sn.Text = text
		}
		if source, ok := obj["source"].(string); ok {
			sn.Source = source
		}
		if add, ok := obj["_additional"].(map[string]interface{}); ok {
			if certainty, ok := add["certainty"].(float64); ok {
				sn.Score = certainty
			}
		}
		if sn.Text == "" {
			continue
		}
		if sn.Score > 0 && sn.Score < minCertainty {
			continue
		}
		out = append(out, sn)
	}
	if len(out) == 0 {
		slog.Debug("RAG query returned no usable snippets", "class", className)
	}
	return out
}
