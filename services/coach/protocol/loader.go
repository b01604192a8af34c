// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ErrProtocolNotFound marks a missing week spec. Callers degrade to
// EmptyWeekSpec instead of failing the turn.
var ErrProtocolNotFound = errors.New("protocol not found")

// Loader reads week specs (week1.yaml, week2.yaml, ...) and the
// technique catalog (techniques.yaml) from a directory, with caching.
//
// Thread Safety: Loader is safe for concurrent use.
type Loader struct {
	dir string

	mu      sync.RWMutex
	weeks   map[int]*WeekSpec
	catalog map[string]Technique
}

// NewLoader creates a Loader for the given protocol directory.
func NewLoader(dir string) *Loader {
	return &Loader{
		dir:   dir,
		weeks: make(map[int]*WeekSpec),
	}
}

// WeekSpec returns the normalized spec for a week.
//
// # Description
//
// Reads week{N}.yaml on first access and caches the parsed spec.
// Returns ErrProtocolNotFound (wrapped) when the file does not exist.
//
// # Inputs
//
//   - week: The 1-based program week.
//
// # Outputs
//
//   - *WeekSpec: The parsed spec, never nil on success.
//   - error: ErrProtocolNotFound or a parse error.
//
// Thread Safety: Safe for concurrent use.
func (l *Loader) WeekSpec(week int) (*WeekSpec, error) {
	l.mu.RLock()
	cached, ok := l.weeks[week]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	path := filepath.Join(l.dir, fmt.Sprintf("week%d.yaml", week))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: week %d (%s)", ErrProtocolNotFound, week, path)
		}
		return nil, fmt.Errorf("reading protocol for week %d: %w", week, err)
	}

	var spec WeekSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing protocol for week %d: %w", week, err)
	}
	if spec.Week == 0 {
		spec.Week = week
	}
	if spec.Constraints.MaxTurns == 0 {
		spec.Constraints.MaxTurns = DefaultMaxTurns
	}

	l.mu.Lock()
	l.weeks[week] = &spec
	l.mu.Unlock()
	return &spec, nil
}

// Techniques returns the technique catalog keyed by id.
//
// The catalog file is a YAML list; entries without an id are skipped.
// A missing catalog file yields an empty catalog, not an error, since
// a week can run without technique selection.
func (l *Loader) Techniques() (map[string]Technique, error) {
	l.mu.RLock()
	cached := l.catalog
	l.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	catalog := make(map[string]Technique)
	path := filepath.Join(l.dir, "techniques.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Technique catalog missing, selection disabled", "path", path)
			l.mu.Lock()
			l.catalog = catalog
			l.mu.Unlock()
			return catalog, nil
		}
		return nil, fmt.Errorf("reading technique catalog: %w", err)
	}

	var raw []Technique
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing technique catalog: %w", err)
	}
	for _, t := range raw {
		if t.ID == "" {
			continue
		}
		if t.Name == "" {
			t.Name = t.ID
		}
		if t.Level == "" {
			t.Level = "technique"
		}
		catalog[t.ID] = t
	}

	l.mu.Lock()
	l.catalog = catalog
	l.mu.Unlock()
	return catalog, nil
}

// Invalidate drops all cached specs and the catalog. The next access
// re-reads from disk.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.weeks = make(map[int]*WeekSpec)
	l.catalog = nil
}

// Watch invalidates the cache whenever a file in the protocol
// directory changes. Blocks until ctx is cancelled.
//
// # Inputs
//
//   - ctx: Cancellation stops the watcher and releases its resources.
//
// # Outputs
//
//   - error: A watcher setup failure; nil on clean shutdown.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating protocol watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watching protocol dir %s: %w", l.dir, err)
	}
	slog.Info("Watching protocol directory", "dir", l.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				slog.Info("Protocol change detected, invalidating cache", "file", event.Name)
				l.Invalidate()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Protocol watcher error", "error", err)
		}
	}
}
