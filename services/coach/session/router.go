// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianCoach/services/coach/datatypes"
	"github.com/AleutianAI/AleutianCoach/services/coach/repository"
)

// Route is the routing outcome for one inbound turn.
type Route string

const (
	// RouteContinueWeekly resumes the open session as-is.
	RouteContinueWeekly Route = "CONTINUE_WEEKLY"

	// RouteRestartWeekly abandons a stale open session and starts the
	// same week over.
	RouteRestartWeekly Route = "RESTART_WEEKLY"

	// RouteRollbackWeekly resets the whole program to week 1 after a
	// long absence.
	RouteRollbackWeekly Route = "ROLLBACK_WEEKLY"

	// RouteAdvanceWeekly opens a fresh session for the current week.
	// Also covers the very first contact.
	RouteAdvanceWeekly Route = "ADVANCE_WEEKLY"

	// RouteOpenEnded is unstructured conversation: cooldown after a
	// completed session, or a completed program.
	RouteOpenEnded Route = "GENERAL"
)

// Routing boundaries, in days. Priority is strict: rollback beats
// everything, then the open-session check, then the cooldown.
const (
	rollbackAfterDays     = 21 // >= : long absence, restart the program
	staleSessionDays      = 1  // <  : user seen recently, continue the open session
	completedCooldownDays = 7  // <  : rest period after a completed week
)

// daysSince treats a nil timestamp as zero days elapsed, so a user
// with no last-seen record routes like one seen just now.
func daysSince(now time.Time, t *time.Time) float64 {
	if t == nil {
		return 0
	}
	return now.Sub(*t).Hours() / 24
}

// Decide is the pure routing decision. It reads, never mutates.
//
// # Inputs
//
//   - user: The user record. Required.
//   - open: The open session for user.CurrentWeek, or nil.
//   - now: The decision time.
//
// # Outputs
//
//   - Route: The routing outcome.
func Decide(user *datatypes.User, open *datatypes.WeeklySession, now time.Time) Route {
	if user.Completed() {
		return RouteOpenEnded
	}

	if daysSince(now, user.LastSeenAt) >= rollbackAfterDays {
		return RouteRollbackWeekly
	}

	if open != nil {
		if daysSince(now, user.LastSeenAt) < staleSessionDays {
			return RouteContinueWeekly
		}
		return RouteRestartWeekly
	}

	if user.LastWeeklyCompletedAt != nil &&
		daysSince(now, user.LastWeeklyCompletedAt) < completedCooldownDays {
		return RouteOpenEnded
	}

	return RouteAdvanceWeekly
}

// Decision is a routing outcome plus the session it resolved to.
type Decision struct {
	Route Route
	User  *datatypes.User

	// Session is the weekly session to run the turn against. Nil for
	// RouteOpenEnded.
	Session *datatypes.WeeklySession

	// FreshSession is true when this route created (or replaced) the
	// session, so conversation state must reset to GREETING.
	FreshSession bool
}

// Router applies routing decisions transactionally against the
// repository.
//
// Thread Safety: safe for concurrent use; per-user write conflicts are
// surfaced by the repository and recovered with a single retry.
type Router struct {
	repo  repository.Repository
	clock Clock
}

// NewRouter creates a Router.
func NewRouter(repo repository.Repository, clock Clock) *Router {
	return &Router{repo: repo, clock: clock}
}

// Route loads the user, decides, and applies the route's side effects.
//
// # Description
//
// Side effects per route: rollback resets the user to week 1, abandons
// any open session, and opens a week-1 session; restart replaces the
// stale open session; advance opens a session for the current week.
// Continue and open-ended mutate nothing. A session conflict during
// mutation means a concurrent or crashed writer got there first; the
// decision is recomputed once against fresh state.
//
// # Inputs
//
//   - ctx: Request context.
//   - userID: The user.
//   - threadID: The conversation thread, recorded on created sessions.
//
// # Outputs
//
//   - *Decision: The applied decision.
//   - error: Repository failures.
func (r *Router) Route(ctx context.Context, userID, threadID string) (*Decision, error) {
	decision, err := r.routeOnce(ctx, userID, threadID)
	if err == nil || !errors.Is(err, repository.ErrSessionConflict) {
		return decision, err
	}

	slog.Warn("Session conflict while routing, retrying once",
		"user_id", userID, "thread_id", threadID)
	return r.routeOnce(ctx, userID, threadID)
}

func (r *Router) routeOnce(ctx context.Context, userID, threadID string) (*Decision, error) {
	now := r.clock.Now()

	user, err := r.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("routing %s: %w", userID, err)
	}

	open, err := r.repo.GetOpenSession(ctx, userID, user.CurrentWeek)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("routing %s: %w", userID, err)
	}

	route := Decide(user, open, now)
	decision := &Decision{Route: route, User: user}

	switch route {
	case RouteContinueWeekly:
		decision.Session = open

	case RouteRestartWeekly:
		fresh, err := r.repo.RestartSession(ctx, userID, user.CurrentWeek, threadID, now)
		if err != nil {
			return nil, err
		}
		decision.Session = fresh
		decision.FreshSession = true

	case RouteRollbackWeekly:
		if open != nil {
			if err := r.repo.AbandonSession(ctx, userID, user.CurrentWeek); err != nil {
				return nil, err
			}
		}
		user, err = r.repo.RollbackToWeekOne(ctx, userID)
		if err != nil {
			return nil, err
		}
		decision.User = user
		fresh, err := r.repo.CreateSession(ctx, userID, datatypes.FirstWeek, threadID, now)
		if err != nil {
			return nil, err
		}
		decision.Session = fresh
		decision.FreshSession = true

	case RouteAdvanceWeekly:
		fresh, err := r.repo.CreateSession(ctx, userID, user.CurrentWeek, threadID, now)
		if err != nil {
			return nil, err
		}
		decision.Session = fresh
		decision.FreshSession = true

	case RouteOpenEnded:
		// no session, no mutation
	}

	slog.Debug("Routed turn",
		"user_id", userID,
		"route", string(route),
		"week", decision.User.CurrentWeek)
	return decision, nil
}
