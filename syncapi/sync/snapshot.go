// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"fmt"
	"slices"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncengine/internal/caching"
	"github.com/element-hq/syncengine/syncapi/filtering"
	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

// Database is what a session reads outside of its subscriptions.
type Database interface {
	RoomEvents(ctx context.Context, roomID string, r types.Range, filter *synctypes.EventFilter, limit int) ([]types.StreamEvent, error)
	CurrentState(ctx context.Context, roomID string, filter *synctypes.EventFilter) ([]types.StreamEvent, error)
	RoomsForUser(ctx context.Context, userID string) (map[string]string, error)
	MembershipChanges(ctx context.Context, userID string, r types.Range) ([]types.MembershipChange, error)
}

// Pages are fetched a little larger than the limit since the in-memory
// filter may drop events the database let through.
const recentEventsPageSlack = 10

// recentEvents returns up to limit+1 of the newest events at or before to
// that pass the filter, oldest first. The database only narrows the search:
// every page is filtered again in memory.
func recentEvents(
	ctx context.Context, db Database, roomID string, to types.StreamPosition,
	filter *synctypes.RoomEventFilter, limit int,
) ([]types.StreamEvent, error) {
	want := limit + 1
	pushdown := filter.Events().WithoutLimit()
	inMemory := withoutLimit(filter)
	var out []types.StreamEvent
	for to > 0 && len(out) < want {
		page, err := db.RoomEvents(ctx, roomID, types.Range{From: 0, To: to, Backwards: true}, pushdown, want+recentEventsPageSlack)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		// Newest first from the database.
		to = page[len(page)-1].Position - 1
		for _, ev := range filtering.ApplyRoomEventFilter(page, inMemory) {
			out = append(out, ev)
			if len(out) == want {
				break
			}
		}
		if len(page) < want+recentEventsPageSlack {
			break
		}
	}
	slices.Reverse(out)
	return out, nil
}

// withoutLimit copies a room event filter without its limit.
func withoutLimit(f *synctypes.RoomEventFilter) *synctypes.RoomEventFilter {
	if f == nil {
		return nil
	}
	c := *f
	c.Limit = nil
	return &c
}

// roomSnapshot is the state and recent timeline of a room at a position,
// filtered for the session's filter. Results are shared between sessions
// through the evaluation result cache.
func (s *Session) roomSnapshot(ctx context.Context, roomID string, at types.StreamPosition) (caching.RoomFilterResult, error) {
	if cached, ok := s.caches.GetFilterResult(s.filter.Hash, roomID); ok {
		return trimSnapshot(cached, at), nil
	}
	generation := s.caches.RoomGeneration(roomID)

	limit := s.timelineLimit()
	timeline, err := recentEvents(ctx, s.db, roomID, at, s.filter.Original.RoomTimeline(), limit)
	if err != nil {
		return caching.RoomFilterResult{}, fmt.Errorf("recentEvents: %w", err)
	}
	kept, _, limited := filtering.KeepLatest(timeline, limit)

	stateFilter := s.filter.Original.RoomState()
	state, err := s.db.CurrentState(ctx, roomID, stateFilter.Events().WithoutLimit())
	if err != nil {
		return caching.RoomFilterResult{}, fmt.Errorf("s.db.CurrentState: %w", err)
	}
	state = filtering.ApplyRoomEventFilter(state, stateFilter)

	result := caching.RoomFilterResult{
		State:    state,
		Timeline: kept,
		Limited:  limited,
		Position: at,
	}
	s.caches.StoreFilterResult(s.filter.Hash, roomID, generation, result)
	return trimSnapshot(result, at), nil
}

// trimSnapshot drops anything recorded after at. Those changes reach the
// session through its subscriptions instead.
func trimSnapshot(result caching.RoomFilterResult, at types.StreamPosition) caching.RoomFilterResult {
	if result.Position <= at {
		return result
	}
	keep := func(events []types.StreamEvent) []types.StreamEvent {
		out := make([]types.StreamEvent, 0, len(events))
		for _, ev := range events {
			if ev.Position <= at {
				out = append(out, ev)
			}
		}
		return out
	}
	result.State = keep(result.State)
	result.Timeline = keep(result.Timeline)
	result.Position = at
	return result
}

// joinedState is the state of a room the user has just joined, as of the
// join.
func (s *Session) joinedState(ctx context.Context, roomID string, joinedAt types.StreamPosition) ([]types.StreamEvent, error) {
	stateFilter := s.filter.Original.RoomState()
	state, err := s.db.CurrentState(ctx, roomID, stateFilter.Events().WithoutLimit())
	if err != nil {
		return nil, err
	}
	state = filtering.ApplyRoomEventFilter(state, stateFilter)
	out := state[:0]
	for _, ev := range state {
		if ev.Position < joinedAt {
			out = append(out, ev)
		}
	}
	return out, nil
}

// membershipEvent finds the user's membership event in the room's current
// state.
func (s *Session) membershipEvent(ctx context.Context, roomID string) (*types.MembershipChange, error) {
	memberTypes := []string{spec.MRoomMember}
	state, err := s.db.CurrentState(ctx, roomID, &synctypes.EventFilter{Types: &memberTypes})
	if err != nil {
		return nil, err
	}
	for _, ev := range state {
		if ev.Event.StateKeyEquals(s.userID) {
			return &types.MembershipChange{
				RoomID:     roomID,
				Membership: membershipOf(ev.Event),
				Event:      ev.Event,
				Position:   ev.Position,
			}, nil
		}
	}
	return nil, nil
}

// memberState returns the m.room.member events of the room's current state.
func (s *Session) memberState(ctx context.Context, roomID string) ([]types.StreamEvent, error) {
	memberTypes := []string{spec.MRoomMember}
	return s.db.CurrentState(ctx, roomID, &synctypes.EventFilter{Types: &memberTypes})
}
