// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"slices"

	"github.com/element-hq/syncengine/syncapi/types"
)

// roomDelta collects what changed in one room. Every item carries the
// position it happened at so the accumulator can hold back what lies beyond
// the next batch position.
type roomDelta struct {
	timeline    []types.StreamEvent
	ephemeral   []types.StreamEvent
	accountData []types.StreamEvent
	unread      *types.UnreadCount
	// state is a snapshot of the room taken at statePos, set on initial sync
	// and when the user joins.
	state    []types.StreamEvent
	statePos types.StreamPosition
	hasState bool
	limited  bool
	// membership is the user's latest membership change in the room.
	membership *types.MembershipChange
}

func (r *roomDelta) empty() bool {
	return len(r.timeline)+len(r.ephemeral)+len(r.accountData) == 0 &&
		r.unread == nil && !r.hasState && r.membership == nil
}

// accumulator holds filtered changes until they are emitted. It is only
// touched by the session goroutine.
type accumulator struct {
	rooms       map[string]*roomDelta
	presence    []types.StreamEvent
	accountData []types.StreamEvent
	toDevice    []types.StreamEvent
	deviceLists []types.DeviceListChange
}

func newAccumulator() *accumulator {
	return &accumulator{rooms: map[string]*roomDelta{}}
}

func (a *accumulator) room(roomID string) *roomDelta {
	r, ok := a.rooms[roomID]
	if !ok {
		r = &roomDelta{}
		a.rooms[roomID] = r
	}
	return r
}

// latestByKey keeps the last item for each key, ordered by position.
func latestByKey(events []types.StreamEvent, key func(types.StreamEvent) string) []types.StreamEvent {
	seen := make(map[string]struct{}, len(events))
	out := make([]types.StreamEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		k := key(events[i])
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, events[i])
	}
	slices.Reverse(out)
	return out
}

func splitEvents(events []types.StreamEvent, w types.StreamPosition) (taken, rest []types.StreamEvent) {
	for _, ev := range events {
		if ev.Position <= w {
			taken = append(taken, ev)
		} else {
			rest = append(rest, ev)
		}
	}
	return
}

func anyUpTo(events []types.StreamEvent, w types.StreamPosition) bool {
	for _, ev := range events {
		if ev.Position <= w {
			return true
		}
	}
	return false
}

// hasContent reports whether anything would be emitted at w.
func (a *accumulator) hasContent(w types.StreamPosition) bool {
	if anyUpTo(a.presence, w) || anyUpTo(a.accountData, w) || anyUpTo(a.toDevice, w) {
		return true
	}
	for _, d := range a.deviceLists {
		if d.Position <= w {
			return true
		}
	}
	for _, r := range a.rooms {
		if anyUpTo(r.timeline, w) || anyUpTo(r.ephemeral, w) || anyUpTo(r.accountData, w) {
			return true
		}
		if r.unread != nil && r.unread.Position <= w {
			return true
		}
		if r.hasState && r.statePos <= w {
			return true
		}
		if r.membership != nil && r.membership.Position <= w {
			return true
		}
	}
	return false
}

// take removes and returns everything at or before w.
func (a *accumulator) take(w types.StreamPosition) *accumulator {
	out := newAccumulator()
	out.presence, a.presence = splitEvents(a.presence, w)
	out.accountData, a.accountData = splitEvents(a.accountData, w)
	out.toDevice, a.toDevice = splitEvents(a.toDevice, w)

	var rest []types.DeviceListChange
	for _, d := range a.deviceLists {
		if d.Position <= w {
			out.deviceLists = append(out.deviceLists, d)
		} else {
			rest = append(rest, d)
		}
	}
	a.deviceLists = rest

	for roomID, r := range a.rooms {
		taken := &roomDelta{}
		taken.timeline, r.timeline = splitEvents(r.timeline, w)
		taken.ephemeral, r.ephemeral = splitEvents(r.ephemeral, w)
		taken.accountData, r.accountData = splitEvents(r.accountData, w)
		if r.unread != nil && r.unread.Position <= w {
			taken.unread, r.unread = r.unread, nil
		}
		if r.hasState && r.statePos <= w {
			taken.state, taken.statePos, taken.hasState, taken.limited = r.state, r.statePos, true, r.limited
			r.state, r.statePos, r.hasState, r.limited = nil, 0, false, false
		}
		if r.membership != nil && r.membership.Position <= w {
			taken.membership, r.membership = r.membership, nil
		}
		if !taken.empty() {
			out.rooms[roomID] = taken
		}
		if r.empty() {
			delete(a.rooms, roomID)
		}
	}
	return out
}
