// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package filtering applies client filters to events. These functions are
// the authority on what a client sees: storage may narrow results first, but
// whatever it returns is always filtered again here.
package filtering

import (
	"slices"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"

	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

// Item is anything with an event type and a sender.
type Item interface {
	ItemType() string
	ItemSender() string
}

// MatchEventType reports whether eventType matches pattern. A bare "*"
// matches everything, a trailing "*" matches by prefix, and anything else
// must be equal.
func MatchEventType(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(eventType, prefix)
	}
	return pattern == eventType
}

func matchAnyType(patterns []string, eventType string) bool {
	for _, p := range patterns {
		if MatchEventType(p, eventType) {
			return true
		}
	}
	return false
}

// set returns the list behind an optional filter field, treating an empty
// list the same as an absent one.
func set(l *[]string) []string {
	if l == nil || len(*l) == 0 {
		return nil
	}
	return *l
}

// Allowed reports whether a single item passes the type and sender rules of
// the filter. The limit is not considered.
func Allowed(item Item, filter *synctypes.EventFilter) bool {
	if filter == nil {
		return true
	}
	if ts := set(filter.Types); ts != nil && !matchAnyType(ts, item.ItemType()) {
		return false
	}
	if notTypes := set(filter.NotTypes); notTypes != nil && matchAnyType(notTypes, item.ItemType()) {
		return false
	}
	if senders := set(filter.Senders); senders != nil && !slices.Contains(senders, item.ItemSender()) {
		return false
	}
	if notSenders := set(filter.NotSenders); notSenders != nil && slices.Contains(notSenders, item.ItemSender()) {
		return false
	}
	return true
}

// ApplyEventFilter returns the items that pass the filter, in their original
// order, truncated to the first limit items if a limit is set. Callers sort
// before calling if they need a particular end kept. The input is not
// modified.
func ApplyEventFilter[T Item](items []T, filter *synctypes.EventFilter) []T {
	if filter == nil {
		return items
	}
	start := time.Now()
	out := make([]T, 0, len(items))
	for _, item := range items {
		if Allowed(item, filter) {
			out = append(out, item)
		}
	}
	if filter.Limit != nil && len(out) > *filter.Limit {
		out = out[:max(*filter.Limit, 0)]
	}
	observeFilter("event", start, len(items), len(out))
	return out
}

// ApplyRoomEventFilter is ApplyEventFilter with the room event rules added:
// rooms, not_rooms and contains_url.
func ApplyRoomEventFilter(events []types.StreamEvent, filter *synctypes.RoomEventFilter) []types.StreamEvent {
	if filter == nil {
		return events
	}
	start := time.Now()
	out := make([]types.StreamEvent, 0, len(events))
	for _, ev := range events {
		if !roomEventAllowed(&ev.Event, filter) {
			continue
		}
		out = append(out, ev)
	}
	observeFilter("room_event", start, len(events), len(out))
	return ApplyEventFilter(out, &filter.EventFilter)
}

func roomEventAllowed(ev *synctypes.ClientEvent, filter *synctypes.RoomEventFilter) bool {
	if ev.RoomID != "" && !RoomAllowed(filter.Rooms, filter.NotRooms, ev.RoomID) {
		return false
	}
	if filter.ContainsURL != nil {
		url := gjson.GetBytes(ev.Content, "url")
		hasURL := url.Type == gjson.String
		if hasURL != *filter.ContainsURL {
			return false
		}
	}
	return true
}

// RoomAllowed applies rooms and not_rooms to a room ID. not_rooms wins.
func RoomAllowed(rooms, notRooms *[]string, roomID string) bool {
	if nr := set(notRooms); nr != nil && slices.Contains(nr, roomID) {
		return false
	}
	if r := set(rooms); r != nil && !slices.Contains(r, roomID) {
		return false
	}
	return true
}

// ApplyRoomFilter returns the subset of rooms, keyed by room ID with the
// user's membership as value, that the room filter lets through. Left rooms
// are only kept when include_leave is set.
func ApplyRoomFilter(rooms map[string]string, filter *synctypes.RoomFilter) map[string]string {
	start := time.Now()
	out := make(map[string]string, len(rooms))
	for roomID, membership := range rooms {
		if RoomFilterAllows(filter, roomID, membership) {
			out[roomID] = membership
		}
	}
	observeFilter("room", start, len(rooms), len(out))
	return out
}

// RoomFilterAllows is ApplyRoomFilter for a single room. Without a room
// filter every membership is allowed.
func RoomFilterAllows(filter *synctypes.RoomFilter, roomID, membership string) bool {
	if filter == nil {
		return true
	}
	if (membership == spec.Leave || membership == spec.Ban) && !filter.IncludeLeave {
		return false
	}
	return RoomAllowed(filter.Rooms, filter.NotRooms, roomID)
}

// KeepLatest keeps the newest limit items of a chronologically ordered
// slice. It returns the kept items, the items that were cut, and whether
// anything was cut.
func KeepLatest[T any](items []T, limit int) (kept, dropped []T, limited bool) {
	if limit < 0 {
		limit = 0
	}
	if len(items) <= limit {
		return items, nil, false
	}
	cut := len(items) - limit
	return items[cut:], items[:cut], true
}
