// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package filtering

import (
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

// LazyLoader remembers which membership events a session has already sent
// so that lazy loading can skip redundant ones.
type LazyLoader struct {
	mu   sync.Mutex
	sent map[string]map[string]struct{} // room ID -> user IDs
}

// NewLazyLoader creates an empty LazyLoader.
func NewLazyLoader() *LazyLoader {
	return &LazyLoader{sent: map[string]map[string]struct{}{}}
}

// Filter drops m.room.member state events that the client does not need.
// With lazy_load_members set, only the members of the syncing user and of
// senders in the timeline are kept; unless include_redundant_members is also
// set, members already sent in this session are dropped as well. Without
// lazy_load_members the state is returned unchanged.
func (l *LazyLoader) Filter(
	roomID, userID string,
	state, timeline []types.StreamEvent,
	filter *synctypes.RoomEventFilter,
) []types.StreamEvent {
	if filter == nil || !filter.LazyLoadMembers {
		return state
	}
	start := time.Now()
	wanted := map[string]struct{}{userID: {}}
	for _, ev := range timeline {
		wanted[ev.Event.Sender] = struct{}{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	sent := l.sent[roomID]
	if sent == nil {
		sent = map[string]struct{}{}
		l.sent[roomID] = sent
	}

	out := make([]types.StreamEvent, 0, len(state))
	for _, ev := range state {
		if ev.Event.Type != spec.MRoomMember || ev.Event.StateKey == nil {
			out = append(out, ev)
			continue
		}
		member := *ev.Event.StateKey
		if _, ok := wanted[member]; !ok {
			continue
		}
		if _, ok := sent[member]; ok && !filter.IncludeRedundantMembers && member != userID {
			continue
		}
		sent[member] = struct{}{}
		out = append(out, ev)
	}
	observeFilter("lazy_load", start, len(state), len(out))
	return out
}
