// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"

	"github.com/element-hq/syncengine/syncapi/filtering"
	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

// render turns a batch taken from the accumulator into a LiveUpdate with
// next_batch at w.
func (s *Session) render(ctx context.Context, batch *accumulator, w types.StreamPosition) (*types.LiveUpdate, error) {
	f := &s.filter.Original
	update := &types.LiveUpdate{
		NextBatch: types.NewPaginationToken(w, types.Forward, s.userID, "").String(),
	}
	var err error

	presence := latestByKey(batch.presence, func(ev types.StreamEvent) string { return ev.Event.Sender })
	presence = filtering.ApplyEventFilter(presence, f.Presence)
	if update.Presence, err = filtering.FormatClientEvents(presence, s.deviceID, f); err != nil {
		return nil, fmt.Errorf("presence: %w", err)
	}

	accountData := latestByKey(batch.accountData, func(ev types.StreamEvent) string { return ev.Event.Type })
	accountData = filtering.ApplyEventFilter(accountData, f.AccountData)
	if update.AccountData, err = filtering.FormatClientEvents(accountData, s.deviceID, f); err != nil {
		return nil, fmt.Errorf("account data: %w", err)
	}

	if update.ToDevice, err = filtering.FormatClientEvents(batch.toDevice, s.deviceID, nil); err != nil {
		return nil, fmt.Errorf("to-device: %w", err)
	}

	update.DeviceLists = renderDeviceLists(batch.deviceLists)

	rooms := types.NewRoomsDelta()
	for roomID, delta := range batch.rooms {
		membership := s.rooms[roomID]
		if delta.membership != nil {
			membership = delta.membership.Membership
		}
		switch membership {
		case spec.Join:
			jr, err := s.renderJoin(ctx, roomID, delta)
			if err != nil {
				return nil, fmt.Errorf("room %s: %w", roomID, err)
			}
			if !jr.IsEmpty() {
				rooms.Join[roomID] = jr
			}
		case spec.Invite:
			if delta.membership == nil {
				continue
			}
			ir, err := s.renderInvite(delta.membership)
			if err != nil {
				return nil, fmt.Errorf("room %s: %w", roomID, err)
			}
			rooms.Invite[roomID] = ir
		case spec.Leave, spec.Ban:
			if delta.membership == nil {
				continue
			}
			// include_leave was applied when the snapshot was taken. A leave
			// seen while the session was running is always delivered.
			if !s.roomAllowed(roomID) {
				continue
			}
			lr, err := s.renderLeave(roomID, delta)
			if err != nil {
				return nil, fmt.Errorf("room %s: %w", roomID, err)
			}
			rooms.Leave[roomID] = lr
		}
	}
	if !rooms.IsEmpty() {
		update.Rooms = rooms
	}
	return update, nil
}

func renderDeviceLists(changes []types.DeviceListChange) *types.DeviceLists {
	if len(changes) == 0 {
		return nil
	}
	latest := map[string]bool{}
	for _, c := range changes {
		latest[c.UserID] = c.Left
	}
	lists := &types.DeviceLists{}
	for userID, left := range latest {
		if left {
			lists.Left = append(lists.Left, userID)
		} else {
			lists.Changed = append(lists.Changed, userID)
		}
	}
	sort.Strings(lists.Changed)
	sort.Strings(lists.Left)
	return lists
}

func (s *Session) renderJoin(ctx context.Context, roomID string, delta *roomDelta) (*types.JoinResponse, error) {
	f := &s.filter.Original
	jr := &types.JoinResponse{}

	timeline := delta.timeline
	sortByPosition(timeline)
	kept, dropped, limited := filtering.KeepLatest(timeline, s.timelineLimit())
	jr.Timeline.Limited = limited || delta.limited
	switch {
	case len(kept) > 0:
		jr.Timeline.PrevBatch = types.NewPaginationToken(kept[0].Position, types.Backward, roomID, kept[0].Event.EventID).String()
	case len(dropped) > 0:
		last := dropped[len(dropped)-1]
		jr.Timeline.PrevBatch = types.NewPaginationToken(last.Position+1, types.Backward, roomID, "").String()
	}

	// The snapshot may be shared with other sessions through the cache.
	state := append([]types.StreamEvent(nil), delta.state...)
	if len(dropped) > 0 {
		// State changes cut from the timeline still have to reach the client.
		var cut []types.StreamEvent
		for _, ev := range dropped {
			if ev.Event.IsState() {
				cut = append(cut, ev)
			}
		}
		state = append(state, filtering.ApplyRoomEventFilter(cut, withoutLimit(f.RoomState()))...)
	}
	stateFilter := f.RoomState()
	if stateFilter != nil && stateFilter.LazyLoadMembers && (delta.hasState || len(kept) > 0) {
		members, err := s.memberState(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("s.memberState: %w", err)
		}
		state = append(state, members...)
		state = s.lazy.Filter(roomID, s.userID, state, kept, stateFilter)
	}
	state = dedupeState(state, kept)

	var err error
	if jr.State.Events, err = filtering.FormatClientEvents(state, s.deviceID, f); err != nil {
		return nil, err
	}
	if jr.Timeline.Events, err = filtering.FormatClientEvents(kept, s.deviceID, f); err != nil {
		return nil, err
	}
	ephemeral := filtering.ApplyRoomEventFilter(delta.ephemeral, f.RoomEphemeral())
	if jr.Ephemeral.Events, err = filtering.FormatClientEvents(ephemeral, s.deviceID, f); err != nil {
		return nil, err
	}
	accountData := latestByKey(delta.accountData, func(ev types.StreamEvent) string { return ev.Event.Type })
	accountData = filtering.ApplyRoomEventFilter(accountData, f.RoomAccountData())
	if jr.AccountData.Events, err = filtering.FormatClientEvents(accountData, s.deviceID, f); err != nil {
		return nil, err
	}
	if delta.unread != nil {
		jr.UnreadNotifications = &types.UnreadNotifications{
			HighlightCount:    delta.unread.HighlightCount,
			NotificationCount: delta.unread.NotificationCount,
		}
	}
	// A join with nothing else in the batch still tells the client about
	// the room.
	if jr.IsEmpty() && delta.membership != nil {
		jr.Timeline.Events, err = filtering.FormatClientEvents([]types.StreamEvent{{
			Event:    delta.membership.Event,
			Position: delta.membership.Position,
		}}, s.deviceID, f)
		if err != nil {
			return nil, err
		}
	}
	return jr, nil
}

// dedupeState keeps the latest state event for each (type, state_key) and
// drops state that also appears in the timeline.
func dedupeState(state, timeline []types.StreamEvent) []types.StreamEvent {
	if len(state) == 0 {
		return nil
	}
	state = append([]types.StreamEvent(nil), state...)
	inTimeline := make(map[string]struct{}, len(timeline))
	for _, ev := range timeline {
		inTimeline[ev.Event.EventID] = struct{}{}
	}
	sortByPosition(state)
	state = latestByKey(state, func(ev types.StreamEvent) string {
		key := ev.Event.Type + "\x00"
		if ev.Event.StateKey != nil {
			key += *ev.Event.StateKey
		}
		return key
	})
	out := state[:0]
	for _, ev := range state {
		if _, ok := inTimeline[ev.Event.EventID]; !ok {
			out = append(out, ev)
		}
	}
	return out
}

func sortByPosition(events []types.StreamEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Position < events[j].Position
	})
}

// renderInvite builds the stripped state of an invite from the invite
// event's unsigned.invite_room_state plus the invite itself.
func (s *Session) renderInvite(change *types.MembershipChange) (*types.InviteResponse, error) {
	ir := &types.InviteResponse{}
	for _, ev := range gjson.GetBytes(change.Event.Unsigned, "invite_room_state").Array() {
		ir.InviteState.Events = append(ir.InviteState.Events, json.RawMessage(ev.Raw))
	}
	stripped, err := json.Marshal(strippedEvent(change.Event))
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %w", err)
	}
	ir.InviteState.Events = append(ir.InviteState.Events, stripped)
	return ir, nil
}

type strippedStateEvent struct {
	Type     string          `json:"type"`
	StateKey string          `json:"state_key"`
	Sender   string          `json:"sender"`
	Content  json.RawMessage `json:"content"`
}

func strippedEvent(ev synctypes.ClientEvent) strippedStateEvent {
	stripped := strippedStateEvent{Type: ev.Type, Sender: ev.Sender, Content: ev.Content}
	if ev.StateKey != nil {
		stripped.StateKey = *ev.StateKey
	}
	return stripped
}

// renderLeave reports the room the user left with whatever timeline was
// collected before leaving, ending in the leave event.
func (s *Session) renderLeave(roomID string, delta *roomDelta) (*types.LeaveResponse, error) {
	f := &s.filter.Original
	lr := &types.LeaveResponse{}
	timeline := append([]types.StreamEvent{}, delta.timeline...)
	seen := false
	for _, ev := range timeline {
		if ev.Event.EventID == delta.membership.Event.EventID {
			seen = true
			break
		}
	}
	if !seen {
		timeline = append(timeline, types.StreamEvent{Event: delta.membership.Event, Position: delta.membership.Position})
	}
	sortByPosition(timeline)
	kept, _, limited := filtering.KeepLatest(timeline, s.timelineLimit())
	lr.Timeline.Limited = limited
	if len(kept) > 0 {
		lr.Timeline.PrevBatch = types.NewPaginationToken(kept[0].Position, types.Backward, roomID, kept[0].Event.EventID).String()
	}
	var err error
	if lr.Timeline.Events, err = filtering.FormatClientEvents(kept, s.deviceID, f); err != nil {
		return nil, err
	}
	if lr.State.Events, err = filtering.FormatClientEvents(dedupeState(delta.state, kept), s.deviceID, f); err != nil {
		return nil, err
	}
	accountData := latestByKey(delta.accountData, func(ev types.StreamEvent) string { return ev.Event.Type })
	if lr.AccountData.Events, err = filtering.FormatClientEvents(accountData, s.deviceID, f); err != nil {
		return nil, err
	}
	return lr, nil
}
