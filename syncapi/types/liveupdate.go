// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
)

// LiveUpdate is one delta emitted by a sync session. Categories that have
// nothing to report are left nil.
type LiveUpdate struct {
	NextBatch   string
	Rooms       *RoomsDelta
	Presence    []json.RawMessage
	AccountData []json.RawMessage
	ToDevice    []json.RawMessage
	DeviceLists *DeviceLists
}

// RoomsDelta partitions room changes by the syncing user's membership.
type RoomsDelta struct {
	Join   map[string]*JoinResponse
	Invite map[string]*InviteResponse
	Leave  map[string]*LeaveResponse
}

// NewRoomsDelta returns a RoomsDelta with empty partitions.
func NewRoomsDelta() *RoomsDelta {
	return &RoomsDelta{
		Join:   map[string]*JoinResponse{},
		Invite: map[string]*InviteResponse{},
		Leave:  map[string]*LeaveResponse{},
	}
}

// IsEmpty reports whether no room has anything to report.
func (r *RoomsDelta) IsEmpty() bool {
	return r == nil || len(r.Join)+len(r.Invite)+len(r.Leave) == 0
}

// IsEmpty reports whether the update carries nothing for the client.
func (u *LiveUpdate) IsEmpty() bool {
	return u.Rooms.IsEmpty() &&
		len(u.Presence) == 0 &&
		len(u.AccountData) == 0 &&
		len(u.ToDevice) == 0 &&
		u.DeviceLists.IsEmpty()
}

// Response renders the update in its wire form.
func (u *LiveUpdate) Response() *Response {
	res := NewResponse()
	res.NextBatch = u.NextBatch
	res.Presence.Events = u.Presence
	res.AccountData.Events = u.AccountData
	res.ToDevice.Events = u.ToDevice
	if u.DeviceLists != nil {
		res.DeviceLists = *u.DeviceLists
	}
	if u.Rooms != nil {
		for roomID, jr := range u.Rooms.Join {
			res.Rooms.Join[roomID] = jr
		}
		for roomID, ir := range u.Rooms.Invite {
			res.Rooms.Invite[roomID] = ir
		}
		for roomID, lr := range u.Rooms.Leave {
			res.Rooms.Leave[roomID] = lr
		}
	}
	return res
}

// Response represents a /sync API response. See https://spec.matrix.org/v1.6/client-server-api/#get_matrixclientv3sync
type Response struct {
	NextBatch   string    `json:"next_batch"`
	AccountData EventList `json:"account_data"`
	Presence    EventList `json:"presence"`
	Rooms       struct {
		Join   map[string]*JoinResponse   `json:"join"`
		Invite map[string]*InviteResponse `json:"invite"`
		Leave  map[string]*LeaveResponse  `json:"leave"`
	} `json:"rooms"`
	ToDevice            EventList      `json:"to_device"`
	DeviceLists         DeviceLists    `json:"device_lists"`
	DeviceListsOTKCount map[string]int `json:"device_one_time_keys_count"`
}

// NewResponse creates an empty response with initialised maps.
func NewResponse() *Response {
	res := Response{}
	res.Rooms.Join = map[string]*JoinResponse{}
	res.Rooms.Invite = map[string]*InviteResponse{}
	res.Rooms.Leave = map[string]*LeaveResponse{}
	res.DeviceListsOTKCount = map[string]int{}
	return &res
}

// EventList is an object with a list of events. A nil list is rendered as
// an empty array.
type EventList struct {
	Events []json.RawMessage `json:"events"`
}

func (l EventList) MarshalJSON() ([]byte, error) {
	type alias EventList
	a := alias(l)
	if a.Events == nil {
		a.Events = []json.RawMessage{}
	}
	return json.Marshal(a)
}

// Timeline is the timeline section of a room.
type Timeline struct {
	Events    []json.RawMessage `json:"events"`
	Limited   bool              `json:"limited"`
	PrevBatch string            `json:"prev_batch,omitempty"`
}

func (t Timeline) MarshalJSON() ([]byte, error) {
	type alias Timeline
	a := alias(t)
	if a.Events == nil {
		a.Events = []json.RawMessage{}
	}
	return json.Marshal(a)
}

// DeviceLists lists users whose devices changed or who no longer share a
// room with the syncing user.
type DeviceLists struct {
	Changed []string `json:"changed"`
	Left    []string `json:"left"`
}

// IsEmpty reports whether there are no device list changes.
func (d *DeviceLists) IsEmpty() bool {
	return d == nil || len(d.Changed)+len(d.Left) == 0
}

func (d DeviceLists) MarshalJSON() ([]byte, error) {
	type alias DeviceLists
	a := alias(d)
	if a.Changed == nil {
		a.Changed = []string{}
	}
	if a.Left == nil {
		a.Left = []string{}
	}
	return json.Marshal(a)
}

// UnreadNotifications are the notification counts for a joined room.
type UnreadNotifications struct {
	HighlightCount    int `json:"highlight_count"`
	NotificationCount int `json:"notification_count"`
}

// JoinResponse represents a /sync response for a room which is under the 'join' key.
type JoinResponse struct {
	State               EventList            `json:"state"`
	Timeline            Timeline             `json:"timeline"`
	Ephemeral           EventList            `json:"ephemeral"`
	AccountData         EventList            `json:"account_data"`
	UnreadNotifications *UnreadNotifications `json:"unread_notifications,omitempty"`
}

// IsEmpty reports whether nothing changed in the room.
func (jr *JoinResponse) IsEmpty() bool {
	return len(jr.State.Events) == 0 &&
		len(jr.Timeline.Events) == 0 &&
		len(jr.Ephemeral.Events) == 0 &&
		len(jr.AccountData.Events) == 0 &&
		jr.UnreadNotifications == nil
}

// InviteResponse represents a /sync response for a room which is under the 'invite' key.
type InviteResponse struct {
	InviteState EventList `json:"invite_state"`
}

// LeaveResponse represents a /sync response for a room which is under the 'leave' key.
type LeaveResponse struct {
	State       EventList `json:"state"`
	Timeline    Timeline  `json:"timeline"`
	AccountData EventList `json:"account_data"`
}
