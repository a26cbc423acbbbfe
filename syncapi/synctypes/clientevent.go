// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package synctypes

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// ClientEvent is an event which is fit for consumption by clients, as defined by the Matrix client-server API.
type ClientEvent struct {
	Content        json.RawMessage `json:"content"`
	EventID        string          `json:"event_id,omitempty"`
	OriginServerTS spec.Timestamp  `json:"origin_server_ts,omitempty"`
	RoomID         string          `json:"room_id,omitempty"`
	Sender         string          `json:"sender,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	Type           string          `json:"type"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
}

// ItemType returns the event type.
func (ev ClientEvent) ItemType() string { return ev.Type }

// ItemSender returns the event sender.
func (ev ClientEvent) ItemSender() string { return ev.Sender }

// IsState reports whether the event carries a state key.
func (ev *ClientEvent) IsState() bool { return ev.StateKey != nil }

// StateKeyEquals reports whether the event is a state event with the given state key.
func (ev *ClientEvent) StateKeyEquals(stateKey string) bool {
	return ev.StateKey != nil && *ev.StateKey == stateKey
}
