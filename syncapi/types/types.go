// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncengine/syncapi/synctypes"
)

// StreamPosition represents the offset in the sync stream a client is at.
// A single position space is shared by every category of change.
type StreamPosition int64

// TransactionID identifies the device and transaction that sent an event.
type TransactionID struct {
	DeviceID      string `json:"device_id"`
	TransactionID string `json:"txn_id"`
}

// StreamEvent is a client event together with the stream position it was
// recorded at.
type StreamEvent struct {
	Event         synctypes.ClientEvent
	Position      StreamPosition
	TransactionID *TransactionID
}

// ItemType returns the event type.
func (e StreamEvent) ItemType() string { return e.Event.Type }

// ItemSender returns the event sender.
func (e StreamEvent) ItemSender() string { return e.Event.Sender }

// MembershipChange records the syncing user's membership of a room changing.
type MembershipChange struct {
	RoomID     string
	Membership string
	Event      synctypes.ClientEvent
	Position   StreamPosition
}

// DeviceListChange records that the device list of UserID changed, or that
// the syncing user no longer shares any room with them.
type DeviceListChange struct {
	UserID   string
	Left     bool
	Position StreamPosition
}

// UnreadCount is the notification count for a user in a room.
type UnreadCount struct {
	RoomID            string
	NotificationCount int
	HighlightCount    int
	Position          StreamPosition
}

// Range is the interval (From, To] of stream positions. Backwards asks
// for the newest positions first.
type Range struct {
	From      StreamPosition
	To        StreamPosition
	Backwards bool
}

// Empty reports whether the range contains no positions.
func (r Range) Empty() bool {
	return r.To <= r.From
}

// PresenceChange is the latest presence of a user.
type PresenceChange struct {
	UserID       string
	Presence     string
	StatusMsg    *string
	LastActiveTS spec.Timestamp
	Position     StreamPosition
}

// AccountDataChange records a piece of account data changing. RoomID is
// empty for global account data.
type AccountDataChange struct {
	RoomID   string
	Type     string
	Content  json.RawMessage
	Position StreamPosition
}

// Receipt is a stored read receipt.
type Receipt struct {
	OutputReceiptEvent
	Position StreamPosition
}
