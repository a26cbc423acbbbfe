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

// Messages published on the bus by the services that feed the sync engine.

// OutputRoomEvent is published by the room server for every event that
// becomes part of a room's timeline.
type OutputRoomEvent struct {
	Event         synctypes.ClientEvent `json:"event"`
	TransactionID *TransactionID        `json:"transaction_id,omitempty"`
}

// OutputReceiptEvent is an entry in the receipt output kafka log
type OutputReceiptEvent struct {
	UserID    string         `json:"user_id"`
	RoomID    string         `json:"room_id"`
	EventID   string         `json:"event_id"`
	Type      string         `json:"type"`
	Timestamp spec.Timestamp `json:"timestamp"`
}

// NotificationData contains statistics about notifications, sent from
// the Push Server to the Sync API server.
type NotificationData struct {
	RoomID                  string `json:"room_id"`
	UnreadHighlightCount    int    `json:"unread_highlight_count"`
	UnreadNotificationCount int    `json:"unread_notification_count"`
}

// OutputAccountData is published by the user API when account data changes.
// RoomID is empty for global account data.
type OutputAccountData struct {
	RoomID  string          `json:"room_id,omitempty"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// OutputSendToDeviceEvent is a send-to-device message addressed to one
// device of a local user.
type OutputSendToDeviceEvent struct {
	UserID   string          `json:"user_id"`
	DeviceID string          `json:"device_id"`
	Sender   string          `json:"sender"`
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content"`
}

// DeviceListUpdate is published by the key server when a user's devices
// change.
type DeviceListUpdate struct {
	UserID string `json:"user_id"`
}
