// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

// Database is the sync engine's store. Every Store* write returns the
// global stream position it was recorded at.
type Database interface {
	Filters
	Rooms
	Ephemeral
	UserData

	// MaxStreamPosition returns the highest position recorded so far.
	MaxStreamPosition(ctx context.Context) (types.StreamPosition, error)
}

type Filters interface {
	// GetFilter returns nil if the user has no filter with that ID.
	GetFilter(ctx context.Context, localpart, filterID string) (*synctypes.Filter, error)
	PutFilter(ctx context.Context, localpart string, filter *synctypes.Filter) (string, error)
}

type Rooms interface {
	// StoreEvent records a room event and, for state events, updates the
	// current state of the room.
	StoreEvent(ctx context.Context, event *synctypes.ClientEvent, txnID *types.TransactionID) (types.StreamPosition, error)
	RoomEvents(ctx context.Context, roomID string, r types.Range, filter *synctypes.EventFilter, limit int) ([]types.StreamEvent, error)
	EventByID(ctx context.Context, eventID string) (*types.StreamEvent, error)
	// CurrentState returns the current state of the room ordered by the
	// position each entry was set at.
	CurrentState(ctx context.Context, roomID string, filter *synctypes.EventFilter) ([]types.StreamEvent, error)
	RoomsForUser(ctx context.Context, userID string) (map[string]string, error)
	MembershipChanges(ctx context.Context, userID string, r types.Range) ([]types.MembershipChange, error)
	SharedUsers(ctx context.Context, userID string) ([]string, error)
	JoinedUsers(ctx context.Context, roomID string) ([]string, error)
	// PurgeRoom removes the ephemeral data held for a room.
	PurgeRoom(ctx context.Context, roomID string) error
}

type Ephemeral interface {
	StoreReceipt(ctx context.Context, roomID, receiptType, userID, eventID string, timestamp spec.Timestamp) (types.StreamPosition, error)
	RoomReceiptsInRange(ctx context.Context, roomIDs []string, r types.Range) ([]types.Receipt, error)
	StorePresence(ctx context.Context, userID, presence string, statusMsg *string, lastActiveTS spec.Timestamp) (types.StreamPosition, error)
	PresenceInRange(ctx context.Context, userID string, r types.Range) ([]types.PresenceChange, error)
	StoreSendToDevice(ctx context.Context, userID, deviceID string, event synctypes.ClientEvent) (types.StreamPosition, error)
	SendToDeviceInRange(ctx context.Context, userID, deviceID string, r types.Range) ([]types.StreamEvent, error)
	// CleanSendToDevice deletes messages the device has acknowledged by
	// syncing from a position at or after them.
	CleanSendToDevice(ctx context.Context, userID, deviceID string, pos types.StreamPosition) error
}

type UserData interface {
	StoreAccountData(ctx context.Context, userID, roomID, dataType string, content json.RawMessage) (types.StreamPosition, error)
	AccountDataInRange(ctx context.Context, userID string, r types.Range, filter *synctypes.EventFilter) ([]types.AccountDataChange, error)
	StoreUnreadCounts(ctx context.Context, userID, roomID string, notificationCount, highlightCount int) (types.StreamPosition, error)
	UnreadCountsInRange(ctx context.Context, userID string, r types.Range) ([]types.UnreadCount, error)
	// StoreDeviceListUpdate records a device change for the user, or with
	// left set, that the user left roomID.
	StoreDeviceListUpdate(ctx context.Context, userID, roomID string, left bool) (types.StreamPosition, error)
	DeviceListChangesInRange(ctx context.Context, userID string, r types.Range) ([]types.DeviceListChange, error)
}
