// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

// Every table that records a change assigns it the next position of the
// single global sync stream. Position-returning writes return that position.

type Filter interface {
	SelectFilter(ctx context.Context, txn *sql.Tx, localpart string, filterID string) (*synctypes.Filter, error)
	InsertFilter(ctx context.Context, txn *sql.Tx, filter *synctypes.Filter, localpart string) (filterID string, err error)
}

type StreamID interface {
	SelectMaxStreamID(ctx context.Context, txn *sql.Tx) (types.StreamPosition, error)
}

type Events interface {
	InsertEvent(ctx context.Context, txn *sql.Tx, event *synctypes.ClientEvent, txnID *types.TransactionID) (types.StreamPosition, error)
	// SelectEvents returns the events of a room in the range. Limit <= 0
	// means unlimited. The filter is pushed down as far as the dialect can,
	// callers must still filter the results.
	SelectEvents(ctx context.Context, txn *sql.Tx, roomID string, r types.Range, filter *synctypes.EventFilter, limit int) ([]types.StreamEvent, error)
	SelectEventByID(ctx context.Context, txn *sql.Tx, eventID string) (*types.StreamEvent, error)
}

type CurrentRoomState interface {
	// UpsertRoomState replaces the state entry for the event's type and
	// state key. Membership is set for m.room.member events.
	UpsertRoomState(ctx context.Context, txn *sql.Tx, event *synctypes.ClientEvent, membership *string, pos types.StreamPosition) error
	SelectCurrentState(ctx context.Context, txn *sql.Tx, roomID string, filter *synctypes.EventFilter) ([]types.StreamEvent, error)
	// SelectRoomsForUser returns the current membership of every room the
	// user has a membership event in.
	SelectRoomsForUser(ctx context.Context, txn *sql.Tx, userID string) (map[string]string, error)
	SelectMembershipChanges(ctx context.Context, txn *sql.Tx, userID string, r types.Range) ([]types.MembershipChange, error)
	// SelectSharedUsers returns every user joined to a room the user is
	// joined to, including the user.
	SelectSharedUsers(ctx context.Context, txn *sql.Tx, userID string) ([]string, error)
	SelectJoinedUsers(ctx context.Context, txn *sql.Tx, roomID string) ([]string, error)
}

type AccountData interface {
	UpsertAccountData(ctx context.Context, txn *sql.Tx, userID, roomID, dataType string, content json.RawMessage) (types.StreamPosition, error)
	SelectAccountDataInRange(ctx context.Context, txn *sql.Tx, userID string, r types.Range, filter *synctypes.EventFilter) ([]types.AccountDataChange, error)
}

type Presence interface {
	UpsertPresence(ctx context.Context, txn *sql.Tx, userID, presence string, statusMsg *string, lastActiveTS spec.Timestamp) (types.StreamPosition, error)
	// SelectPresenceInRange returns presence changes of the users sharing
	// a room with the given user.
	SelectPresenceInRange(ctx context.Context, txn *sql.Tx, userID string, r types.Range) ([]types.PresenceChange, error)
}

type Receipts interface {
	UpsertReceipt(ctx context.Context, txn *sql.Tx, roomID, receiptType, userID, eventID string, timestamp spec.Timestamp) (types.StreamPosition, error)
	SelectRoomReceiptsInRange(ctx context.Context, txn *sql.Tx, roomIDs []string, r types.Range) ([]types.Receipt, error)
	PurgeReceipts(ctx context.Context, txn *sql.Tx, roomID string) error
}

type NotificationData interface {
	UpsertRoomUnreadCounts(ctx context.Context, txn *sql.Tx, userID, roomID string, notificationCount, highlightCount int) (types.StreamPosition, error)
	SelectUnreadCountsInRange(ctx context.Context, txn *sql.Tx, userID string, r types.Range) ([]types.UnreadCount, error)
	PurgeNotificationData(ctx context.Context, txn *sql.Tx, roomID string) error
}

type DeviceListUpdates interface {
	// InsertDeviceListUpdate records that the user's devices changed. With
	// left set it instead records that the user left roomID.
	InsertDeviceListUpdate(ctx context.Context, txn *sql.Tx, userID, roomID string, left bool) (types.StreamPosition, error)
	SelectDeviceListChangesInRange(ctx context.Context, txn *sql.Tx, userID string, r types.Range) ([]types.DeviceListChange, error)
}

type SendToDevice interface {
	InsertSendToDeviceMessage(ctx context.Context, txn *sql.Tx, userID, deviceID string, event synctypes.ClientEvent) (types.StreamPosition, error)
	SelectSendToDeviceMessages(ctx context.Context, txn *sql.Tx, userID, deviceID string, r types.Range) ([]types.StreamEvent, error)
	// DeleteSendToDeviceMessages removes messages up to and including pos.
	DeleteSendToDeviceMessages(ctx context.Context, txn *sql.Tx, userID, deviceID string, pos types.StreamPosition) error
}
