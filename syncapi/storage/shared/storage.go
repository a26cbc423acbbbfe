// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

// Database is the dialect independent implementation of storage.Database.
type Database struct {
	DB                *sql.DB
	Writer            sqlutil.Writer
	StreamID          tables.StreamID
	Filter            tables.Filter
	OutputEvents      tables.Events
	CurrentRoomState  tables.CurrentRoomState
	AccountData       tables.AccountData
	Presence          tables.Presence
	Receipts          tables.Receipts
	NotificationData  tables.NotificationData
	DeviceListUpdates tables.DeviceListUpdates
	SendToDevice      tables.SendToDevice
}

func (d *Database) MaxStreamPosition(ctx context.Context) (types.StreamPosition, error) {
	pos, err := d.StreamID.SelectMaxStreamID(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "d.StreamID.SelectMaxStreamID")
	}
	return pos, nil
}

func (d *Database) GetFilter(ctx context.Context, localpart, filterID string) (*synctypes.Filter, error) {
	filter, err := d.Filter.SelectFilter(ctx, nil, localpart, filterID)
	if err != nil {
		return nil, errors.Wrap(err, "d.Filter.SelectFilter")
	}
	return filter, nil
}

func (d *Database) PutFilter(ctx context.Context, localpart string, filter *synctypes.Filter) (filterID string, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		filterID, err = d.Filter.InsertFilter(ctx, txn, filter, localpart)
		return err
	})
	return filterID, errors.Wrap(err, "d.Filter.InsertFilter")
}

// StoreEvent stores the event and keeps the current room state up to date.
// An event that was already stored returns its original position and
// leaves the state untouched.
func (d *Database) StoreEvent(ctx context.Context, event *synctypes.ClientEvent, txnID *types.TransactionID) (pos types.StreamPosition, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		existing, err := d.OutputEvents.SelectEventByID(ctx, txn, event.EventID)
		if err != nil {
			return errors.Wrap(err, "d.OutputEvents.SelectEventByID")
		}
		if existing != nil {
			pos = existing.Position
			return nil
		}
		if pos, err = d.OutputEvents.InsertEvent(ctx, txn, event, txnID); err != nil {
			return errors.Wrap(err, "d.OutputEvents.InsertEvent")
		}
		if event.StateKey == nil {
			return nil
		}
		var membership *string
		if event.Type == spec.MRoomMember {
			value := gjson.GetBytes(event.Content, "membership").Str
			membership = &value
		}
		return errors.Wrap(
			d.CurrentRoomState.UpsertRoomState(ctx, txn, event, membership, pos),
			"d.CurrentRoomState.UpsertRoomState",
		)
	})
	return
}

func (d *Database) RoomEvents(ctx context.Context, roomID string, r types.Range, filter *synctypes.EventFilter, limit int) ([]types.StreamEvent, error) {
	events, err := d.OutputEvents.SelectEvents(ctx, nil, roomID, r, filter, limit)
	if err != nil {
		return nil, errors.Wrap(err, "d.OutputEvents.SelectEvents")
	}
	return events, nil
}

func (d *Database) EventByID(ctx context.Context, eventID string) (*types.StreamEvent, error) {
	event, err := d.OutputEvents.SelectEventByID(ctx, nil, eventID)
	return event, errors.Wrap(err, "d.OutputEvents.SelectEventByID")
}

func (d *Database) CurrentState(ctx context.Context, roomID string, filter *synctypes.EventFilter) ([]types.StreamEvent, error) {
	state, err := d.CurrentRoomState.SelectCurrentState(ctx, nil, roomID, filter)
	if err != nil {
		return nil, errors.Wrap(err, "d.CurrentRoomState.SelectCurrentState")
	}
	sort.SliceStable(state, func(i, j int) bool {
		return state[i].Position < state[j].Position
	})
	return state, nil
}

func (d *Database) RoomsForUser(ctx context.Context, userID string) (map[string]string, error) {
	rooms, err := d.CurrentRoomState.SelectRoomsForUser(ctx, nil, userID)
	return rooms, errors.Wrap(err, "d.CurrentRoomState.SelectRoomsForUser")
}

func (d *Database) MembershipChanges(ctx context.Context, userID string, r types.Range) ([]types.MembershipChange, error) {
	changes, err := d.CurrentRoomState.SelectMembershipChanges(ctx, nil, userID, r)
	return changes, errors.Wrap(err, "d.CurrentRoomState.SelectMembershipChanges")
}

func (d *Database) SharedUsers(ctx context.Context, userID string) ([]string, error) {
	users, err := d.CurrentRoomState.SelectSharedUsers(ctx, nil, userID)
	return users, errors.Wrap(err, "d.CurrentRoomState.SelectSharedUsers")
}

func (d *Database) JoinedUsers(ctx context.Context, roomID string) ([]string, error) {
	users, err := d.CurrentRoomState.SelectJoinedUsers(ctx, nil, roomID)
	return users, errors.Wrap(err, "d.CurrentRoomState.SelectJoinedUsers")
}

func (d *Database) PurgeRoom(ctx context.Context, roomID string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if err := d.Receipts.PurgeReceipts(ctx, txn, roomID); err != nil {
			return errors.Wrap(err, "d.Receipts.PurgeReceipts")
		}
		return errors.Wrap(d.NotificationData.PurgeNotificationData(ctx, txn, roomID), "d.NotificationData.PurgeNotificationData")
	})
}

func (d *Database) StoreReceipt(ctx context.Context, roomID, receiptType, userID, eventID string, timestamp spec.Timestamp) (pos types.StreamPosition, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		pos, err = d.Receipts.UpsertReceipt(ctx, txn, roomID, receiptType, userID, eventID, timestamp)
		return err
	})
	return pos, errors.Wrap(err, "d.Receipts.UpsertReceipt")
}

func (d *Database) RoomReceiptsInRange(ctx context.Context, roomIDs []string, r types.Range) ([]types.Receipt, error) {
	receipts, err := d.Receipts.SelectRoomReceiptsInRange(ctx, nil, roomIDs, r)
	return receipts, errors.Wrap(err, "d.Receipts.SelectRoomReceiptsInRange")
}

func (d *Database) StorePresence(ctx context.Context, userID, presence string, statusMsg *string, lastActiveTS spec.Timestamp) (pos types.StreamPosition, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		pos, err = d.Presence.UpsertPresence(ctx, txn, userID, presence, statusMsg, lastActiveTS)
		return err
	})
	return pos, errors.Wrap(err, "d.Presence.UpsertPresence")
}

func (d *Database) PresenceInRange(ctx context.Context, userID string, r types.Range) ([]types.PresenceChange, error) {
	changes, err := d.Presence.SelectPresenceInRange(ctx, nil, userID, r)
	return changes, errors.Wrap(err, "d.Presence.SelectPresenceInRange")
}

func (d *Database) StoreSendToDevice(ctx context.Context, userID, deviceID string, event synctypes.ClientEvent) (pos types.StreamPosition, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		pos, err = d.SendToDevice.InsertSendToDeviceMessage(ctx, txn, userID, deviceID, event)
		return err
	})
	return pos, errors.Wrap(err, "d.SendToDevice.InsertSendToDeviceMessage")
}

func (d *Database) SendToDeviceInRange(ctx context.Context, userID, deviceID string, r types.Range) ([]types.StreamEvent, error) {
	events, err := d.SendToDevice.SelectSendToDeviceMessages(ctx, nil, userID, deviceID, r)
	return events, errors.Wrap(err, "d.SendToDevice.SelectSendToDeviceMessages")
}

func (d *Database) CleanSendToDevice(ctx context.Context, userID, deviceID string, pos types.StreamPosition) error {
	if pos <= 0 {
		return nil
	}
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.SendToDevice.DeleteSendToDeviceMessages(ctx, txn, userID, deviceID, pos)
	})
	return errors.Wrap(err, "d.SendToDevice.DeleteSendToDeviceMessages")
}

func (d *Database) StoreAccountData(ctx context.Context, userID, roomID, dataType string, content json.RawMessage) (pos types.StreamPosition, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		pos, err = d.AccountData.UpsertAccountData(ctx, txn, userID, roomID, dataType, content)
		return err
	})
	return pos, errors.Wrap(err, "d.AccountData.UpsertAccountData")
}

func (d *Database) AccountDataInRange(ctx context.Context, userID string, r types.Range, filter *synctypes.EventFilter) ([]types.AccountDataChange, error) {
	changes, err := d.AccountData.SelectAccountDataInRange(ctx, nil, userID, r, filter)
	return changes, errors.Wrap(err, "d.AccountData.SelectAccountDataInRange")
}

func (d *Database) StoreUnreadCounts(ctx context.Context, userID, roomID string, notificationCount, highlightCount int) (pos types.StreamPosition, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		pos, err = d.NotificationData.UpsertRoomUnreadCounts(ctx, txn, userID, roomID, notificationCount, highlightCount)
		return err
	})
	return pos, errors.Wrap(err, "d.NotificationData.UpsertRoomUnreadCounts")
}

func (d *Database) UnreadCountsInRange(ctx context.Context, userID string, r types.Range) ([]types.UnreadCount, error) {
	counts, err := d.NotificationData.SelectUnreadCountsInRange(ctx, nil, userID, r)
	return counts, errors.Wrap(err, "d.NotificationData.SelectUnreadCountsInRange")
}

func (d *Database) StoreDeviceListUpdate(ctx context.Context, userID, roomID string, left bool) (pos types.StreamPosition, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		pos, err = d.DeviceListUpdates.InsertDeviceListUpdate(ctx, txn, userID, roomID, left)
		return err
	})
	return pos, errors.Wrap(err, "d.DeviceListUpdates.InsertDeviceListUpdate")
}

func (d *Database) DeviceListChangesInRange(ctx context.Context, userID string, r types.Range) ([]types.DeviceListChange, error) {
	changes, err := d.DeviceListUpdates.SelectDeviceListChangesInRange(ctx, nil, userID, r)
	return changes, errors.Wrap(err, "d.DeviceListUpdates.SelectDeviceListChangesInRange")
}
