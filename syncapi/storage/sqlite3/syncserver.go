// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/syncapi/storage/shared"
)

// SyncServerDatasource represents a sync server datasource which manages
// both the database for PDUs and caches for EDUs.
type SyncServerDatasource struct {
	shared.Database
	streamID StreamIDStatements
}

// NewDatabase creates a new sync server database. SQLite allows a single
// writer, so all writes are funnelled through an exclusive writer.
func NewDatabase(dbProperties *config.DatabaseOptions) (*SyncServerDatasource, error) {
	var d SyncServerDatasource
	writer := sqlutil.NewExclusiveWriter()
	db, err := sqlutil.Open(dbProperties, writer)
	if err != nil {
		return nil, err
	}
	if err = d.streamID.Prepare(db); err != nil {
		return nil, err
	}
	filter, err := NewSqliteFilterTable(db)
	if err != nil {
		return nil, err
	}
	events, err := NewSqliteEventsTable(db, &d.streamID)
	if err != nil {
		return nil, err
	}
	currState, err := NewSqliteCurrentRoomStateTable(db)
	if err != nil {
		return nil, err
	}
	accountData, err := NewSqliteAccountDataTable(db, &d.streamID)
	if err != nil {
		return nil, err
	}
	presence, err := NewSqlitePresenceTable(db, &d.streamID)
	if err != nil {
		return nil, err
	}
	receipts, err := NewSqliteReceiptsTable(db, &d.streamID)
	if err != nil {
		return nil, err
	}
	notificationData, err := NewSqliteNotificationDataTable(db, &d.streamID)
	if err != nil {
		return nil, err
	}
	deviceListUpdates, err := NewSqliteDeviceListUpdatesTable(db, &d.streamID)
	if err != nil {
		return nil, err
	}
	sendToDevice, err := NewSqliteSendToDeviceTable(db, &d.streamID)
	if err != nil {
		return nil, err
	}
	d.Database = shared.Database{
		DB:                db,
		Writer:            writer,
		StreamID:          &d.streamID,
		Filter:            filter,
		OutputEvents:      events,
		CurrentRoomState:  currState,
		AccountData:       accountData,
		Presence:          presence,
		Receipts:          receipts,
		NotificationData:  notificationData,
		DeviceListUpdates: deviceListUpdates,
		SendToDevice:      sendToDevice,
	}
	return &d, nil
}
