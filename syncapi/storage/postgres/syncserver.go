// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/syncapi/storage/shared"
)

// SyncServerDatasource represents a sync server datasource which manages
// both the database for PDUs and caches for EDUs.
type SyncServerDatasource struct {
	shared.Database
}

// NewDatabase creates a new sync server database
func NewDatabase(dbProperties *config.DatabaseOptions) (*SyncServerDatasource, error) {
	var d SyncServerDatasource
	writer := sqlutil.NewDummyWriter()
	db, err := sqlutil.Open(dbProperties, writer)
	if err != nil {
		return nil, err
	}
	// The sequence must exist before any table that defaults to it.
	streamID, err := NewPostgresStreamIDTable(db)
	if err != nil {
		return nil, err
	}
	filter, err := NewPostgresFilterTable(db)
	if err != nil {
		return nil, err
	}
	events, err := NewPostgresEventsTable(db)
	if err != nil {
		return nil, err
	}
	currState, err := NewPostgresCurrentRoomStateTable(db)
	if err != nil {
		return nil, err
	}
	accountData, err := NewPostgresAccountDataTable(db)
	if err != nil {
		return nil, err
	}
	presence, err := NewPostgresPresenceTable(db)
	if err != nil {
		return nil, err
	}
	receipts, err := NewPostgresReceiptsTable(db)
	if err != nil {
		return nil, err
	}
	notificationData, err := NewPostgresNotificationDataTable(db)
	if err != nil {
		return nil, err
	}
	deviceListUpdates, err := NewPostgresDeviceListUpdatesTable(db)
	if err != nil {
		return nil, err
	}
	sendToDevice, err := NewPostgresSendToDeviceTable(db)
	if err != nil {
		return nil, err
	}
	d.Database = shared.Database{
		DB:                db,
		Writer:            writer,
		StreamID:          streamID,
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
