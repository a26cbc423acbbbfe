// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
	"github.com/element-hq/syncengine/syncapi/types"
)

const deviceListUpdatesSchema = `
-- Records device list changes and users leaving rooms, so that clients
-- know which users' device lists to refetch or forget.
CREATE TABLE IF NOT EXISTS syncapi_device_list_updates (
	id BIGINT PRIMARY KEY DEFAULT nextval('syncapi_stream_id'),
	user_id TEXT NOT NULL,
	-- The room the user left. Empty for device changes.
	room_id TEXT NOT NULL DEFAULT '',
	left_room BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS syncapi_device_list_updates_user_id_idx ON syncapi_device_list_updates(user_id, id);
`

const insertDeviceListUpdateSQL = "" +
	"INSERT INTO syncapi_device_list_updates (user_id, room_id, left_room) VALUES ($1, $2, $3) RETURNING id"

// A device change is visible to anyone sharing a room with the user. A leave
// is visible to the members of the room left who no longer share any room
// with the user.
const selectDeviceListChangesInRangeSQL = "" +
	"SELECT id, user_id, left_room FROM syncapi_device_list_updates" +
	" WHERE id > $2 AND id <= $3 AND (" +
	"  (NOT left_room AND user_id IN (" + sharedUsersSubquery + "))" +
	"  OR (left_room AND user_id NOT IN (" + sharedUsersSubquery + ") AND room_id IN (" +
	"   SELECT room_id FROM syncapi_current_room_state" +
	"   WHERE type = 'm.room.member' AND state_key = $1 AND membership = 'join'" +
	"  ))" +
	" ) ORDER BY id ASC"

type deviceListUpdatesStatements struct {
	insertDeviceListUpdateStmt         *sql.Stmt
	selectDeviceListChangesInRangeStmt *sql.Stmt
}

func NewPostgresDeviceListUpdatesTable(db *sql.DB) (tables.DeviceListUpdates, error) {
	_, err := db.Exec(deviceListUpdatesSchema)
	if err != nil {
		return nil, err
	}
	s := &deviceListUpdatesStatements{}
	return s, sqlutil.StatementList{
		{&s.insertDeviceListUpdateStmt, insertDeviceListUpdateSQL},
		{&s.selectDeviceListChangesInRangeStmt, selectDeviceListChangesInRangeSQL},
	}.Prepare(db)
}

func (s *deviceListUpdatesStatements) InsertDeviceListUpdate(
	ctx context.Context, txn *sql.Tx, userID, roomID string, left bool,
) (pos types.StreamPosition, err error) {
	err = sqlutil.TxStmt(txn, s.insertDeviceListUpdateStmt).QueryRowContext(ctx, userID, roomID, left).Scan(&pos)
	return
}

func (s *deviceListUpdatesStatements) SelectDeviceListChangesInRange(
	ctx context.Context, txn *sql.Tx, userID string, r types.Range,
) ([]types.DeviceListChange, error) {
	if r.Empty() {
		return nil, nil
	}
	rows, err := sqlutil.TxStmt(txn, s.selectDeviceListChangesInRangeStmt).QueryContext(ctx, userID, r.From, r.To)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectDeviceListChangesInRange: rows.close() failed")
	var changes []types.DeviceListChange
	for rows.Next() {
		var c types.DeviceListChange
		if err = rows.Scan(&c.Position, &c.UserID, &c.Left); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}
