// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
	"github.com/element-hq/syncengine/syncapi/types"
)

func NewSqliteNotificationDataTable(db *sql.DB, streamID *StreamIDStatements) (tables.NotificationData, error) {
	_, err := db.Exec(notificationDataSchema)
	if err != nil {
		return nil, err
	}
	r := &notificationDataStatements{
		streamIDStatements: streamID,
	}
	return r, sqlutil.StatementList{
		{&r.upsertRoomUnreadCounts, upsertRoomUnreadNotificationCountsSQL},
		{&r.selectUnreadCountsInRange, selectUnreadCountsInRangeSQL},
		{&r.purgeNotificationData, purgeNotificationDataSQL},
	}.Prepare(db)
}

type notificationDataStatements struct {
	streamIDStatements        *StreamIDStatements
	upsertRoomUnreadCounts    *sql.Stmt
	selectUnreadCountsInRange *sql.Stmt
	purgeNotificationData     *sql.Stmt
}

const notificationDataSchema = `
CREATE TABLE IF NOT EXISTS syncapi_notification_data (
	id INTEGER PRIMARY KEY,
	user_id TEXT NOT NULL,
	room_id TEXT NOT NULL,
	notification_count BIGINT NOT NULL DEFAULT 0,
	highlight_count BIGINT NOT NULL DEFAULT 0,
	CONSTRAINT syncapi_notifications_unique UNIQUE (user_id, room_id)
);`

const upsertRoomUnreadNotificationCountsSQL = `INSERT INTO syncapi_notification_data
  (id, user_id, room_id, notification_count, highlight_count)
  VALUES ($1, $2, $3, $4, $5)
  ON CONFLICT (user_id, room_id)
  DO UPDATE SET id = $1, notification_count = $4, highlight_count = $5`

const selectUnreadCountsInRangeSQL = `SELECT id, room_id, notification_count, highlight_count
	FROM syncapi_notification_data
	WHERE user_id = $1 AND id > $2 AND id <= $3
	ORDER BY id ASC`

const purgeNotificationDataSQL = "" +
	"DELETE FROM syncapi_notification_data WHERE room_id = $1"

func (r *notificationDataStatements) UpsertRoomUnreadCounts(ctx context.Context, txn *sql.Tx, userID, roomID string, notificationCount, highlightCount int) (pos types.StreamPosition, err error) {
	pos, err = r.streamIDStatements.nextStreamID(ctx, txn)
	if err != nil {
		return
	}
	_, err = sqlutil.TxStmt(txn, r.upsertRoomUnreadCounts).ExecContext(ctx, pos, userID, roomID, notificationCount, highlightCount)
	return
}

func (r *notificationDataStatements) SelectUnreadCountsInRange(
	ctx context.Context, txn *sql.Tx, userID string, rng types.Range,
) ([]types.UnreadCount, error) {
	if rng.Empty() {
		return nil, nil
	}
	rows, err := sqlutil.TxStmt(txn, r.selectUnreadCountsInRange).QueryContext(ctx, userID, rng.From, rng.To)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectUnreadCountsInRange: rows.close() failed")

	var counts []types.UnreadCount
	for rows.Next() {
		var c types.UnreadCount
		if err = rows.Scan(&c.Position, &c.RoomID, &c.NotificationCount, &c.HighlightCount); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func (r *notificationDataStatements) PurgeNotificationData(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, r.purgeNotificationData).ExecContext(ctx, roomID)
	return err
}
