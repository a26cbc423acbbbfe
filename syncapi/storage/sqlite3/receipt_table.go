// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
	"github.com/element-hq/syncengine/syncapi/types"
)

const receiptsSchema = `
-- Stores data about receipts
CREATE TABLE IF NOT EXISTS syncapi_receipts (
	-- The ID
	id BIGINT,
	room_id TEXT NOT NULL,
	receipt_type TEXT NOT NULL,
	user_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	receipt_ts BIGINT NOT NULL,
	CONSTRAINT syncapi_receipts_unique UNIQUE (room_id, receipt_type, user_id)
);
CREATE INDEX IF NOT EXISTS syncapi_receipts_room_id_idx ON syncapi_receipts(room_id);
`

const selectReceiptSQL = "" +
	"SELECT id, event_id FROM syncapi_receipts" +
	" WHERE room_id = $1 AND receipt_type = $2 AND user_id = $3"

const upsertReceipt = "" +
	"INSERT INTO syncapi_receipts" +
	" (id, room_id, receipt_type, user_id, event_id, receipt_ts)" +
	" VALUES ($1, $2, $3, $4, $5, $6)" +
	" ON CONFLICT (room_id, receipt_type, user_id)" +
	" DO UPDATE SET id = $1, event_id = $5, receipt_ts = $6"

const selectRoomReceipts = "" +
	"SELECT id, room_id, receipt_type, user_id, event_id, receipt_ts" +
	" FROM syncapi_receipts" +
	" WHERE id > $1 AND id <= $2 AND room_id IN ($3)" +
	" ORDER BY id ASC"

const purgeReceiptsSQL = "" +
	"DELETE FROM syncapi_receipts WHERE room_id = $1"

type receiptStatements struct {
	db                 *sql.DB
	streamIDStatements *StreamIDStatements
	selectReceipt      *sql.Stmt
	upsertReceipt      *sql.Stmt
	purgeReceiptsStmt  *sql.Stmt
}

func NewSqliteReceiptsTable(db *sql.DB, streamID *StreamIDStatements) (tables.Receipts, error) {
	_, err := db.Exec(receiptsSchema)
	if err != nil {
		return nil, err
	}
	r := &receiptStatements{
		db:                 db,
		streamIDStatements: streamID,
	}
	return r, sqlutil.StatementList{
		{&r.selectReceipt, selectReceiptSQL},
		{&r.upsertReceipt, upsertReceipt},
		{&r.purgeReceiptsStmt, purgeReceiptsSQL},
	}.Prepare(db)
}

// UpsertReceipt stores a receipt. A receipt for the event it already points
// at keeps its position.
func (r *receiptStatements) UpsertReceipt(ctx context.Context, txn *sql.Tx, roomID, receiptType, userID, eventID string, timestamp spec.Timestamp) (pos types.StreamPosition, err error) {
	var existingEventID string
	err = sqlutil.TxStmt(txn, r.selectReceipt).QueryRowContext(ctx, roomID, receiptType, userID).Scan(&pos, &existingEventID)
	switch {
	case err == nil && existingEventID == eventID:
	case err == nil || sqlutil.ErrorIsNoRows(err):
		if pos, err = r.streamIDStatements.nextStreamID(ctx, txn); err != nil {
			return 0, err
		}
	default:
		return 0, err
	}
	_, err = sqlutil.TxStmt(txn, r.upsertReceipt).ExecContext(ctx, pos, roomID, receiptType, userID, eventID, timestamp)
	return
}

func (r *receiptStatements) SelectRoomReceiptsInRange(ctx context.Context, txn *sql.Tx, roomIDs []string, rng types.Range) ([]types.Receipt, error) {
	if rng.Empty() || len(roomIDs) == 0 {
		return nil, nil
	}
	selectSQL := strings.Replace(selectRoomReceipts, "($3)", sqlutil.QueryVariadicOffset(len(roomIDs), 2), 1)
	params := make([]interface{}, 0, len(roomIDs)+2)
	params = append(params, rng.From, rng.To)
	for _, roomID := range roomIDs {
		params = append(params, roomID)
	}
	stmt, err := r.db.PrepareContext(ctx, selectSQL)
	if err != nil {
		return nil, fmt.Errorf("unable to prepare statement: %w", err)
	}
	defer internal.CloseAndLogIfError(ctx, stmt, "SelectRoomReceiptsInRange: stmt.close() failed")
	rows, err := sqlutil.TxStmt(txn, stmt).QueryContext(ctx, params...)
	if err != nil {
		return nil, fmt.Errorf("unable to query room receipts: %w", err)
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRoomReceiptsInRange: rows.close() failed")
	var res []types.Receipt
	for rows.Next() {
		var receipt types.Receipt
		err = rows.Scan(&receipt.Position, &receipt.RoomID, &receipt.Type, &receipt.UserID, &receipt.EventID, &receipt.Timestamp)
		if err != nil {
			return res, fmt.Errorf("unable to scan row to types.Receipt: %w", err)
		}
		res = append(res, receipt)
	}
	return res, rows.Err()
}

func (r *receiptStatements) PurgeReceipts(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, r.purgeReceiptsStmt).ExecContext(ctx, roomID)
	return err
}
