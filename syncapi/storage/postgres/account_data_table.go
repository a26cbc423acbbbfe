// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

const accountDataSchema = `
CREATE TABLE IF NOT EXISTS syncapi_account_data_type (
    -- An incrementing ID which denotes the position in the log that this event resides at.
    id BIGINT PRIMARY KEY DEFAULT nextval('syncapi_stream_id'),
    -- ID of the user the data belongs to
    user_id TEXT NOT NULL,
    -- ID of the room the data is related to (empty string if not related to a specific room)
    room_id TEXT NOT NULL,
    -- Type of the data
    type TEXT NOT NULL,
    -- The data itself
    content TEXT NOT NULL,

    -- We don't want two entries of the same type for the same user
    CONSTRAINT syncapi_account_data_unique UNIQUE (user_id, room_id, type)
);

CREATE UNIQUE INDEX IF NOT EXISTS syncapi_account_data_id_idx ON syncapi_account_data_type(id, type);
`

const insertAccountDataSQL = "" +
	"INSERT INTO syncapi_account_data_type (user_id, room_id, type, content) VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT ON CONSTRAINT syncapi_account_data_unique" +
	" DO UPDATE SET id = nextval('syncapi_stream_id'), content = EXCLUDED.content" +
	" RETURNING id"

// The type pushdown is a LIKE over patterns, matching the event filter.
const selectAccountDataInRangeSQL = "" +
	"SELECT id, room_id, type, content FROM syncapi_account_data_type" +
	" WHERE user_id = $1 AND id > $2 AND id <= $3" +
	" AND ( $4::text[] IS NULL OR type LIKE ANY($4) )" +
	" AND ( $5::text[] IS NULL OR NOT(type LIKE ANY($5)) )" +
	" ORDER BY id ASC"

type accountDataStatements struct {
	insertAccountDataStmt        *sql.Stmt
	selectAccountDataInRangeStmt *sql.Stmt
}

func NewPostgresAccountDataTable(db *sql.DB) (tables.AccountData, error) {
	s := &accountDataStatements{}
	_, err := db.Exec(accountDataSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertAccountDataStmt, insertAccountDataSQL},
		{&s.selectAccountDataInRangeStmt, selectAccountDataInRangeSQL},
	}.Prepare(db)
}

func (s *accountDataStatements) UpsertAccountData(
	ctx context.Context, txn *sql.Tx,
	userID, roomID, dataType string, content json.RawMessage,
) (pos types.StreamPosition, err error) {
	err = sqlutil.TxStmt(txn, s.insertAccountDataStmt).QueryRowContext(
		ctx, userID, roomID, dataType, string(content),
	).Scan(&pos)
	return
}

func (s *accountDataStatements) SelectAccountDataInRange(
	ctx context.Context, txn *sql.Tx,
	userID string, r types.Range, filter *synctypes.EventFilter,
) ([]types.AccountDataChange, error) {
	if r.Empty() {
		return nil, nil
	}
	args := tables.NewFilterArgs(filter, tables.LikePatterns)
	rows, err := sqlutil.TxStmt(txn, s.selectAccountDataInRangeStmt).QueryContext(
		ctx, userID, r.From, r.To,
		pq.StringArray(args.Types),
		pq.StringArray(args.NotTypes),
	)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectAccountDataInRange: rows.close() failed")

	var changes []types.AccountDataChange
	for rows.Next() {
		var (
			change  types.AccountDataChange
			content string
		)
		if err = rows.Scan(&change.Position, &change.RoomID, &change.Type, &content); err != nil {
			return nil, err
		}
		change.Content = json.RawMessage(content)
		changes = append(changes, change)
	}
	return changes, rows.Err()
}
