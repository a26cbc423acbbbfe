// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

const accountDataSchema = `
CREATE TABLE IF NOT EXISTS syncapi_account_data_type (
    id INTEGER PRIMARY KEY,
    user_id TEXT NOT NULL,
    room_id TEXT NOT NULL,
    type TEXT NOT NULL,
    content TEXT NOT NULL,
    UNIQUE (user_id, room_id, type)
);
`

const insertAccountDataSQL = "" +
	"INSERT INTO syncapi_account_data_type (id, user_id, room_id, type, content) VALUES ($1, $2, $3, $4, $5)" +
	" ON CONFLICT (user_id, room_id, type) DO UPDATE SET id = $1, content = $5"

const selectAccountDataInRangeSQL = "" +
	"SELECT id, room_id, type, content FROM syncapi_account_data_type" +
	" WHERE user_id = $1 AND id > $2 AND id <= $3"

type accountDataStatements struct {
	db                    *sql.DB
	streamIDStatements    *StreamIDStatements
	insertAccountDataStmt *sql.Stmt
}

func NewSqliteAccountDataTable(db *sql.DB, streamID *StreamIDStatements) (tables.AccountData, error) {
	s := &accountDataStatements{
		db:                 db,
		streamIDStatements: streamID,
	}
	_, err := db.Exec(accountDataSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertAccountDataStmt, insertAccountDataSQL},
	}.Prepare(db)
}

func (s *accountDataStatements) UpsertAccountData(
	ctx context.Context, txn *sql.Tx,
	userID, roomID, dataType string, content json.RawMessage,
) (pos types.StreamPosition, err error) {
	pos, err = s.streamIDStatements.nextStreamID(ctx, txn)
	if err != nil {
		return
	}
	_, err = sqlutil.TxStmt(txn, s.insertAccountDataStmt).ExecContext(ctx, pos, userID, roomID, dataType, string(content))
	return
}

func (s *accountDataStatements) SelectAccountDataInRange(
	ctx context.Context, txn *sql.Tx,
	userID string, r types.Range, filter *synctypes.EventFilter,
) ([]types.AccountDataChange, error) {
	if r.Empty() {
		return nil, nil
	}
	args := tables.NewFilterArgs(filter, tables.GlobPatterns)
	// Account data has no sender.
	args.Senders, args.NotSenders = nil, nil
	stmt, params, err := prepareWithFilters(
		ctx, s.db, txn, selectAccountDataInRangeSQL,
		[]interface{}{userID, r.From, r.To},
		args, 0, FilterOrderAsc,
	)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, stmt, "SelectAccountDataInRange: stmt.close() failed")
	rows, err := stmt.QueryContext(ctx, params...)
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
