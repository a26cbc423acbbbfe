// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
	"github.com/element-hq/syncengine/syncapi/types"
)

const presenceSchema = `
-- Stores data about presence
CREATE TABLE IF NOT EXISTS syncapi_presence (
	-- The ID
	id INTEGER PRIMARY KEY,
	-- The Matrix user ID
	user_id TEXT NOT NULL,
	-- The actual presence
	presence TEXT NOT NULL,
	-- The status message
	status_msg TEXT,
	-- The last time an action was received by this user
	last_active_ts BIGINT NOT NULL,
	UNIQUE (user_id)
);
`

const upsertPresenceSQL = "" +
	"INSERT INTO syncapi_presence AS p" +
	" (id, user_id, presence, status_msg, last_active_ts)" +
	" VALUES ($1, $2, $3, $4, $5)" +
	" ON CONFLICT (user_id)" +
	" DO UPDATE SET id = $1," +
	" presence = $3, status_msg = COALESCE($4, p.status_msg), last_active_ts = $5"

const selectPresenceInRangeSQL = "" +
	"SELECT id, user_id, presence, status_msg, last_active_ts FROM syncapi_presence" +
	" WHERE user_id IN (" + sharedUsersSubquery + ") AND id > $2 AND id <= $3" +
	" ORDER BY id ASC"

type presenceStatements struct {
	streamIDStatements        *StreamIDStatements
	upsertPresenceStmt        *sql.Stmt
	selectPresenceInRangeStmt *sql.Stmt
}

func NewSqlitePresenceTable(db *sql.DB, streamID *StreamIDStatements) (tables.Presence, error) {
	_, err := db.Exec(presenceSchema)
	if err != nil {
		return nil, err
	}
	s := &presenceStatements{
		streamIDStatements: streamID,
	}
	return s, sqlutil.StatementList{
		{&s.upsertPresenceStmt, upsertPresenceSQL},
		{&s.selectPresenceInRangeStmt, selectPresenceInRangeSQL},
	}.Prepare(db)
}

func (p *presenceStatements) UpsertPresence(
	ctx context.Context, txn *sql.Tx,
	userID, presence string, statusMsg *string, lastActiveTS spec.Timestamp,
) (pos types.StreamPosition, err error) {
	pos, err = p.streamIDStatements.nextStreamID(ctx, txn)
	if err != nil {
		return
	}
	_, err = sqlutil.TxStmt(txn, p.upsertPresenceStmt).ExecContext(
		ctx, pos, userID, presence, statusMsg, lastActiveTS,
	)
	return
}

func (p *presenceStatements) SelectPresenceInRange(
	ctx context.Context, txn *sql.Tx, userID string, r types.Range,
) ([]types.PresenceChange, error) {
	if r.Empty() {
		return nil, nil
	}
	rows, err := sqlutil.TxStmt(txn, p.selectPresenceInRangeStmt).QueryContext(ctx, userID, r.From, r.To)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectPresenceInRange: rows.close() failed")
	var result []types.PresenceChange
	for rows.Next() {
		var change types.PresenceChange
		if err = rows.Scan(&change.Position, &change.UserID, &change.Presence, &change.StatusMsg, &change.LastActiveTS); err != nil {
			return nil, err
		}
		result = append(result, change)
	}
	return result, rows.Err()
}
