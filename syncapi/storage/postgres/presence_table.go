// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

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
	id BIGINT PRIMARY KEY DEFAULT nextval('syncapi_stream_id'),
	-- The Matrix user ID
	user_id TEXT NOT NULL,
	-- The actual presence
	presence TEXT NOT NULL,
	-- The status message
	status_msg TEXT,
	-- The last time an action was received by this user
	last_active_ts BIGINT NOT NULL,
	CONSTRAINT presence_presences_unique UNIQUE (user_id)
);
`

const upsertPresenceSQL = "" +
	"INSERT INTO syncapi_presence AS p" +
	" (user_id, presence, status_msg, last_active_ts)" +
	" VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (user_id)" +
	" DO UPDATE SET id = nextval('syncapi_stream_id')," +
	" presence = $2, status_msg = COALESCE($3, p.status_msg), last_active_ts = $4" +
	" RETURNING id"

// Only presence of users sharing a room with $1 is visible to them.
const selectPresenceInRangeSQL = "" +
	"SELECT id, user_id, presence, status_msg, last_active_ts FROM syncapi_presence" +
	" WHERE id > $2 AND id <= $3 AND user_id IN (" + sharedUsersSubquery + ")" +
	" ORDER BY id ASC"

type presenceStatements struct {
	upsertPresenceStmt        *sql.Stmt
	selectPresenceInRangeStmt *sql.Stmt
}

func NewPostgresPresenceTable(db *sql.DB) (tables.Presence, error) {
	_, err := db.Exec(presenceSchema)
	if err != nil {
		return nil, err
	}
	s := &presenceStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertPresenceStmt, upsertPresenceSQL},
		{&s.selectPresenceInRangeStmt, selectPresenceInRangeSQL},
	}.Prepare(db)
}

// UpsertPresence creates/updates a presence status. A nil status message
// keeps the stored one.
func (p *presenceStatements) UpsertPresence(
	ctx context.Context, txn *sql.Tx,
	userID, presence string, statusMsg *string, lastActiveTS spec.Timestamp,
) (pos types.StreamPosition, err error) {
	err = sqlutil.TxStmt(txn, p.upsertPresenceStmt).QueryRowContext(
		ctx, userID, presence, statusMsg, lastActiveTS,
	).Scan(&pos)
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
