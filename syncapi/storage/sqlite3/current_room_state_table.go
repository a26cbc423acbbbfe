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

const currentRoomStateSchema = `
-- Stores the current room state for every room.
CREATE TABLE IF NOT EXISTS syncapi_current_room_state (
    room_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    type TEXT NOT NULL,
    sender TEXT NOT NULL,
    state_key TEXT NOT NULL,
    event_json TEXT NOT NULL,
    membership TEXT,
    added_at BIGINT NOT NULL,
    UNIQUE (room_id, type, state_key)
);
-- for querying membership states of users
CREATE INDEX IF NOT EXISTS syncapi_membership_idx ON syncapi_current_room_state(type, state_key, membership) WHERE membership IS NOT NULL AND membership != 'leave';
`

const upsertRoomStateSQL = "" +
	"INSERT INTO syncapi_current_room_state (room_id, event_id, type, sender, state_key, event_json, membership, added_at)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)" +
	" ON CONFLICT (room_id, type, state_key)" +
	" DO UPDATE SET event_id = $2, sender = $4, event_json = $6, membership = $7, added_at = $8"

const selectCurrentStateSQL = "" +
	"SELECT added_at, event_json FROM syncapi_current_room_state WHERE room_id = $1"

const selectRoomsForUserSQL = "" +
	"SELECT room_id, membership FROM syncapi_current_room_state" +
	" WHERE type = 'm.room.member' AND state_key = $1"

const selectMembershipChangesSQL = "" +
	"SELECT room_id, membership, event_json, added_at FROM syncapi_current_room_state" +
	" WHERE type = 'm.room.member' AND state_key = $1 AND added_at > $2 AND added_at <= $3" +
	" ORDER BY added_at ASC"

// Users joined to any room $1 is joined to. Queries embedding this must not
// reference any other parameter before it, SQLite numbers named parameters
// in order of first appearance.
const sharedUsersSubquery = "" +
	"SELECT DISTINCT state_key FROM syncapi_current_room_state" +
	" WHERE type = 'm.room.member' AND membership = 'join' AND room_id IN (" +
	"  SELECT room_id FROM syncapi_current_room_state" +
	"  WHERE type = 'm.room.member' AND state_key = $1 AND membership = 'join'" +
	" )"

const selectJoinedUsersSQL = "" +
	"SELECT state_key FROM syncapi_current_room_state" +
	" WHERE room_id = $1 AND type = 'm.room.member' AND membership = 'join'"

type currentRoomStateStatements struct {
	db                          *sql.DB
	upsertRoomStateStmt         *sql.Stmt
	selectRoomsForUserStmt      *sql.Stmt
	selectMembershipChangesStmt *sql.Stmt
	selectSharedUsersStmt       *sql.Stmt
	selectJoinedUsersStmt       *sql.Stmt
}

func NewSqliteCurrentRoomStateTable(db *sql.DB) (tables.CurrentRoomState, error) {
	s := &currentRoomStateStatements{db: db}
	_, err := db.Exec(currentRoomStateSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertRoomStateStmt, upsertRoomStateSQL},
		{&s.selectRoomsForUserStmt, selectRoomsForUserSQL},
		{&s.selectMembershipChangesStmt, selectMembershipChangesSQL},
		{&s.selectSharedUsersStmt, sharedUsersSubquery},
		{&s.selectJoinedUsersStmt, selectJoinedUsersSQL},
	}.Prepare(db)
}

func (s *currentRoomStateStatements) UpsertRoomState(
	ctx context.Context, txn *sql.Tx,
	event *synctypes.ClientEvent, membership *string, pos types.StreamPosition,
) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = sqlutil.TxStmt(txn, s.upsertRoomStateStmt).ExecContext(
		ctx,
		event.RoomID,
		event.EventID,
		event.Type,
		event.Sender,
		*event.StateKey,
		string(eventJSON),
		membership,
		pos,
	)
	return err
}

func (s *currentRoomStateStatements) SelectCurrentState(
	ctx context.Context, txn *sql.Tx, roomID string, filter *synctypes.EventFilter,
) ([]types.StreamEvent, error) {
	stmt, params, err := prepareWithFilters(
		ctx, s.db, txn, selectCurrentStateSQL, []interface{}{roomID},
		tables.NewFilterArgs(filter, tables.GlobPatterns), 0, FilterOrderNone,
	)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, stmt, "SelectCurrentState: stmt.close() failed")
	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectCurrentState: rows.close() failed")

	var result []types.StreamEvent
	for rows.Next() {
		var (
			pos       types.StreamPosition
			eventJSON []byte
			ev        synctypes.ClientEvent
		)
		if err = rows.Scan(&pos, &eventJSON); err != nil {
			return nil, err
		}
		if err = json.Unmarshal(eventJSON, &ev); err != nil {
			return nil, err
		}
		result = append(result, types.StreamEvent{Event: ev, Position: pos})
	}
	return result, rows.Err()
}

func (s *currentRoomStateStatements) SelectRoomsForUser(
	ctx context.Context, txn *sql.Tx, userID string,
) (map[string]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectRoomsForUserStmt).QueryContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRoomsForUser: rows.close() failed")

	result := map[string]string{}
	var roomID, membership string
	for rows.Next() {
		if err = rows.Scan(&roomID, &membership); err != nil {
			return nil, err
		}
		result[roomID] = membership
	}
	return result, rows.Err()
}

func (s *currentRoomStateStatements) SelectMembershipChanges(
	ctx context.Context, txn *sql.Tx, userID string, r types.Range,
) ([]types.MembershipChange, error) {
	if r.Empty() {
		return nil, nil
	}
	rows, err := sqlutil.TxStmt(txn, s.selectMembershipChangesStmt).QueryContext(ctx, userID, r.From, r.To)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectMembershipChanges: rows.close() failed")

	var result []types.MembershipChange
	for rows.Next() {
		var (
			change    types.MembershipChange
			eventJSON []byte
		)
		if err = rows.Scan(&change.RoomID, &change.Membership, &eventJSON, &change.Position); err != nil {
			return nil, err
		}
		if err = json.Unmarshal(eventJSON, &change.Event); err != nil {
			return nil, err
		}
		result = append(result, change)
	}
	return result, rows.Err()
}

func (s *currentRoomStateStatements) SelectSharedUsers(
	ctx context.Context, txn *sql.Tx, userID string,
) ([]string, error) {
	return selectStrings(ctx, sqlutil.TxStmt(txn, s.selectSharedUsersStmt), userID)
}

func (s *currentRoomStateStatements) SelectJoinedUsers(
	ctx context.Context, txn *sql.Tx, roomID string,
) ([]string, error) {
	return selectStrings(ctx, sqlutil.TxStmt(txn, s.selectJoinedUsersStmt), roomID)
}

func selectStrings(ctx context.Context, stmt *sql.Stmt, args ...interface{}) ([]string, error) {
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "selectStrings: rows.close() failed")
	var result []string
	var s string
	for rows.Next() {
		if err = rows.Scan(&s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}
