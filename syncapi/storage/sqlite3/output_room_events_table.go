// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

const outputRoomEventsSchema = `
-- Stores output room events received from the roomserver.
CREATE TABLE IF NOT EXISTS syncapi_output_room_events (
  id INTEGER PRIMARY KEY,
  event_id TEXT NOT NULL UNIQUE,
  room_id TEXT NOT NULL,
  type TEXT NOT NULL,
  sender TEXT NOT NULL,
  contains_url BOOL NOT NULL,
  event_json TEXT NOT NULL,
  transaction_id TEXT,
  device_id TEXT
);
CREATE INDEX IF NOT EXISTS syncapi_output_room_events_room_id_idx ON syncapi_output_room_events(room_id, id);
`

const insertEventSQL = "" +
	"INSERT INTO syncapi_output_room_events (" +
	"id, event_id, room_id, type, sender, contains_url, event_json, transaction_id, device_id" +
	") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)"

const selectEventsSQL = "" +
	"SELECT id, event_json, device_id, transaction_id FROM syncapi_output_room_events" +
	" WHERE room_id = $1 AND id > $2 AND id <= $3"

const selectEventByIDSQL = "" +
	"SELECT id, event_json, device_id, transaction_id FROM syncapi_output_room_events WHERE event_id = $1"

type outputRoomEventsStatements struct {
	db                  *sql.DB
	streamIDStatements  *StreamIDStatements
	insertEventStmt     *sql.Stmt
	selectEventByIDStmt *sql.Stmt
}

func NewSqliteEventsTable(db *sql.DB, streamID *StreamIDStatements) (tables.Events, error) {
	s := &outputRoomEventsStatements{
		db:                 db,
		streamIDStatements: streamID,
	}
	_, err := db.Exec(outputRoomEventsSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertEventStmt, insertEventSQL},
		{&s.selectEventByIDStmt, selectEventByIDSQL},
	}.Prepare(db)
}

// InsertEvent stores an event. Storing an event twice returns the position
// it was first stored at.
func (s *outputRoomEventsStatements) InsertEvent(
	ctx context.Context, txn *sql.Tx, event *synctypes.ClientEvent, txnID *types.TransactionID,
) (types.StreamPosition, error) {
	existing, err := s.SelectEventByID(ctx, txn, event.EventID)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return existing.Position, nil
	}
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return 0, err
	}
	var deviceID, transactionID *string
	if txnID != nil {
		deviceID = &txnID.DeviceID
		transactionID = &txnID.TransactionID
	}
	pos, err := s.streamIDStatements.nextStreamID(ctx, txn)
	if err != nil {
		return 0, err
	}
	containsURL := gjson.GetBytes(event.Content, "url").Type == gjson.String
	_, err = sqlutil.TxStmt(txn, s.insertEventStmt).ExecContext(
		ctx,
		pos,
		event.EventID,
		event.RoomID,
		event.Type,
		event.Sender,
		containsURL,
		string(eventJSON),
		transactionID,
		deviceID,
	)
	return pos, err
}

func (s *outputRoomEventsStatements) SelectEvents(
	ctx context.Context, txn *sql.Tx, roomID string, r types.Range, filter *synctypes.EventFilter, limit int,
) ([]types.StreamEvent, error) {
	if r.Empty() {
		return nil, nil
	}
	order := FilterOrderAsc
	if r.Backwards {
		order = FilterOrderDesc
	}
	stmt, params, err := prepareWithFilters(
		ctx, s.db, txn, selectEventsSQL,
		[]interface{}{roomID, r.From, r.To},
		tables.NewFilterArgs(filter, tables.GlobPatterns), limit, order,
	)
	if err != nil {
		return nil, fmt.Errorf("s.prepareWithFilters: %w", err)
	}
	defer internal.CloseAndLogIfError(ctx, stmt, "SelectEvents: stmt.close() failed")

	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return nil, fmt.Errorf("unable to query room events: %w", err)
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectEvents: rows.close() failed")
	return rowsToStreamEvents(rows)
}

func (s *outputRoomEventsStatements) SelectEventByID(
	ctx context.Context, txn *sql.Tx, eventID string,
) (*types.StreamEvent, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectEventByIDStmt).QueryContext(ctx, eventID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectEventByID: rows.close() failed")
	events, err := rowsToStreamEvents(rows)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}

func rowsToStreamEvents(rows *sql.Rows) ([]types.StreamEvent, error) {
	var result []types.StreamEvent
	for rows.Next() {
		var (
			pos           types.StreamPosition
			eventBytes    []byte
			deviceID      sql.NullString
			transactionID sql.NullString
			ev            synctypes.ClientEvent
			txnID         *types.TransactionID
		)
		if err := rows.Scan(&pos, &eventBytes, &deviceID, &transactionID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(eventBytes, &ev); err != nil {
			return nil, err
		}
		if deviceID.Valid && transactionID.Valid {
			txnID = &types.TransactionID{
				DeviceID:      deviceID.String,
				TransactionID: transactionID.String,
			}
		}
		result = append(result, types.StreamEvent{
			Event:         ev,
			Position:      pos,
			TransactionID: txnID,
		})
	}
	return result, rows.Err()
}
