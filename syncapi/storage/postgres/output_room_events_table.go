// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/tidwall/gjson"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
	"github.com/element-hq/syncengine/syncapi/synctypes"
	"github.com/element-hq/syncengine/syncapi/types"
)

const outputRoomEventsSchema = `
CREATE SEQUENCE IF NOT EXISTS syncapi_stream_id;

-- Stores output room events received from the roomserver.
CREATE TABLE IF NOT EXISTS syncapi_output_room_events (
  -- An incrementing ID which denotes the position in the log that this event resides at.
  id BIGINT PRIMARY KEY DEFAULT nextval('syncapi_stream_id'),
  -- The event ID for the event
  event_id TEXT NOT NULL CONSTRAINT syncapi_event_id_idx UNIQUE,
  -- The 'room_id' key for the event.
  room_id TEXT NOT NULL,
  -- The event type
  type TEXT NOT NULL,
  -- The event sender
  sender TEXT NOT NULL,
  -- true if the event content contains a url key
  contains_url BOOL NOT NULL,
  -- The JSON for the event.
  event_json TEXT NOT NULL,
  -- The transaction id used to send the event, if any
  transaction_id TEXT,
  -- The device ID the event was sent from, if any
  device_id TEXT
);
CREATE INDEX IF NOT EXISTS syncapi_output_room_events_room_id_idx ON syncapi_output_room_events(room_id, id);
`

const insertEventSQL = "" +
	"INSERT INTO syncapi_output_room_events (" +
	"event_id, room_id, type, sender, contains_url, event_json, transaction_id, device_id" +
	") VALUES ($1, $2, $3, $4, $5, $6, $7, $8) " +
	"ON CONFLICT ON CONSTRAINT syncapi_event_id_idx DO UPDATE SET event_id = EXCLUDED.event_id " +
	"RETURNING id"

// The filter arguments are NULL when the filter places no restriction.
const selectEventsFilterSQL = "" +
	" AND ( $4::text[] IS NULL OR sender = ANY($4) )" +
	" AND ( $5::text[] IS NULL OR NOT(sender = ANY($5)) )" +
	" AND ( $6::text[] IS NULL OR type LIKE ANY($6) )" +
	" AND ( $7::text[] IS NULL OR NOT(type LIKE ANY($7)) )"

const selectEventsSQL = "" +
	"SELECT id, event_json, device_id, transaction_id FROM syncapi_output_room_events" +
	" WHERE room_id = $1 AND id > $2 AND id <= $3" +
	selectEventsFilterSQL +
	" ORDER BY id ASC LIMIT $8"

const selectEventsBackwardsSQL = "" +
	"SELECT id, event_json, device_id, transaction_id FROM syncapi_output_room_events" +
	" WHERE room_id = $1 AND id > $2 AND id <= $3" +
	selectEventsFilterSQL +
	" ORDER BY id DESC LIMIT $8"

const selectEventByIDSQL = "" +
	"SELECT id, event_json, device_id, transaction_id FROM syncapi_output_room_events WHERE event_id = $1"

type outputRoomEventsStatements struct {
	insertEventStmt          *sql.Stmt
	selectEventsStmt         *sql.Stmt
	selectEventsBackwardStmt *sql.Stmt
	selectEventByIDStmt      *sql.Stmt
}

func NewPostgresEventsTable(db *sql.DB) (tables.Events, error) {
	s := &outputRoomEventsStatements{}
	_, err := db.Exec(outputRoomEventsSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertEventStmt, insertEventSQL},
		{&s.selectEventsStmt, selectEventsSQL},
		{&s.selectEventsBackwardStmt, selectEventsBackwardsSQL},
		{&s.selectEventByIDStmt, selectEventByIDSQL},
	}.Prepare(db)
}

// InsertEvent stores an event. Storing an event twice returns the position
// it was first stored at.
func (s *outputRoomEventsStatements) InsertEvent(
	ctx context.Context, txn *sql.Tx, event *synctypes.ClientEvent, txnID *types.TransactionID,
) (pos types.StreamPosition, err error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return 0, err
	}
	var deviceID, transactionID *string
	if txnID != nil {
		deviceID = &txnID.DeviceID
		transactionID = &txnID.TransactionID
	}
	containsURL := gjson.GetBytes(event.Content, "url").Type == gjson.String
	err = sqlutil.TxStmt(txn, s.insertEventStmt).QueryRowContext(
		ctx,
		event.EventID,
		event.RoomID,
		event.Type,
		event.Sender,
		containsURL,
		eventJSON,
		transactionID,
		deviceID,
	).Scan(&pos)
	return
}

func (s *outputRoomEventsStatements) SelectEvents(
	ctx context.Context, txn *sql.Tx, roomID string, r types.Range, filter *synctypes.EventFilter, limit int,
) ([]types.StreamEvent, error) {
	if r.Empty() {
		return nil, nil
	}
	stmt := s.selectEventsStmt
	if r.Backwards {
		stmt = s.selectEventsBackwardStmt
	}
	args := tables.NewFilterArgs(filter, tables.LikePatterns)
	rows, err := sqlutil.TxStmt(txn, stmt).QueryContext(
		ctx, roomID, r.From, r.To,
		pq.StringArray(args.Senders),
		pq.StringArray(args.NotSenders),
		pq.StringArray(args.Types),
		pq.StringArray(args.NotTypes),
		sql.NullInt64{Int64: int64(limit), Valid: limit > 0},
	)
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
			eventID       types.StreamPosition
			eventBytes    []byte
			deviceID      sql.NullString
			transactionID sql.NullString
		)
		if err := rows.Scan(&eventID, &eventBytes, &deviceID, &transactionID); err != nil {
			return nil, err
		}
		var ev synctypes.ClientEvent
		if err := json.Unmarshal(eventBytes, &ev); err != nil {
			return nil, err
		}
		var txnID *types.TransactionID
		if deviceID.Valid && transactionID.Valid {
			txnID = &types.TransactionID{
				DeviceID:      deviceID.String,
				TransactionID: transactionID.String,
			}
		}
		result = append(result, types.StreamEvent{
			Event:         ev,
			Position:      eventID,
			TransactionID: txnID,
		})
	}
	return result, rows.Err()
}
