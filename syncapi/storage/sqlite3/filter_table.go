// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"

	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
	"github.com/element-hq/syncengine/syncapi/synctypes"
)

const filterSchema = `
-- Stores data about filters
CREATE TABLE IF NOT EXISTS syncapi_filter (
	-- The filter
	filter TEXT NOT NULL,
	-- The ID
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	-- The localpart of the Matrix user ID associated to this filter
	localpart TEXT NOT NULL,

	UNIQUE (id, localpart)
);

CREATE INDEX IF NOT EXISTS syncapi_filter_localpart ON syncapi_filter(localpart);
`

const selectFilterSQL = "" +
	"SELECT filter FROM syncapi_filter WHERE localpart = $1 AND id = $2"

const selectFilterIDByContentSQL = "" +
	"SELECT id FROM syncapi_filter WHERE localpart = $1 AND filter = $2"

const insertFilterSQL = "" +
	"INSERT INTO syncapi_filter (filter, localpart) VALUES ($1, $2)"

type filterStatements struct {
	selectFilterStmt            *sql.Stmt
	selectFilterIDByContentStmt *sql.Stmt
	insertFilterStmt            *sql.Stmt
}

func NewSqliteFilterTable(db *sql.DB) (tables.Filter, error) {
	_, err := db.Exec(filterSchema)
	if err != nil {
		return nil, err
	}
	s := &filterStatements{}
	return s, sqlutil.StatementList{
		{&s.selectFilterStmt, selectFilterSQL},
		{&s.selectFilterIDByContentStmt, selectFilterIDByContentSQL},
		{&s.insertFilterStmt, insertFilterSQL},
	}.Prepare(db)
}

func (s *filterStatements) SelectFilter(
	ctx context.Context, txn *sql.Tx, localpart string, filterID string,
) (*synctypes.Filter, error) {
	id, err := strconv.ParseInt(filterID, 10, 64)
	if err != nil {
		return nil, nil
	}
	var filterData []byte
	err = sqlutil.TxStmt(txn, s.selectFilterStmt).QueryRowContext(ctx, localpart, id).Scan(&filterData)
	if sqlutil.ErrorIsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var filter synctypes.Filter
	if err = json.Unmarshal(filterData, &filter); err != nil {
		return nil, err
	}
	return &filter, nil
}

func (s *filterStatements) InsertFilter(
	ctx context.Context, txn *sql.Tx, filter *synctypes.Filter, localpart string,
) (filterID string, err error) {
	var existingFilterID int64

	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return "", err
	}

	err = sqlutil.TxStmt(txn, s.selectFilterIDByContentStmt).QueryRowContext(ctx,
		localpart, string(filterJSON)).Scan(&existingFilterID)
	switch {
	case err == nil:
		return strconv.FormatInt(existingFilterID, 10), nil
	case !sqlutil.ErrorIsNoRows(err):
		return "", err
	}

	result, err := sqlutil.TxStmt(txn, s.insertFilterStmt).ExecContext(ctx, string(filterJSON), localpart)
	if err != nil {
		return "", err
	}
	rowid, err := result.LastInsertId()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(rowid, 10), nil
}
