// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
	"github.com/element-hq/syncengine/syncapi/types"
)

// Every table draws its IDs from this sequence, which makes the IDs
// positions in one global sync stream.
const streamIDSchema = `
CREATE SEQUENCE IF NOT EXISTS syncapi_stream_id;
`

const selectMaxStreamIDSQL = "" +
	"SELECT CASE WHEN is_called THEN last_value ELSE 0 END FROM syncapi_stream_id"

type streamIDStatements struct {
	selectMaxStreamIDStmt *sql.Stmt
}

func NewPostgresStreamIDTable(db *sql.DB) (tables.StreamID, error) {
	_, err := db.Exec(streamIDSchema)
	if err != nil {
		return nil, err
	}
	s := &streamIDStatements{}
	return s, sqlutil.StatementList{
		{&s.selectMaxStreamIDStmt, selectMaxStreamIDSQL},
	}.Prepare(db)
}

func (s *streamIDStatements) SelectMaxStreamID(ctx context.Context, txn *sql.Tx) (pos types.StreamPosition, err error) {
	err = sqlutil.TxStmt(txn, s.selectMaxStreamIDStmt).QueryRowContext(ctx).Scan(&pos)
	return
}
