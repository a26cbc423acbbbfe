// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
)

type FilterOrder int

const (
	FilterOrderNone FilterOrder = iota
	FilterOrderAsc
	FilterOrderDesc
)

// prepareWithFilters returns a prepared statement with the filter
// conditions appended to the query, together with the parameters to
// execute it with. SQLite has no array parameters so every list element
// becomes its own parameter. The caller must close the statement.
func prepareWithFilters(
	ctx context.Context, db *sql.DB, txn *sql.Tx, query string, params []interface{},
	args tables.FilterArgs, limit int, order FilterOrder,
) (*sql.Stmt, []interface{}, error) {
	offset := len(params)
	if count := len(args.Senders); count > 0 {
		query += " AND sender IN " + sqlutil.QueryVariadicOffset(count, offset)
		for _, v := range args.Senders {
			params, offset = append(params, v), offset+1
		}
	}
	if count := len(args.NotSenders); count > 0 {
		query += " AND sender NOT IN " + sqlutil.QueryVariadicOffset(count, offset)
		for _, v := range args.NotSenders {
			params, offset = append(params, v), offset+1
		}
	}
	if len(args.Types) > 0 {
		var clause string
		clause, params, offset = globAny("type", args.Types, params, offset)
		query += " AND " + clause
	}
	if len(args.NotTypes) > 0 {
		var clause string
		clause, params, offset = globAny("type", args.NotTypes, params, offset)
		query += " AND NOT " + clause
	}
	switch order {
	case FilterOrderAsc:
		query += " ORDER BY id ASC"
	case FilterOrderDesc:
		query += " ORDER BY id DESC"
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", offset+1)
		params = append(params, limit)
	}
	var stmt *sql.Stmt
	var err error
	if txn != nil {
		stmt, err = txn.PrepareContext(ctx, query)
	} else {
		stmt, err = db.PrepareContext(ctx, query)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("s.db.Prepare: %w", err)
	}
	return stmt, params, nil
}

// globAny matches the column against any of the patterns. GLOB is used
// because SQLite's LIKE folds ASCII case.
func globAny(column string, patterns []string, params []interface{}, offset int) (string, []interface{}, int) {
	clauses := make([]string, 0, len(patterns))
	for _, p := range patterns {
		clauses = append(clauses, fmt.Sprintf(`%s GLOB $%d`, column, offset+1))
		params, offset = append(params, p), offset+1
	}
	return "(" + strings.Join(clauses, " OR ") + ")", params, offset
}
