// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/setup/config"
)

var skipSanityChecks = false

// Open opens a database specified by its database driver name and a data source name,
// usually consisting of at least a database name and connection information.
func Open(dbProperties *config.DatabaseOptions, writer Writer) (*sql.DB, error) {
	var err error
	var driverName, dsn string
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		driverName = SQLiteDriverName()
		dsn, err = ParseFileURI(dbProperties.ConnectionString)
		if err != nil {
			return nil, fmt.Errorf("ParseFileURI: %w", err)
		}
	case dbProperties.ConnectionString.IsPostgres():
		driverName = "postgres"
		dsn = string(dbProperties.ConnectionString)
	default:
		return nil, fmt.Errorf("invalid database connection string %q", dbProperties.ConnectionString)
	}
	if dsn == "" {
		return nil, fmt.Errorf("no database connections configured")
	}

	logger := logrus.WithFields(logrus.Fields{
		"max_open_conns":    dbProperties.MaxOpenConns(),
		"max_idle_conns":    dbProperties.MaxIdleConns(),
		"conn_max_lifetime": dbProperties.ConnMaxLifetime(),
		"data_source_name":  regexp.MustCompile(`://[^@]*@`).ReplaceAllLiteralString(dsn, "://"),
	})
	logger.Debug("Setting DB connection limits")

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if driverName != SQLiteDriverName() {
		db.SetMaxOpenConns(dbProperties.MaxOpenConns())
		db.SetMaxIdleConns(dbProperties.MaxIdleConns())
		db.SetConnMaxLifetime(dbProperties.ConnMaxLifetime())
	}
	if !skipSanityChecks {
		if err = db.Ping(); err != nil {
			return nil, fmt.Errorf("db.Ping: %w", err)
		}
	}
	return db, nil
}
