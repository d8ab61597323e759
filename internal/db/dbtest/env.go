// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package dbtest

import (
	"database/sql"
	"log"
	"log/slog"
	"os"
	"testing"

	"github.com/cobaltcore-dev/valet/internal/db"
	"github.com/cobaltcore-dev/valet/internal/db/dbtest/containers"
	"github.com/go-gorp/gorp"
	_ "github.com/mattn/go-sqlite3"
)

type DBEnv struct {
	*db.DB
	Close func()
}

// Open a fresh database for a test. By default this is sqlite in a temp
// dir, with POSTGRES_CONTAINER=1 a postgres container is started.
func SetupDBEnv(t *testing.T) DBEnv {
	t.Helper()
	var env DBEnv
	var dbMap *gorp.DbMap
	if os.Getenv("POSTGRES_CONTAINER") == "1" {
		slog.Info("using real postgres container")
		dbURL := containers.StartPostgres(t)
		sqlDB, err := sql.Open("postgres", dbURL.String())
		if err != nil {
			t.Fatal(err)
		}
		dbMap = &gorp.DbMap{Db: sqlDB, Dialect: gorp.PostgresDialect{}}
		env.Close = func() { sqlDB.Close() }
	} else {
		slog.Info("using sqlite")
		sqlDB, err := sql.Open("sqlite3", t.TempDir()+"/test.db")
		if err != nil {
			t.Fatal(err)
		}
		// sqlite does not handle concurrent writers on one file well.
		sqlDB.SetMaxOpenConns(1)
		dbMap = &gorp.DbMap{Db: sqlDB, Dialect: gorp.SqliteDialect{}}
		env.Close = func() { sqlDB.Close() }
	}
	if os.Getenv("GORP_TRACE") == "1" {
		dbMap.TraceOn("[gorp]", log.New(os.Stdout, "valet:", log.Lmicroseconds))
	}
	env.DB = db.New(dbMap, db.NewNoopMonitor())
	return env
}
