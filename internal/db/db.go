// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cobaltcore-dev/valet/internal/conf"
	"github.com/go-gorp/gorp"
	_ "github.com/lib/pq"
	"github.com/sapcc/go-bits/easypg"
)

// Wrapper around gorp.DbMap that adds some convenience functions.
type DB struct {
	*gorp.DbMap
	monitor Monitor
}

// A model that is stored in its own table.
type Table interface {
	TableName() string
}

// Wrap an already opened gorp database, e.g. sqlite in tests.
func New(dbMap *gorp.DbMap, monitor Monitor) *DB {
	return &DB{DbMap: dbMap, monitor: monitor}
}

// Create a new postgres database and wait until it is connected.
func NewPostgresDB(ctx context.Context, c conf.DBConfig, monitor Monitor) (*DB, error) {
	dbURL, err := easypg.URLFrom(easypg.URLParts{
		HostName:          c.Host,
		Port:              strconv.Itoa(c.Port),
		UserName:          c.User,
		Password:          c.Password,
		ConnectionOptions: "sslmode=disable",
		DatabaseName:      c.Database,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("connecting to database", "host", c.Host, "database", c.Database)
	sqlDB, err := sql.Open("postgres", dbURL.String())
	if err != nil {
		return nil, err
	}
	// If the wait time exceeds 10 seconds, we give up.
	maxRetries := 10
	for i := range maxRetries {
		monitor.connectionAttempts.Inc()
		err = sqlDB.PingContext(ctx)
		if err == nil {
			break
		}
		if i == maxRetries-1 {
			return nil, fmt.Errorf("giving up connecting to database: %w", err)
		}
		slog.Error("failed to connect to database, retrying...", "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	sqlDB.SetMaxOpenConns(c.MaxOpenConns)
	dbMap := &gorp.DbMap{Db: sqlDB, Dialect: gorp.PostgresDialect{}}
	slog.Info("database is ready")
	return &DB{DbMap: dbMap, monitor: monitor}, nil
}

// Adds a Model table to the database.
func (d *DB) AddTable(t Table, keys ...string) *gorp.TableMap {
	slog.Debug("adding table", "table", t.TableName())
	return d.AddTableWithName(t, t.TableName()).SetKeys(false, keys...)
}

// Adds missing functionality to gorp.DbMap which creates the given tables.
func (d *DB) CreateTable(tables ...*gorp.TableMap) error {
	tx, err := d.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, t := range tables {
		slog.Info("creating table", "table", t.TableName)
		sql := t.SqlForCreate(true) // true means to add IF NOT EXISTS
		if _, err := tx.Exec(sql); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Error("failed to rollback table creation", "error", rbErr)
			}
			return fmt.Errorf("failed to create table %s: %w", t.TableName, err)
		}
	}
	return tx.Commit()
}

// Select rows and observe the duration of the query.
func (d *DB) Select(i any, query string, args ...any) ([]any, error) {
	if d.monitor.selectTimer != nil {
		timer := d.monitor.selectTimer.WithLabelValues(QueryLabel(query))
		start := time.Now()
		defer func() { timer.Observe(time.Since(start).Seconds()) }()
	}
	return d.DbMap.Select(i, query, args...)
}

// Convenience function to close the database connection.
func (d *DB) Close() {
	if err := d.DbMap.Db.Close(); err != nil {
		slog.Error("failed to close database connection", "error", err)
	}
}

// Database or transaction that supports update and insert methods.
type upsertable interface {
	Update(list ...any) (int64, error)
	Insert(list ...any) error
}

// Upsert a model into the database (Update if it exists, otherwise Insert).
func Upsert(u upsertable, model any) error {
	n, err := u.Update(model)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return u.Insert(model)
}

// Use the target table of a query as its metric label.
func QueryLabel(query string) string {
	fields := strings.Fields(strings.ToLower(query))
	for i, f := range fields {
		if f == "from" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return "unknown"
}
