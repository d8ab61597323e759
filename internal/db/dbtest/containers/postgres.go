// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package containers

import (
	"database/sql"
	"net/url"
	"testing"

	_ "github.com/lib/pq"
	"github.com/ory/dockertest"
	"github.com/ory/dockertest/docker"
	"github.com/sapcc/go-bits/easypg"
)

const postgresPassword = "secret"

// Start a throwaway postgres for the test and return its connection URL
// once it accepts connections. The container is purged after the test.
func StartPostgres(t *testing.T) *url.URL {
	t.Helper()
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Fatalf("could not connect to docker: %s", err)
	}
	container, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "17",
		Env:        []string{"POSTGRES_PASSWORD=" + postgresPassword},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		t.Fatalf("could not start postgres: %s", err)
	}
	t.Cleanup(func() {
		if err := pool.Purge(container); err != nil {
			t.Errorf("could not purge postgres: %s", err)
		}
	})
	// Leaked containers of aborted runs go away on their own.
	if err := container.Expire(120); err != nil {
		t.Fatalf("could not set expiration: %s", err)
	}

	dbURL, err := easypg.URLFrom(easypg.URLParts{
		HostName:          "localhost",
		Port:              container.GetPort("5432/tcp"),
		UserName:          "postgres",
		Password:          postgresPassword,
		ConnectionOptions: "sslmode=disable",
		DatabaseName:      "postgres",
	})
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, err := sql.Open("postgres", dbURL.String())
	if err != nil {
		t.Fatalf("could not open postgres: %s", err)
	}
	defer sqlDB.Close()
	if err := pool.Retry(sqlDB.Ping); err != nil {
		t.Fatalf("postgres is not ready in time: %s", err)
	}
	return &dbURL
}
