//go:build integration

package testsupport

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/anbu0809/strata-migrate/internal/config"
	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/secrets"
)

const (
	postgresImage = "postgres:16-alpine"
	mysqlImage    = "mysql:8.0"
)

// Database is a throwaway server in a container. Profile points at it with
// SecretRef set; Secrets resolves that reference.
type Database struct {
	Container testcontainers.Container
	Profile   config.ConnectionProfile
	Secrets   secrets.Static
	Conn      *db.Connector
}

type containerSpec struct {
	dialect  string
	image    string
	port     nat.Port
	env      map[string]string
	waitFor  wait.Strategy
	user     string
	password string
	dbName   string
}

// StartPostgres starts PostgreSQL and returns a connected Database. The
// container is removed when the test ends.
func StartPostgres(ctx context.Context, t *testing.T) *Database {
	t.Helper()
	return start(ctx, t, containerSpec{
		dialect: "postgres",
		image:   postgresImage,
		port:    "5432/tcp",
		env: map[string]string{
			"POSTGRES_DB":       "strata",
			"POSTGRES_USER":     "strata",
			"POSTGRES_PASSWORD": "strata-pg",
		},
		waitFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(90 * time.Second),
		user:     "strata",
		password: "strata-pg",
		dbName:   "strata",
	})
}

// StartMySQL starts MySQL 8 and returns a connected Database.
func StartMySQL(ctx context.Context, t *testing.T) *Database {
	t.Helper()
	return start(ctx, t, containerSpec{
		dialect: "mysql",
		image:   mysqlImage,
		port:    "3306/tcp",
		env: map[string]string{
			"MYSQL_DATABASE":      "strata",
			"MYSQL_USER":          "strata",
			"MYSQL_PASSWORD":      "strata-my",
			"MYSQL_ROOT_PASSWORD": "strata-root",
		},
		waitFor:  wait.ForListeningPort("3306/tcp").WithStartupTimeout(180 * time.Second),
		user:     "strata",
		password: "strata-my",
		dbName:   "strata",
	})
}

func start(ctx context.Context, t *testing.T, spec containerSpec) *Database {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        spec.image,
			ExposedPorts: []string{string(spec.port)},
			Env:          spec.env,
			WaitingFor:   spec.waitFor,
		},
		Started: true,
	})
	require.NoError(t, err, "starting %s container", spec.dialect)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate %s container: %v", spec.dialect, err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, spec.port)
	require.NoError(t, err)
	port, err := strconv.Atoi(mapped.Port())
	require.NoError(t, err)

	ref := "env:STRATA_IT_" + spec.dialect
	profile := config.ConnectionProfile{
		Dialect:     spec.dialect,
		Host:        host,
		Port:        port,
		User:        spec.user,
		DBName:      spec.dbName,
		SSLMode:     "disable",
		SecretRef:   ref,
		UsernameKey: "username",
		PasswordKey: "password",
		PoolSize:    4,
	}
	creds := secrets.Credentials{Username: spec.user, Password: spec.password}

	// MySQL accepts connections a moment after the port opens.
	conn, err := db.Open(ctx, profile, &creds, db.OpenOptions{
		Label:          spec.dialect,
		Retry:          db.RetryPolicy{MaxRetries: 10, Initial: time.Second, MaxInterval: 3 * time.Second},
		ConnectTimeout: 10 * time.Second,
	})
	require.NoError(t, err, "connecting to %s container", spec.dialect)
	t.Cleanup(func() { _ = conn.Close() })
	t.Logf("%s container ready on %s:%d", spec.dialect, host, port)

	return &Database{
		Container: container,
		Profile:   profile,
		Secrets:   secrets.Static{ref: creds},
		Conn:      conn,
	}
}
