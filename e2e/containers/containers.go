// Package containers starts disposable databases for end-to-end tests.
package containers

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	database = "flexql"
	username = "testuser"
	password = "testpass"
)

// Options tune a database container.
type Options struct {
	// Script is run once when the database is created.
	Script string
	// HostPort pins the published port. Empty picks a free one.
	HostPort string
}

// Database is a running database container.
type Database struct {
	Container testcontainers.Container
	// DSN is in "driver://dsn" form.
	DSN string
}

// Terminate stops and removes the container.
func (d *Database) Terminate(ctx context.Context) error {
	if d == nil || d.Container == nil {
		return nil
	}
	return d.Container.Terminate(ctx)
}

// SetupMySQL creates and starts a MySQL container.
func SetupMySQL(ctx context.Context, opts Options) (*Database, error) {
	customizers := []testcontainers.ContainerCustomizer{
		mysql.WithDatabase(database),
		mysql.WithUsername(username),
		mysql.WithPassword(password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("ready for connections").
				WithOccurrence(1).
				WithStartupTimeout(90 * time.Second),
		),
	}
	if opts.Script != "" {
		script, err := filepath.Abs(opts.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to get migration file path: %w", err)
		}
		customizers = append(customizers, mysql.WithScripts(script))
	}
	if opts.HostPort != "" {
		customizers = append(customizers, pinPort("3306/tcp", opts.HostPort))
	}

	c, err := mysql.Run(ctx, "mysql:8.4", customizers...)
	if err != nil {
		return nil, fmt.Errorf("failed to start MySQL container: %w", err)
	}

	hostPort, err := endpoint(ctx, c, "3306")
	if err != nil {
		c.Terminate(ctx)
		return nil, fmt.Errorf("failed to get MySQL endpoint: %w", err)
	}

	dsn := fmt.Sprintf("mysql://%s:%s@tcp(%s)/%s?parseTime=true", username, password, hostPort, database)
	return &Database{Container: c, DSN: dsn}, nil
}

// SetupPostgres creates and starts a PostgreSQL container.
func SetupPostgres(ctx context.Context, opts Options) (*Database, error) {
	customizers := []testcontainers.ContainerCustomizer{
		postgres.WithDatabase(database),
		postgres.WithUsername(username),
		postgres.WithPassword(password),
		// the server restarts once after running init scripts
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90 * time.Second),
		),
	}
	if opts.Script != "" {
		script, err := filepath.Abs(opts.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to get migration file path: %w", err)
		}
		customizers = append(customizers, postgres.WithInitScripts(script))
	}
	if opts.HostPort != "" {
		customizers = append(customizers, pinPort("5432/tcp", opts.HostPort))
	}

	c, err := postgres.Run(ctx, "postgres:17.5", customizers...)
	if err != nil {
		return nil, fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	hostPort, err := endpoint(ctx, c, "5432")
	if err != nil {
		c.Terminate(ctx)
		return nil, fmt.Errorf("failed to get PostgreSQL endpoint: %w", err)
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", username, password, hostPort, database)
	return &Database{Container: c, DSN: dsn}, nil
}

// pinPort publishes a container port on a fixed host port.
func pinPort(port, hostPort string) testcontainers.CustomizeRequestOption {
	return testcontainers.WithHostConfigModifier(func(hostConfig *container.HostConfig) {
		hostConfig.PortBindings = nat.PortMap{
			nat.Port(port): []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPort}},
		}
	})
}

func endpoint(ctx context.Context, c testcontainers.Container, port string) (string, error) {
	mappedPort, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		return "", err
	}
	host, err := c.Host(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", host, mappedPort.Port()), nil
}
