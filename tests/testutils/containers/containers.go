package containers

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	chContainer "github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fatgrid/warehouse-etl/internal/core/source"
)

const (
	ClickHouseContainerImage = "clickhouse/clickhouse-server:23.3.8.21-alpine"
	ClickHousePort           = "9000/tcp"
)

// ClickHouseContainer wraps a ClickHouse testcontainer
type ClickHouseContainer struct {
	container *chContainer.ClickHouseContainer
}

// StartClickHouseContainer starts a ClickHouse container
func StartClickHouseContainer(ctx context.Context) (*ClickHouseContainer, error) {
	container, err := chContainer.Run(
		ctx,
		ClickHouseContainerImage,
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/").
				WithPort("8123/tcp").
				WithStartupTimeout(60*time.Second)),
		testcontainers.WithReuseByName("testcontainers-clickhouse"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start ClickHouse container %w", err)
	}

	return &ClickHouseContainer{
		container: container,
	}, nil
}

func (c *ClickHouseContainer) GetPort() (string, error) {
	port, err := c.container.MappedPort(context.Background(), nat.Port(ClickHousePort))
	if err != nil {
		return "", fmt.Errorf("failed to get mapped port of ClickHouse container %w", err)
	}
	return port.Port(), nil
}

// SourceConfig returns a source config pointing at the container.
func (c *ClickHouseContainer) SourceConfig() (zero source.Config, _ error) {
	port, err := c.GetPort()
	if err != nil {
		return zero, err
	}
	return source.Config{
		Host:     "localhost",
		Port:     port,
		Database: c.container.DbName,
		User:     c.container.User,
		Password: c.container.Password,
	}, nil
}

// GetConnection returns a raw ClickHouse connection for seeding test data.
func (c *ClickHouseContainer) GetConnection() (zero driver.Conn, _ error) {
	port, err := c.GetPort()
	if err != nil {
		return zero, err
	}

	conn, err := clickhouse.Open(
		&clickhouse.Options{ //nolint:exhaustruct // optional config
			Addr: []string{"localhost:" + port},
			Auth: clickhouse.Auth{
				Database: c.container.DbName,
				Username: c.container.User,
				Password: c.container.Password,
			},
		},
	)
	if err != nil {
		return zero, fmt.Errorf("failed to connect to ClickHouse %w", err)
	}

	return conn, nil
}

// Stop stops the container
func (c *ClickHouseContainer) Stop(ctx context.Context) error {
	reuse := os.Getenv("ETL_REUSE_TESTCONTAINERS")
	if reuse == "true" {
		return nil
	}

	err := c.container.Terminate(ctx)
	if err != nil {
		return fmt.Errorf("failed to stop ClickHouse container %w", err)
	}

	return nil
}
