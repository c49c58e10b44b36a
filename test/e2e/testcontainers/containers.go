// Package testcontainers starts the backing services the gateway e2e
// suites run against: redis for the queue, PostgreSQL for device
// registrations and RabbitMQ for alarm fan-out. Each starter blocks
// until the service accepts connections and returns the container
// together with a ready-to-use address.
package testcontainers

import (
	"context"
	"fmt"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
)

// mappedHostPort resolves the host-side endpoint of an exposed container
// port, terminating the container on failure so a broken startup never
// leaks it.
func mappedHostPort(ctx context.Context, container testcontainers.Container, port string) (string, string, error) {
	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return "", "", fmt.Errorf("failed to get container host: %w", err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		_ = container.Terminate(ctx)
		return "", "", fmt.Errorf("failed to get container port: %w", err)
	}
	return host, mapped.Port(), nil
}
