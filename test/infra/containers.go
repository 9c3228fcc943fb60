package infra

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// SharedDSNEnv names a database to reuse instead of starting a container.
const SharedDSNEnv = "BOUNTY_TEST_PG_DSN"

const defaultImage = "postgres:16-alpine"

// PGContainer is a throwaway Postgres. The zero value stands for a database
// owned by someone else and terminates as a no-op.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres runs image (postgres:16-alpine when empty) with the bounty
// credentials and returns the container and its DSN.
func StartPostgres(ctx context.Context, image string) (*PGContainer, string, error) {
	if image == "" {
		image = defaultImage
	}
	c, err := postgres.Run(ctx, image,
		postgres.WithDatabase("bountyflow"),
		postgres.WithUsername("bounty"),
		postgres.WithPassword("bounty"),
	)
	if err != nil {
		return nil, "", fmt.Errorf("start %s: %w", image, err)
	}

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", fmt.Errorf("container dsn: %w", err)
	}
	return &PGContainer{C: c}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
