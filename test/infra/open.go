package infra

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoDatabase means neither a DSN, Docker nor a local Postgres is available.
var ErrNoDatabase = errors.New("infra: no database available")

// Database is a migrated pool plus whatever must be torn down after the run.
type Database struct {
	Pool      *pgxpool.Pool
	container *PGContainer
	teardown  func(context.Context) error
}

// Open finds a database in order: overrideDSN, BOUNTY_TEST_PG_DSN, a Docker
// container, a local Postgres. Shared databases get an isolated schema.
func Open(ctx context.Context, overrideDSN string) (*Database, error) {
	var (
		container = &PGContainer{}
		dsn       string
		shared    bool
		err       error
	)
	switch {
	case overrideDSN != "":
		dsn, shared = overrideDSN, true
	case os.Getenv(SharedDSNEnv) != "":
		dsn, shared = os.Getenv(SharedDSNEnv), true
	case dockerAvailable(ctx):
		container, dsn, err = StartPostgres(ctx, "")
		if err != nil {
			return nil, err
		}
	default:
		dsn, err = InitLocalDatabase(ctx)
		if err != nil {
			return nil, errors.Join(ErrNoDatabase, err)
		}
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		_ = container.Terminate(context.Background())
		return nil, err
	}
	return &Database{Pool: pool, container: container, teardown: teardown}, nil
}

// Close releases the pool, then drops the isolated schema or stops the container.
func (d *Database) Close(ctx context.Context) error {
	d.Pool.Close()
	err := d.teardown(ctx)
	return errors.Join(err, d.container.Terminate(ctx))
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
