//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	postgresImage = "postgres:16-alpine"
	readyTimeout  = 30 * time.Second
)

func docker(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// startPostgres returns a DSN for a throwaway Postgres. HRQ_TEST_DATABASE_URL
// skips docker and uses an existing server.
func startPostgres(ctx context.Context) (string, func(), error) {
	if dsn := os.Getenv("HRQ_TEST_DATABASE_URL"); dsn != "" {
		return dsn, func() {}, waitReady(ctx, dsn)
	}

	id, err := docker(ctx, "run", "-d", "--rm",
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER=hrq",
		"-e", "POSTGRES_PASSWORD=hrq",
		"-e", "POSTGRES_DB=hrq_test",
		postgresImage,
		"-c", "fsync=off",
	)
	if err != nil {
		return "", nil, err
	}
	stop := func() { _, _ = docker(context.Background(), "rm", "-f", id) }

	// "127.0.0.1:49153"
	hostPort, err := docker(ctx, "port", id, "5432/tcp")
	if err != nil {
		stop()
		return "", nil, err
	}
	hostPort = strings.SplitN(hostPort, "\n", 2)[0]

	dsn := fmt.Sprintf("postgres://hrq:hrq@%s/hrq_test?sslmode=disable", hostPort)
	if err := waitReady(ctx, dsn); err != nil {
		stop()
		return "", nil, err
	}
	return dsn, stop, nil
}

func waitReady(ctx context.Context, dsn string) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	var last error
	for {
		conn, err := pgx.Connect(ctx, dsn)
		if err == nil {
			err = conn.Ping(ctx)
			conn.Close(context.Background())
			if err == nil {
				return nil
			}
		}
		last = err

		select {
		case <-ctx.Done():
			return errors.Join(fmt.Errorf("postgres not ready after %s", readyTimeout), last)
		case <-time.After(300 * time.Millisecond):
		}
	}
}
