package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisTest returns a client for a test Redis and a cleanup function that
// flushes the database and closes the client.
//
// REDIS_URL selects an existing server. Without it a throwaway
// redis:7-alpine container is started; if Docker is unavailable the test is
// skipped.
func RedisTest(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()
	redisURL := os.Getenv("REDIS_URL")
	terminate := func() {}

	if redisURL == "" {
		ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForListeningPort("6379/tcp"),
			},
			Started: true,
		})
		if err != nil {
			t.Skipf("REDIS_URL not set and no container runtime: %v", err)
		}
		terminate = func() {
			if err := testcontainers.TerminateContainer(ctr); err != nil {
				t.Logf("redistest: terminate container: %v", err)
			}
		}
		endpoint, err := ctr.PortEndpoint(ctx, "6379/tcp", "")
		if err != nil {
			terminate()
			t.Fatalf("redistest: endpoint: %v", err)
		}
		redisURL = fmt.Sprintf("redis://%s/0", endpoint)
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		terminate()
		t.Fatalf("redistest: parse url: %v", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		terminate()
		t.Fatalf("redistest: ping: %v", err)
	}

	cleanup := func() {
		_ = client.FlushDB(ctx).Err()
		_ = client.Close()
		terminate()
	}
	return client, cleanup
}
