//go:build integration

package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testServerImage = "nats:2.11.7-alpine"

// TestServer is a JetStream-enabled NATS container with a connected Client
type TestServer struct {
	URL    string
	Client *Client
}

// NewTestServer starts the container and connects to it. Both are torn down
// through t.Cleanup.
func NewTestServer(t testing.TB) *TestServer {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        testServerImage,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          []string{"--js", "--http_port", "8222"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/healthz").WithPort("8222/tcp").WithStartupTimeout(30*time.Second),
			),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start nats container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		t.Fatalf("nats endpoint: %v", err)
	}

	client, err := NewClient(endpoint, WithTimeout(5*time.Second), WithMaxReconnects(0), WithName(t.Name()))
	if err != nil {
		t.Fatalf("nats client: %v", err)
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		t.Fatalf("connect to %s: %v", endpoint, err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	return &TestServer{URL: endpoint, Client: client}
}

// Bucket opens, creating if needed, a KV bucket on the server
func (s *TestServer) Bucket(ctx context.Context, name string, opts ...BucketOption) (*Bucket, error) {
	b, err := s.Client.OpenBucket(ctx, jetstream.KeyValueConfig{Bucket: name}, opts...)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}
	return b, nil
}
