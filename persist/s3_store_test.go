package persist

import (
	"context"
	"fmt"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"os"
	"strings"
	"testing"
)

const (
	testAccessKey = "minioadmin"
	testSecretKey = "minioadmin"
)

func TestS3Store(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping S3 store test in short mode")
	}

	endpoint := os.Getenv("S3_MINIO_ENDPOINT")
	if endpoint == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)

		ctx := context.Background()
		req := testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     testAccessKey,
				"MINIO_ROOT_PASSWORD": testSecretKey,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		}

		minioContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			t.Skipf("MinIO container unavailable: %v", err)
		}
		defer func() {
			if err := minioContainer.Terminate(ctx); err != nil {
				t.Logf("Warning: Failed to terminate MinIO container: %v", err)
			}
		}()

		mappedPort, err := minioContainer.MappedPort(ctx, "9000")
		require.NoError(t, err)
		endpoint = fmt.Sprintf("http://localhost:%s", mappedPort.Port())
	}

	host, useSSL := parseEndpoint(endpoint)
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		bucket = "test-cardvault-store"
	}

	store, err := NewS3Store(S3Config{
		Endpoint:        host,
		AccessKeyID:     envOr("S3_MINIO_ACCESS_KEY_ID", testAccessKey),
		SecretAccessKey: envOr("S3_MINIO_SECRET_ACCESS_KEY", testSecretKey),
		Bucket:          bucket,
		KeyPrefix:       fmt.Sprintf("test-%d/", os.Getpid()),
		UseSSL:          useSSL,
		Region:          "us-east-1",
	})
	require.NoError(t, err)

	testStoreImplementation(t, store)
}

// parseEndpoint extracts host:port from full URL and determines SSL usage
func parseEndpoint(endpointURL string) (string, bool) {
	useSSL := strings.HasPrefix(endpointURL, "https://")
	endpoint := strings.TrimPrefix(strings.TrimPrefix(endpointURL, "https://"), "http://")
	if idx := strings.Index(endpoint, "/"); idx != -1 {
		endpoint = endpoint[:idx]
	}
	return endpoint, useSSL
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}
