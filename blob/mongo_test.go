package blob

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	clientsmongo "github.com/corpusworks/corpus/clients/mongo"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipMongoTests = true
		return
	}

	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}

	if err := testMongoClient.Ping(ctx, nil); err != nil {
		fmt.Printf("Failed to ping MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}
}

func getMongoStore(t *testing.T) *Mongo {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	ctx := context.Background()
	dbName := "corpus_" + strings.ToLower(strings.ReplaceAll(t.Name(), "/", "_"))
	require.NoError(t, testMongoClient.Database(dbName).Drop(ctx))
	client, err := clientsmongo.New(ctx, clientsmongo.Options{
		Client:   testMongoClient,
		Database: dbName,
	})
	require.NoError(t, err)
	s, err := NewMongo(client)
	require.NoError(t, err)
	return s
}

func TestMongoRoundTrip(t *testing.T) {
	s := getMongoStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "tenants/t1/doc.pdf")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "tenants/t1/doc.pdf", []byte("v1")))
	got, err := s.Get(ctx, "tenants/t1/doc.pdf")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	require.NoError(t, s.Put(ctx, "tenants/t1/doc.pdf", []byte("v2")))
	got, err = s.Get(ctx, "tenants/t1/doc.pdf")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}
