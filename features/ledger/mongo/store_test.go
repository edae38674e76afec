package mongo

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	clientsmongo "goa.design/jobstream/features/ledger/mongo/clients/mongo"
	"goa.design/jobstream/runtime/job"
	jobinmem "goa.design/jobstream/runtime/job/inmem"
	"goa.design/jobstream/runtime/ledger"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func TestMain(m *testing.M) {
	code := m.Run()
	if testMongoContainer != nil {
		_ = testMongoContainer.Terminate(context.Background())
	}
	os.Exit(code)
}

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
		skipMongoTests = true
		return
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		skipMongoTests = true
		return
	}
	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		skipMongoTests = true
		return
	}
	if err := testMongoClient.Ping(ctx, nil); err != nil {
		skipMongoTests = true
	}
}

var setupOnce sync.Once

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping MongoDB integration test in short mode")
	}
	setupOnce.Do(setupMongoDB)
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	db := testMongoClient.Database("jobstream_test")
	require.NoError(t, db.Collection(t.Name()).Drop(context.Background()))
	client, err := clientsmongo.New(clientsmongo.Options{
		Client:     testMongoClient,
		Database:   "jobstream_test",
		Collection: t.Name(),
	})
	require.NoError(t, err)
	store, err := NewStore(client)
	require.NoError(t, err)
	return store
}

func TestNewStoreRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewStore(nil)
	require.Error(t, err)
}

func TestMongoLedgerConcurrentWriters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	jobs := jobinmem.New()
	require.NoError(t, jobs.Create(ctx, job.Job{ID: "job-1"}))

	// Two ledgers over the same collection model two processes.
	writers := []*ledger.Ledger{ledger.New(store, jobs), ledger.New(store, jobs)}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(l *ledger.Ledger) {
			defer wg.Done()
			_, err := l.Append(ctx, "job-1", ledger.Draft{Kind: ledger.KindLog, Params: []byte(`{"n":1}`)})
			assert.NoError(t, err)
		}(writers[i%2])
	}
	wg.Wait()

	events, err := store.ListSince(ctx, "job-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 40)
	for i, e := range events {
		require.Equal(t, int64(i+1), e.Seq)
		assert.JSONEq(t, `{"n":1}`, string(e.Params))
		assert.WithinDuration(t, time.Now(), e.CreatedAt, time.Minute)
	}

	tail, err := store.ListSince(ctx, "job-1", 38)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(39), tail[0].Seq)
}
