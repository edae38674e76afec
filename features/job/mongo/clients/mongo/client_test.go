package mongo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/jobstream/runtime/job"
)

func TestCreateLoadUpdate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := mustNewTestClient()
	require.NoError(t, c.CreateJob(ctx, job.Job{ID: "job-1", RepoPath: "/src"}))

	loaded, err := c.LoadJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, loaded.Status)
	assert.Equal(t, "/src", loaded.RepoPath)

	updated, err := c.UpdateJob(ctx, "job-1", job.SetStatus(job.StatusCancelling))
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelling, updated.Status)
	assert.Equal(t, "/src", updated.RepoPath)
	assert.False(t, updated.UpdatedAt.Before(loaded.UpdatedAt))
}

func TestCreateDuplicate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := mustNewTestClient()
	require.NoError(t, c.CreateJob(ctx, job.Job{ID: "job-1"}))
	require.ErrorIs(t, c.CreateJob(ctx, job.Job{ID: "job-1"}), job.ErrExists)
}

func TestMissingJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := mustNewTestClient()
	_, err := c.LoadJob(ctx, "missing")
	require.ErrorIs(t, err, job.ErrNotFound)
	_, err = c.UpdateJob(ctx, "missing", job.SetStatus(job.StatusSucceeded))
	require.ErrorIs(t, err, job.ErrNotFound)
}

func TestValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := mustNewTestClient()
	require.EqualError(t, c.CreateJob(ctx, job.Job{}), "job id is required")
	_, err := c.LoadJob(ctx, "")
	require.EqualError(t, err, "job id is required")
	_, err = c.UpdateJob(ctx, "", job.Update{})
	require.EqualError(t, err, "job id is required")
	require.ErrorIs(t, c.CreateJob(ctx, job.Job{ID: "job-1", Status: "paused"}), job.ErrInvalidStatus)
	_, err = c.UpdateJob(ctx, "job-1", job.SetStatus("paused"))
	require.ErrorIs(t, err, job.ErrInvalidStatus)
	_, err = New(Options{})
	require.Error(t, err)
}

func mustNewTestClient() *client {
	cl, err := newClientWithCollection(nil, newFakeCollection(), time.Second)
	if err != nil {
		panic(err)
	}
	return cl
}

type fakeCollection struct {
	mu   sync.Mutex
	docs map[string]jobDocument
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]jobDocument)}
}

func (c *fakeCollection) InsertOne(_ context.Context, document any, _ ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := document.(jobDocument)
	if _, ok := c.docs[doc.ID]; ok {
		return nil, mongodriver.WriteException{WriteErrors: []mongodriver.WriteError{{Code: 11000}}}
	}
	c.docs[doc.ID] = doc
	return &mongodriver.InsertOneResult{InsertedID: doc.ID}, nil
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, _ ...*options.FindOneOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[filter.(bson.M)["_id"].(string)]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeSingleResult{doc: &doc}
}

func (c *fakeCollection) FindOneAndUpdate(_ context.Context, filter any, update any, _ ...*options.FindOneAndUpdateOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["_id"].(string)
	doc, ok := c.docs[id]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	set := update.(bson.M)["$set"].(bson.M)
	if s, ok := set["status"].(job.Status); ok {
		doc.Status = s
	}
	if p, ok := set["repo_path"].(string); ok {
		doc.RepoPath = p
	}
	if ts, ok := set["updated_at"].(time.Time); ok {
		doc.UpdatedAt = ts
	}
	c.docs[id] = doc
	return fakeSingleResult{doc: &doc}
}

type fakeSingleResult struct {
	doc *jobDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	target, ok := val.(*jobDocument)
	if !ok {
		return errors.New("unsupported target")
	}
	*target = *r.doc
	return nil
}
