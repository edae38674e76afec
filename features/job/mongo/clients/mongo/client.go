// Package mongo implements the low-level MongoDB client used by the job store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/jobstream/runtime/job"
)

type (
	// Client exposes Mongo-backed operations for job records.
	Client interface {
		health.Pinger

		CreateJob(ctx context.Context, j job.Job) error
		LoadJob(ctx context.Context, id string) (job.Job, error)
		UpdateJob(ctx context.Context, id string, u job.Update) (job.Job, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
		now     func() time.Time
	}

	jobDocument struct {
		ID        string     `bson:"_id"`
		Status    job.Status `bson:"status"`
		RepoPath  string     `bson:"repo_path,omitempty"`
		CreatedAt time.Time  `bson:"created_at"`
		UpdatedAt time.Time  `bson:"updated_at"`
	}
)

const (
	defaultCollection = "jobs"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "jobs-mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	return newClientWithCollection(opts.Client, coll, opts.Timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) CreateJob(ctx context.Context, j job.Job) error {
	if j.ID == "" {
		return errors.New("job id is required")
	}
	now := c.now()
	if j.Status == "" {
		j.Status = job.StatusQueued
	}
	if !j.Status.Valid() {
		return fmt.Errorf("create job %q: %w: %q", j.ID, job.ErrInvalidStatus, j.Status)
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.coll.InsertOne(ctx, fromJob(j)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("create job %q: %w", j.ID, job.ErrExists)
		}
		return err
	}
	return nil
}

func (c *client) LoadJob(ctx context.Context, id string) (job.Job, error) {
	if id == "" {
		return job.Job{}, errors.New("job id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc jobDocument
	if err := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return job.Job{}, fmt.Errorf("load job %q: %w", id, job.ErrNotFound)
		}
		return job.Job{}, err
	}
	return doc.toJob(), nil
}

// UpdateJob applies u with a single FindOneAndUpdate so concurrent writers
// never observe a partially applied update.
func (c *client) UpdateJob(ctx context.Context, id string, u job.Update) (job.Job, error) {
	if id == "" {
		return job.Job{}, errors.New("job id is required")
	}
	if err := u.Validate(); err != nil {
		return job.Job{}, fmt.Errorf("update job %q: %w", id, err)
	}
	set := bson.M{"updated_at": c.now()}
	if u.Status != nil {
		set["status"] = *u.Status
	}
	if u.RepoPath != nil {
		set["repo_path"] = *u.RepoPath
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc jobDocument
	err := c.coll.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return job.Job{}, fmt.Errorf("update job %q: %w", id, job.ErrNotFound)
		}
		return job.Job{}, err
	}
	return doc.toJob(), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func fromJob(j job.Job) jobDocument {
	return jobDocument{
		ID:        j.ID,
		Status:    j.Status,
		RepoPath:  j.RepoPath,
		CreatedAt: j.CreatedAt.UTC(),
		UpdatedAt: j.UpdatedAt.UTC(),
	}
}

func (doc jobDocument) toJob() job.Job {
	return job.Job{
		ID:        doc.ID,
		Status:    doc.Status,
		RepoPath:  doc.RepoPath,
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	FindOneAndUpdate(ctx context.Context, filter any, update any, opts ...*options.FindOneAndUpdateOptions) singleResult
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter any, update any, opts ...*options.FindOneAndUpdateOptions) singleResult {
	return c.coll.FindOneAndUpdate(ctx, filter, update, opts...)
}
