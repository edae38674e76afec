// Package mongo implements the low-level MongoDB client used by the ledger
// store.
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

	"goa.design/jobstream/runtime/ledger"
)

type (
	// Client exposes Mongo-backed operations for the job event ledger.
	Client interface {
		health.Pinger

		Append(ctx context.Context, e *ledger.Event) error
		ListSince(ctx context.Context, jobID string, afterSeq int64) ([]*ledger.Event, error)
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
	}

	eventDocument struct {
		ID        string    `bson:"_id"`
		JobID     string    `bson:"job_id"`
		Seq       int64     `bson:"seq"`
		Kind      string    `bson:"kind"`
		Stage     string    `bson:"stage,omitempty"`
		ToolName  string    `bson:"tool_name,omitempty"`
		Summary   string    `bson:"summary,omitempty"`
		Params    []byte    `bson:"params,omitempty"`
		Result    []byte    `bson:"result,omitempty"`
		CreatedAt time.Time `bson:"created_at"`
	}
)

const (
	defaultCollection = "job_events"
	defaultTimeout    = 5 * time.Second
	clientName        = "ledger-mongo"

	// maxAppendAttempts bounds retries when another writer claimed the same
	// sequence number.
	maxAppendAttempts = 8
)

// New returns a Client backed by the provided MongoDB client. It creates the
// unique (job_id, seq) index if needed.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

// Append assigns e.Seq as one past the highest stored sequence number for the
// job and inserts the event. The unique (job_id, seq) index rejects a
// concurrent writer that picked the same number; Append then retries with the
// next one, so sequences stay gapless across processes.
func (c *client) Append(ctx context.Context, e *ledger.Event) error {
	if e == nil {
		return errors.New("event is required")
	}
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.ID == "" {
		return errors.New("event id is required")
	}
	if e.CreatedAt.IsZero() {
		return errors.New("created_at is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		last, err := c.lastSeq(ctx, e.JobID)
		if err != nil {
			return err
		}
		doc := toDocument(e)
		doc.Seq = last + 1
		_, err = c.coll.InsertOne(ctx, doc)
		if err == nil {
			e.Seq = doc.Seq
			return nil
		}
		if !mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return fmt.Errorf("append to job %q: sequence contention after %d attempts", e.JobID, maxAppendAttempts)
}

func (c *client) ListSince(ctx context.Context, jobID string, afterSeq int64) (events []*ledger.Event, err error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"job_id": jobID, "seq": bson.M{"$gt": afterSeq}}
	cur, err := c.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		events = append(events, fromDocument(doc))
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *client) lastSeq(ctx context.Context, jobID string) (last int64, err error) {
	cur, err := c.coll.Find(ctx, bson.M{"job_id": jobID}, options.Find().
		SetSort(bson.D{{Key: "seq", Value: -1}}).
		SetLimit(1).
		SetProjection(bson.M{"seq": 1}),
	)
	if err != nil {
		return 0, fmt.Errorf("load last seq: %w", err)
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	if cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return 0, err
		}
		return doc.Seq, nil
	}
	return 0, cur.Err()
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func toDocument(e *ledger.Event) eventDocument {
	return eventDocument{
		ID:        e.ID,
		JobID:     e.JobID,
		Seq:       e.Seq,
		Kind:      string(e.Kind),
		Stage:     e.Stage,
		ToolName:  e.ToolName,
		Summary:   e.Summary,
		Params:    append([]byte(nil), e.Params...),
		Result:    append([]byte(nil), e.Result...),
		CreatedAt: e.CreatedAt.UTC(),
	}
}

func fromDocument(doc eventDocument) *ledger.Event {
	e := &ledger.Event{
		ID:        doc.ID,
		JobID:     doc.JobID,
		Seq:       doc.Seq,
		Kind:      ledger.Kind(doc.Kind),
		Stage:     doc.Stage,
		ToolName:  doc.ToolName,
		Summary:   doc.Summary,
		CreatedAt: doc.CreatedAt.UTC(),
	}
	if len(doc.Params) > 0 {
		e.Params = append([]byte(nil), doc.Params...)
	}
	if len(doc.Result) > 0 {
		e.Result = append([]byte(nil), doc.Result...)
	}
	return e
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "job_id", Value: 1},
			{Key: "seq", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) Indexes() indexView {
	return c.coll.Indexes()
}
