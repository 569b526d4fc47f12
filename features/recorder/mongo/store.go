// Package mongo implements the flight recorder's append-only store on a
// MongoDB collection, one document per turn record.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"aide.dev/aide/kernel/recorder"
)

type (
	// Store is the Mongo-backed flight record store. It satisfies
	// recorder.Store and health.Pinger.
	Store struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	// Options configures the store.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection defaults to "turn_records".
		Collection string
		// Timeout bounds each flush. Defaults to 10s.
		Timeout time.Duration
	}
)

const (
	defaultCollection = "turn_records"
	defaultTimeout    = 10 * time.Second
	storeName         = "recorder-mongo"
)

var _ recorder.Store = (*Store)(nil)
var _ health.Pinger = (*Store)(nil)

// New returns a Store backed by the provided MongoDB client and ensures the
// page/time index used by trace queries.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	if opts.Collection == "" {
		opts.Collection = defaultCollection
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(opts.Collection)
	ictx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "page_id", Value: 1},
			{Key: "timestamp", Value: 1},
		},
	}
	if _, err := coll.Indexes().CreateOne(ictx, index); err != nil {
		return nil, err
	}
	return &Store{mongo: opts.Client, coll: coll, timeout: opts.Timeout}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Append implements recorder.Store. Records that fail to serialize are
// skipped individually so one bad record cannot sink a batch.
func (s *Store) Append(ctx context.Context, records []recorder.TurnRecord) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]any, 0, len(records))
	for _, rec := range records {
		if _, err := bson.Marshal(rec); err != nil {
			continue
		}
		docs = append(docs, rec)
	}
	if len(docs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.InsertMany(ctx, docs)
	return err
}
