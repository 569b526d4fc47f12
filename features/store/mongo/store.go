// Package mongo implements assembly.Store on a MongoDB collection. Each page
// document is one collection document keyed by its storage key, carrying the
// raw HTML plus the metadata object stores would keep (content type, cache
// directive).
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"aide.dev/aide/kernel/assembly"
)

type (
	// Store is the Mongo-backed document store. It satisfies assembly.Store
	// and health.Pinger.
	Store struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		name    string
		timeout time.Duration
	}

	// Options configures the store.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection defaults to "pages".
		Collection string
		// Name is the health-check identifier. Defaults to the collection.
		Name string
		// Timeout bounds each operation. Defaults to 5s.
		Timeout time.Duration
	}

	pageDocument struct {
		Key          string    `bson:"_id"`
		Data         []byte    `bson:"data"`
		ContentType  string    `bson:"content_type"`
		CacheControl string    `bson:"cache_control"`
		UpdatedAt    time.Time `bson:"updated_at"`
	}
)

const (
	defaultCollection = "pages"
	defaultTimeout    = 5 * time.Second
)

var _ assembly.Store = (*Store)(nil)
var _ health.Pinger = (*Store)(nil)

// New returns a Store backed by the provided MongoDB client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	if opts.Collection == "" {
		opts.Collection = defaultCollection
	}
	if opts.Name == "" {
		opts.Name = opts.Collection
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Store{
		mongo:   opts.Client,
		coll:    opts.Client.Database(opts.Database).Collection(opts.Collection),
		name:    opts.Name,
		timeout: opts.Timeout,
	}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return s.name }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Get implements assembly.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc pageDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, assembly.ErrNotFound
		}
		return nil, err
	}
	return doc.Data, nil
}

// Put implements assembly.Store.
func (s *Store) Put(ctx context.Context, key string, data []byte, popts assembly.PutOptions) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := pageDocument{
		Key:          key,
		Data:         append([]byte(nil), data...),
		ContentType:  popts.ContentType,
		CacheControl: popts.CacheControl,
		UpdatedAt:    time.Now().UTC(),
	}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true))
	return err
}

// Delete implements assembly.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": key})
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
