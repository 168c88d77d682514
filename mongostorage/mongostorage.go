// Package mongostorage provides a cachekit.Storage implementation backed
// by MongoDB, using a version field checked by FindOneAndUpdate for
// compare-and-swap updates.
package mongostorage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cachekit/cachekit"
)

// Config holds the configuration for creating a MongoDB-backed Storage.
type Config struct {
	URI           string
	Database      string
	Collection    string
	KeyPrefix     string
	Timeout       time.Duration
	TTL           time.Duration
	ClientOptions *options.ClientOptions
}

func DefaultConfig() Config {
	return Config{
		Collection: "cachekit",
		KeyPrefix:  "cache:",
		Timeout:    5 * time.Second,
	}
}

// storedEntry is the on-disk document for a cache entry. Version is 0 for
// a document inserted by Update, 1 for one created by Put's upsert, and
// is incremented by every later Put and Update.
type storedEntry struct {
	Key       string    `bson:"_id"`
	Data      []byte    `bson:"data"`
	Version   int64     `bson:"version"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// Storage is a cachekit.Storage implementation over MongoDB.
type Storage struct {
	client     *mongo.Client
	owned      bool
	collection *mongo.Collection
	keyPrefix  string
	timeout    time.Duration
}

func (s *Storage) cacheKey(key string) string {
	return s.keyPrefix + key
}

// New creates a new Storage, connecting to MongoDB and creating a TTL
// index when config.TTL is set.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.URI == "" {
		return nil, fmt.Errorf("MongoDB URI is required")
	}
	if config.Database == "" {
		return nil, fmt.Errorf("database name is required")
	}
	def := DefaultConfig()
	if config.Collection == "" {
		config.Collection = def.Collection
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = def.KeyPrefix
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}

	clientOpts := options.Client().ApplyURI(config.URI)
	if config.ClientOptions != nil {
		clientOpts = config.ClientOptions.ApplyURI(config.URI)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	collection := client.Database(config.Database).Collection(config.Collection)
	s := &Storage{client: client, owned: true, collection: collection, keyPrefix: config.KeyPrefix, timeout: config.Timeout}

	if config.TTL > 0 {
		if err := s.createTTLIndex(ctx, config.TTL); err != nil {
			_ = client.Disconnect(ctx)
			return nil, fmt.Errorf("failed to create TTL index: %w", err)
		}
	}
	return s, nil
}

// NewWithClient builds a Storage over an already-connected client. Close
// on the returned Storage is a no-op; the caller owns the client.
func NewWithClient(client *mongo.Client, database, collection string, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("MongoDB client is required")
	}
	if database == "" {
		return nil, fmt.Errorf("database name is required")
	}
	def := DefaultConfig()
	if collection == "" {
		collection = def.Collection
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = def.KeyPrefix
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	return &Storage{
		collection: client.Database(database).Collection(collection),
		keyPrefix:  config.KeyPrefix,
		timeout:    config.Timeout,
	}, nil
}

func (s *Storage) createTTLIndex(ctx context.Context, ttl time.Duration) error {
	indexModel := mongo.IndexModel{
		Keys: bson.D{{Key: "updatedAt", Value: 1}},
		Options: options.Index().
			SetExpireAfterSeconds(int32(ttl.Seconds())).
			SetName("cachekit_ttl"),
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.collection.Indexes().CreateOne(ctx, indexModel)
	return err
}

// Close disconnects the client, if this Storage owns it.
func (s *Storage) Close(ctx context.Context) error {
	if s.client != nil && s.owned {
		return s.client.Disconnect(ctx)
	}
	return nil
}

func (s *Storage) Get(ctx context.Context, key string) (*cachekit.CacheEntry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc storedEntry
	err := s.collection.FindOne(ctx, bson.M{"_id": s.cacheKey(key)}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, false, nil
		}
		return nil, false, &cachekit.StorageIoError{Op: "get", Key: key, Err: err}
	}
	entry, err := cachekit.UnmarshalEntry(doc.Data)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

func (s *Storage) Put(ctx context.Context, key string, entry *cachekit.CacheEntry) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := cachekit.MarshalEntry(entry)
	if err != nil {
		return err
	}

	opts := options.Update().SetUpsert(true)
	_, err = s.collection.UpdateOne(ctx,
		bson.M{"_id": s.cacheKey(key)},
		bson.M{"$set": bson.M{"data": data, "updatedAt": time.Now()}, "$inc": bson.M{"version": 1}},
		opts,
	)
	if err != nil {
		return &cachekit.StorageIoError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// Update implements the CAS contract with FindOneAndUpdate, matching on
// the version observed in the preceding read. A no-match result (the
// version moved under us) is retried from a fresh read.
func (s *Storage) Update(ctx context.Context, key string, f cachekit.UpdateFunc) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	fullKey := s.cacheKey(key)
	const maxRetries = 20

	for i := 0; i < maxRetries; i++ {
		var doc storedEntry
		err := s.collection.FindOne(ctx, bson.M{"_id": fullKey}).Decode(&doc)

		var current *cachekit.CacheEntry
		exists := true
		switch {
		case err == mongo.ErrNoDocuments:
			exists = false
		case err != nil:
			return &cachekit.StorageIoError{Op: "update/get", Key: key, Err: err}
		default:
			current, err = cachekit.UnmarshalEntry(doc.Data)
			if err != nil {
				return err
			}
		}

		next, ok := f(current)
		if !ok {
			return nil
		}
		encoded, err := cachekit.MarshalEntry(next)
		if err != nil {
			return err
		}

		if !exists {
			_, err := s.collection.InsertOne(ctx, storedEntry{Key: fullKey, Data: encoded, Version: 0, UpdatedAt: time.Now()})
			if mongo.IsDuplicateKeyError(err) {
				continue // someone else inserted first; retry as an update race
			}
			if err != nil {
				return &cachekit.StorageIoError{Op: "update/insert", Key: key, Err: err}
			}
			return nil
		}

		res := s.collection.FindOneAndUpdate(ctx,
			bson.M{"_id": fullKey, "version": doc.Version},
			bson.M{"$set": bson.M{"data": encoded, "updatedAt": time.Now()}, "$inc": bson.M{"version": 1}},
		)
		if err := res.Err(); err != nil {
			if err == mongo.ErrNoDocuments {
				continue // version moved under us; retry
			}
			return &cachekit.StorageIoError{Op: "update/set", Key: key, Err: err}
		}
		return nil
	}
	return &cachekit.StorageIoError{Op: "update", Key: key, Err: fmt.Errorf("exceeded CAS retry limit")}
}

func (s *Storage) Remove(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.collection.DeleteOne(ctx, bson.M{"_id": s.cacheKey(key)})
	if err != nil {
		return &cachekit.StorageIoError{Op: "remove", Key: key, Err: err}
	}
	return nil
}

func (s *Storage) GetMany(ctx context.Context, keys []string) (map[string]*cachekit.CacheEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if len(keys) == 0 {
		return map[string]*cachekit.CacheEntry{}, nil
	}
	prefixed := make([]string, len(keys))
	lookup := make(map[string]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.cacheKey(k)
		lookup[s.cacheKey(k)] = k
	}

	cursor, err := s.collection.Find(ctx, bson.M{"_id": bson.M{"$in": prefixed}})
	if err != nil {
		return nil, &cachekit.StorageIoError{Op: "getMany", Err: err}
	}
	defer cursor.Close(ctx)

	out := make(map[string]*cachekit.CacheEntry, len(keys))
	for cursor.Next(ctx) {
		var doc storedEntry
		if err := cursor.Decode(&doc); err != nil {
			return nil, &cachekit.StorageIoError{Op: "getMany/decode", Err: err}
		}
		entry, err := cachekit.UnmarshalEntry(doc.Data)
		if err != nil {
			continue
		}
		out[lookup[doc.Key]] = entry
	}
	return out, cursor.Err()
}
