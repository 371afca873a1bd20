package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// counterDoc is the persisted shape of the visitor record.
type counterDoc struct {
	ID          string    `bson:"_id"`
	Count       int64     `bson:"count"`
	LastUpdated time.Time `bson:"lastUpdated"`
}

// MongoStore implements Store with one document for the record and one for
// the marker, both in the same collection. Increments use $inc/$max in a
// single findAndModify, which MongoDB applies atomically per document.
type MongoStore struct {
	client   *mongo.Client
	coll     *mongo.Collection
	docID    string
	markerID string
}

// NewMongoStore connects to uri and verifies connectivity.
func NewMongoStore(uri, database, collection, key string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	return NewMongoStoreWithCollection(client.Database(database).Collection(collection), key), nil
}

// NewMongoStoreWithCollection wraps an existing collection. The store
// disconnects the collection's client on Close.
func NewMongoStoreWithCollection(coll *mongo.Collection, key string) *MongoStore {
	return &MongoStore{
		client:   coll.Database().Client(),
		coll:     coll,
		docID:    key,
		markerID: key + markerSuffix,
	}
}

// Name returns "mongo".
func (m *MongoStore) Name() string { return "mongo" }

// Load returns the record document, or ErrNotFound.
func (m *MongoStore) Load(ctx context.Context) (Record, error) {
	var doc counterDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": m.docID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: mongo find %s: %w", ErrUnavailable, m.docID, err)
	}
	return doc.record(), nil
}

// Initialized reports whether the marker document exists.
func (m *MongoStore) Initialized(ctx context.Context) (bool, error) {
	n, err := m.coll.CountDocuments(ctx, bson.M{"_id": m.markerID})
	if err != nil {
		return false, fmt.Errorf("%w: mongo count %s: %w", ErrUnavailable, m.markerID, err)
	}
	return n > 0, nil
}

// Seed creates the record with $setOnInsert so a concurrent seeder can never
// overwrite a record another instance has already created or incremented.
func (m *MongoStore) Seed(ctx context.Context, rec Record) (Record, bool, error) {
	marked, err := m.Initialized(ctx)
	if err != nil {
		return Record{}, false, err
	}
	if marked {
		existing, err := m.Load(ctx)
		if errors.Is(err, ErrNotFound) {
			return Record{}, false, ErrMarkerWithoutRecord
		}
		return existing, false, err
	}

	res, err := m.coll.UpdateOne(ctx,
		bson.M{"_id": m.docID},
		bson.M{"$setOnInsert": bson.M{"count": rec.Count, "lastUpdated": rec.LastUpdated}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: mongo seed %s: %w", ErrUnavailable, m.docID, err)
	}

	_, err = m.coll.UpdateOne(ctx,
		bson.M{"_id": m.markerID},
		bson.M{"$setOnInsert": bson.M{"initializedAt": rec.LastUpdated}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: mongo mark %s: %w", ErrUnavailable, m.markerID, err)
	}

	current, err := m.Load(ctx)
	if err != nil {
		return Record{}, false, err
	}
	return current, res.UpsertedCount == 1, nil
}

// Increment applies $inc to the count and $max to lastUpdated in one
// findAndModify and returns the updated record.
func (m *MongoStore) Increment(ctx context.Context, delta int64, now time.Time) (Record, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc counterDoc
	err := m.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": m.docID},
		bson.M{
			"$inc": bson.M{"count": delta},
			"$max": bson.M{"lastUpdated": now},
		},
		opts,
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: mongo increment %s: %w", ErrUnavailable, m.docID, err)
	}
	return doc.record(), nil
}

// Ping checks the connection to the deployment.
func (m *MongoStore) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: mongo ping: %w", ErrUnavailable, err)
	}
	return nil
}

// Close disconnects the client.
func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (d counterDoc) record() Record {
	return Record{Count: d.Count, LastUpdated: d.LastUpdated.UTC()}
}
