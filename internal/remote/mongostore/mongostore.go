// Package mongostore is a remote.Store backed by MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nhle/fieldsync/internal/remote"
)

// insertedAtField orders query results by insertion. ObjectIDs generated
// by one process increase monotonically.
const insertedAtField = "_ts"

// Store implements remote.Store on a MongoDB database, one collection per
// remote collection.
type Store struct {
	db     *mongo.Database
	logger *slog.Logger
}

var _ remote.Store = (*Store)(nil)

// Connect dials uri, verifies the connection, and ensures indexes exist.
// The caller closes the returned client.
func Connect(ctx context.Context, uri, database string) (*Store, *mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	s := New(client.Database(database))
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, err
	}
	return s, client, nil
}

// New wraps an existing database handle.
func New(db *mongo.Database) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "mongostore"),
	}
}

// EnsureIndexes creates the unique and lookup indexes the core relies on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		remote.ProjectsCollection: {
			{Keys: bson.D{{Key: remote.FieldCreatedBy, Value: 1}}},
			{Keys: bson.D{{Key: insertedAtField, Value: 1}}},
		},
		remote.RecordsCollection: {
			{Keys: bson.D{{Key: remote.FieldProjectID, Value: 1}, {Key: insertedAtField, Value: 1}}},
		},
	}
	for collection, fields := range remote.UniqueFields {
		for _, field := range fields {
			indexes[collection] = append(indexes[collection], mongo.IndexModel{
				Keys: bson.D{{Key: field, Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.M{field: bson.M{"$gt": ""}}),
			})
		}
	}

	for collection, models := range indexes {
		names, err := s.db.Collection(collection).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("creating indexes on %s: %w", collection, err)
		}
		s.logger.DebugContext(ctx, "indexes ready", "collection", collection, "indexes", names)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, collection, id string, doc remote.Document) (string, bool, error) {
	if id == "" {
		id = uuid.NewString()
	}

	body := bson.M{}
	for k, v := range doc {
		if k == "id" || k == "_id" {
			continue
		}
		body[k] = v
	}
	body["_id"] = id
	body[insertedAtField] = primitive.NewObjectID()

	_, err := s.db.Collection(collection).InsertOne(ctx, body)
	if err == nil {
		return id, true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return "", false, fmt.Errorf("inserting %s/%s: %w", collection, id, err)
	}

	// A duplicate _id is a replayed insert; any other duplicate key is a
	// unique field owned by a different document.
	n, countErr := s.db.Collection(collection).CountDocuments(ctx, bson.M{"_id": id})
	if countErr != nil {
		return "", false, fmt.Errorf("checking %s/%s after duplicate key: %w", collection, id, countErr)
	}
	if n > 0 {
		return id, false, nil
	}
	return "", false, fmt.Errorf("inserting %s/%s: %w", collection, id, remote.ErrConflict)
}

func (s *Store) GetByID(ctx context.Context, collection, id string) (remote.Document, error) {
	var raw bson.M
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, remote.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", collection, id, err)
	}
	return toDocument(raw), nil
}

func (s *Store) QueryByField(ctx context.Context, collection, field, value string) ([]remote.Document, error) {
	cur, err := s.db.Collection(collection).Find(ctx,
		bson.M{field: value},
		options.Find().SetSort(bson.D{{Key: insertedAtField, Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("querying %s by %s: %w", collection, field, err)
	}

	var raws []bson.M
	if err := cur.All(ctx, &raws); err != nil {
		return nil, fmt.Errorf("reading %s query results: %w", collection, err)
	}

	docs := make([]remote.Document, 0, len(raws))
	for _, raw := range raws {
		docs = append(docs, toDocument(raw))
	}
	return docs, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, patch remote.Document) error {
	set := bson.M{}
	for k, v := range patch {
		if k == "id" || k == "_id" || k == insertedAtField {
			continue
		}
		set[k] = v
	}

	var (
		res *mongo.UpdateResult
		err error
	)
	if len(set) == 0 {
		var n int64
		n, err = s.db.Collection(collection).CountDocuments(ctx, bson.M{"_id": id})
		res = &mongo.UpdateResult{MatchedCount: n}
	} else {
		res, err = s.db.Collection(collection).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	}
	switch {
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("updating %s/%s: %w", collection, id, remote.ErrConflict)
	case err != nil:
		return fmt.Errorf("updating %s/%s: %w", collection, id, err)
	case res.MatchedCount == 0:
		return fmt.Errorf("%s/%s: %w", collection, id, remote.ErrNotFound)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *Store) IncrementField(ctx context.Context, collection, id, field string, delta int64) error {
	res, err := s.db.Collection(collection).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{field: delta}},
	)
	if err != nil {
		return fmt.Errorf("incrementing %s on %s/%s: %w", field, collection, id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, remote.ErrNotFound)
	}
	return nil
}

// toDocument maps a raw BSON document onto the plain map/slice shapes the
// codecs expect, renaming _id to id and dropping bookkeeping fields.
func toDocument(raw bson.M) remote.Document {
	doc := make(remote.Document, len(raw))
	for k, v := range raw {
		switch k {
		case "_id":
			doc["id"] = fmt.Sprint(normalize(v))
		case insertedAtField:
		default:
			doc[k] = normalize(v)
		}
	}
	return doc
}

func normalize(v any) any {
	switch t := v.(type) {
	case bson.M:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = normalize(e)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = normalize(e)
		}
		return m
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case int32:
		return int64(t)
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.ObjectID:
		return t.Hex()
	default:
		return v
	}
}
