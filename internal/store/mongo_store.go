package store

import (
	"context"
	"errors"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore backs the versioned entity contract with a Mongo collection.
// Compare-and-swap rides on a conditional update filtered by the expected
// version; the unique _id index turns a racing insert into a duplicate-key
// error, which surfaces as ErrStaleWrite.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type mongoDoc struct {
	ID      string    `bson:"_id"`
	Payload []byte    `bson:"payload"`
	Version int64     `bson:"version"`
	Updated time.Time `bson:"updatedAt"`
}

func NewMongoStore(ctx context.Context, uri, dbName, collName string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	// Verify connection quickly
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, err
	}
	return &MongoStore{client: cli, coll: cli.Database(dbName).Collection(collName)}, nil
}

func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *MongoStore) GetVersion(ctx context.Context, id string) (int64, error) {
	var doc struct {
		Version int64 `bson:"version"`
	}
	err := m.coll.FindOne(ctx, bson.M{"_id": id},
		options.FindOne().SetProjection(bson.M{"version": 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, wrapMongoErr(err)
	}
	return doc.Version, nil
}

func (m *MongoStore) GetEntity(ctx context.Context, id string) (Entity, error) {
	var doc mongoDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, wrapMongoErr(err)
	}
	return Entity{ID: doc.ID, Payload: doc.Payload, Version: doc.Version}, nil
}

func (m *MongoStore) PutEntity(ctx context.Context, id string, payload []byte, expectedVersion int64) (int64, error) {
	next := expectedVersion + 1

	if expectedVersion == 0 {
		_, err := m.coll.InsertOne(ctx, mongoDoc{
			ID: id, Payload: payload, Version: next, Updated: time.Now(),
		})
		if mongo.IsDuplicateKeyError(err) {
			return 0, ErrStaleWrite
		}
		if err != nil {
			return 0, wrapMongoErr(err)
		}
		return next, nil
	}

	res, err := m.coll.UpdateOne(ctx,
		bson.M{"_id": id, "version": expectedVersion},
		bson.M{"$set": bson.M{
			"payload":   payload,
			"version":   next,
			"updatedAt": time.Now(),
		}},
	)
	if err != nil {
		return 0, wrapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		return 0, ErrStaleWrite
	}
	return next, nil
}

func (m *MongoStore) ListEntities(ctx context.Context, scope string) ([]string, error) {
	filter := bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(scope)}}
	cur, err := m.coll.Find(ctx, filter,
		options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.M{"_id": 1}))
	if err != nil {
		return nil, wrapMongoErr(err)
	}
	defer cur.Close(ctx)

	var out []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err == nil {
			out = append(out, doc.ID)
		}
	}
	return out, wrapMongoErr(cur.Err())
}

func wrapMongoErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return errors.Join(ErrUnavailable, err)
	}
	return err
}
