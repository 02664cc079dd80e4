package etl

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const ingestedAtField = "ingestedAt"

// MongoSource reads conversation documents from one collection.
type MongoSource struct {
	Coll *mongo.Collection
}

func NewMongoSource(client *mongo.Client, database, collection string) *MongoSource {
	return &MongoSource{Coll: client.Database(database).Collection(collection)}
}

func (m *MongoSource) Find(ctx context.Context, since *time.Time, batchSize int) (DocumentCursor, error) {
	cursor, err := m.Coll.Find(ctx, sourceFilter(since), findOptions(batchSize))
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

// findOptions orders by ingestion time so the watermark only moves forward.
func findOptions(batchSize int) *options.FindOptions {
	opts := options.Find().SetSort(bson.D{{Key: ingestedAtField, Value: 1}})
	if batchSize > 0 {
		opts.SetBatchSize(int32(batchSize))
	}
	return opts
}

func sourceFilter(since *time.Time) bson.M {
	if since == nil {
		return bson.M{}
	}
	return bson.M{ingestedAtField: bson.M{"$gt": since.UTC()}}
}
