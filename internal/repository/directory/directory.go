package directory

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"trustsync/internal/model"
)

type (
	// Repo stores each DID's published public keys. It backs the relay's
	// key directory endpoints; peers look keys up here before inviting a
	// DID into a space.
	Repo struct {
		collection *mongo.Collection
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		collection: db.Collection("keys"),
	}
}

// Get returns nil without error when the DID has never published keys.
func (r *Repo) Get(ctx context.Context, did string) (*model.KeyRecord, error) {
	filter := bson.M{
		"did": did,
	}

	var rec model.KeyRecord
	err := r.collection.FindOne(ctx, filter).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// Put upserts the record; republishing rotated keys overwrites the old ones.
func (r *Repo) Put(ctx context.Context, rec *model.KeyRecord) error {
	filter := bson.M{
		"did": rec.Did,
	}

	update := bson.M{
		"$set": rec,
	}

	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}
