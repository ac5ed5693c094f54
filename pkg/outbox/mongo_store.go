package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sokol111/ecommerce-messaging/pkg/envelope"
	"github.com/Sokol111/ecommerce-messaging/pkg/persistence"
	mongowrap "github.com/Sokol111/ecommerce-messaging/pkg/persistence/mongo"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const collectionName = "outbox"

type mongoStore struct {
	coll     *mongowrap.CollectionWrapper
	claimTTL time.Duration
}

// NewMongoStore creates the Mongo-backed outbox store.
func NewMongoStore(m mongowrap.Mongo, claimTTL time.Duration) Store {
	return &mongoStore{
		coll:     m.GetCollection(collectionName),
		claimTTL: claimTTL,
	}
}

// EnsureIndexes creates the indexes the store queries rely on. The message
// id is unique so the same envelope can never be appended twice.
func (s *mongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "envelope.messageId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "state", Value: 1}, {Key: "claimExpiresAt", Value: 1}, {Key: "createdAt", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create outbox indexes: %w", err)
	}
	return nil
}

func (s *mongoStore) Append(ctx context.Context, e envelope.Envelope, topic string) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("refusing to append invalid envelope: %w", err)
	}
	record := Record{
		Envelope:  e,
		Topic:     topic,
		State:     StatePending,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.coll.InsertOne(ctx, record); err != nil {
		return fmt.Errorf("failed to append outbox record: %w", mongowrap.MapError(err))
	}
	return nil
}

func (s *mongoStore) FetchPending(ctx context.Context, batchSize int) ([]Record, error) {
	records := make([]Record, 0, batchSize)
	for len(records) < batchSize {
		record, err := s.claimOne(ctx)
		if err != nil {
			if errors.Is(err, persistence.ErrEntityNotFound) {
				break
			}
			return records, err
		}
		records = append(records, record)
	}
	return records, nil
}

// claimOne atomically claims the oldest unclaimed Pending record by pushing
// its claim expiry forward. Expired claims are re-claimable, which is what
// makes the relay resume records published-but-unmarked before a crash.
func (s *mongoStore) claimOne(ctx context.Context) (Record, error) {
	now := time.Now().UTC()

	filter := bson.M{
		"state":          StatePending,
		"claimExpiresAt": bson.M{"$lt": now},
	}
	update := bson.M{
		"$set": bson.M{"claimExpiresAt": now.Add(s.claimTTL)},
		"$inc": bson.M{"attempts": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetReturnDocument(options.After)

	var record Record
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&record)
	if err != nil {
		return Record{}, fmt.Errorf("failed to claim outbox record: %w", mongowrap.MapError(err))
	}
	return record, nil
}

func (s *mongoStore) MarkSent(ctx context.Context, messageID string) error {
	now := time.Now().UTC()
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"envelope.messageId": messageID, "state": StatePending},
		bson.M{
			"$set":   bson.M{"state": StateSent, "sentAt": now},
			"$unset": bson.M{"claimExpiresAt": ""},
		})
	if err != nil {
		return fmt.Errorf("failed to mark outbox record %s as sent: %w", messageID, err)
	}
	return nil
}

func (s *mongoStore) PruneSent(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.coll.DeleteMany(ctx, bson.M{
		"state":  StateSent,
		"sentAt": bson.M{"$lt": olderThan},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune sent outbox records: %w", err)
	}
	return result.DeletedCount, nil
}
