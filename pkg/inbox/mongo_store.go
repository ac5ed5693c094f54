package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sokol111/ecommerce-messaging/pkg/persistence"
	mongowrap "github.com/Sokol111/ecommerce-messaging/pkg/persistence/mongo"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const collectionName = "inbox"

type mongoStore struct {
	coll *mongowrap.CollectionWrapper
}

// NewMongoStore creates the Mongo-backed inbox store.
func NewMongoStore(m mongowrap.Mongo) Store {
	return &mongoStore{coll: m.GetCollection(collectionName)}
}

// EnsureIndexes creates the unique compound index that enforces dedup. The
// uniqueness violation is the mechanism itself, not an optimization.
func (s *mongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "messageId", Value: 1}, {Key: "consumerName", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create inbox index: %w", err)
	}
	return nil
}

func (s *mongoStore) HasProcessed(ctx context.Context, messageID, consumerName string) (bool, error) {
	count, err := s.coll.CountDocuments(ctx, bson.M{
		"messageId":    messageID,
		"consumerName": consumerName,
	}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to check inbox: %w", err)
	}
	return count > 0, nil
}

func (s *mongoStore) MarkProcessed(ctx context.Context, messageID, consumerName string, whenUTC time.Time) error {
	_, err := s.coll.InsertOne(ctx, Record{
		MessageID:    messageID,
		ConsumerName: consumerName,
		ProcessedAt:  whenUTC,
	})
	if err != nil {
		if errors.Is(mongowrap.MapError(err), persistence.ErrDuplicateKey) {
			return ErrAlreadyProcessed
		}
		return fmt.Errorf("failed to mark message %s processed: %w", messageID, err)
	}
	return nil
}
