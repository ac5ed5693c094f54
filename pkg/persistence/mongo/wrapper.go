package mongo

import (
	"context"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CollectionWrapper wraps a driver collection and applies a per-call query
// timeout. It only exposes the operations the delivery-core stores use.
type CollectionWrapper struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

func NewCollectionWrapper(coll *mongodriver.Collection, timeout time.Duration) *CollectionWrapper {
	return &CollectionWrapper{coll: coll, timeout: timeout}
}

func (w *CollectionWrapper) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, w.timeout)
}

func (w *CollectionWrapper) FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongodriver.SingleResult {
	timeoutCtx, cancel := w.withTimeout(ctx)
	defer cancel()
	return w.coll.FindOne(timeoutCtx, filter, opts...)
}

func (w *CollectionWrapper) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongodriver.Cursor, error) {
	timeoutCtx, cancel := w.withTimeout(ctx)
	defer cancel()
	return w.coll.Find(timeoutCtx, filter, opts...)
}

func (w *CollectionWrapper) InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	timeoutCtx, cancel := w.withTimeout(ctx)
	defer cancel()
	return w.coll.InsertOne(timeoutCtx, document, opts...)
}

func (w *CollectionWrapper) UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	timeoutCtx, cancel := w.withTimeout(ctx)
	defer cancel()
	return w.coll.UpdateOne(timeoutCtx, filter, update, opts...)
}

func (w *CollectionWrapper) UpdateMany(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	timeoutCtx, cancel := w.withTimeout(ctx)
	defer cancel()
	return w.coll.UpdateMany(timeoutCtx, filter, update, opts...)
}

func (w *CollectionWrapper) FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) *mongodriver.SingleResult {
	timeoutCtx, cancel := w.withTimeout(ctx)
	defer cancel()
	return w.coll.FindOneAndUpdate(timeoutCtx, filter, update, opts...)
}

func (w *CollectionWrapper) DeleteMany(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	timeoutCtx, cancel := w.withTimeout(ctx)
	defer cancel()
	return w.coll.DeleteMany(timeoutCtx, filter, opts...)
}

func (w *CollectionWrapper) CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error) {
	timeoutCtx, cancel := w.withTimeout(ctx)
	defer cancel()
	return w.coll.CountDocuments(timeoutCtx, filter, opts...)
}

func (w *CollectionWrapper) Indexes() mongodriver.IndexView {
	return w.coll.Indexes()
}

func (w *CollectionWrapper) Name() string {
	return w.coll.Name()
}
