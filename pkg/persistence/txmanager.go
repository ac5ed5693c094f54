package persistence

import "context"

// TxManager runs fn inside one atomic unit of the underlying store. The
// context passed to fn carries the transaction; stores called with it join
// the same transaction, which is how a business mutation and an outbox
// append (or a side effect and an inbox mark) commit together.
type TxManager interface {
	WithTransaction(ctx context.Context, fn func(txCtx context.Context) (any, error)) (any, error)
}
