package mongo

import (
	"errors"
	"fmt"

	"github.com/Sokol111/ecommerce-messaging/pkg/persistence"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
)

// MapError translates driver errors into the store error kinds the rest of
// the core matches on.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return fmt.Errorf("%w: %v", persistence.ErrEntityNotFound, err)
	}
	if mongodriver.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", persistence.ErrDuplicateKey, err)
	}
	return err
}
