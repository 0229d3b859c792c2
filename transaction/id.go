package transaction

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/c360/openhim-core/errors"
)

// NewID returns a fresh 24 character hex identifier
func NewID() string {
	return bson.NewObjectID().Hex()
}

// ValidateID checks that id is a 24 character hex identifier
func ValidateID(id string) error {
	if _, err := bson.ObjectIDFromHex(id); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrInvalidID, id),
			"Transaction", "ValidateID", "parse identifier")
	}
	return nil
}
