package eventstore

import (
	"fmt"

	"github.com/google/uuid"
)

// newID returns a UUIDv7, so IDs sort roughly by creation time.
func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating event id: %w", err)
	}
	return id.String(), nil
}
