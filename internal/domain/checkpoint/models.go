// checkpoint records how far a space's pipeline had got, so the next run can report progress
// towards it
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/timeframe"
)

type Checkpoint struct {
	Space     keys.PublicKey      `json:"space"`
	Timeframe timeframe.Timeframe `json:"timeframe"`
	SavedAt   time.Time           `json:"saved_at"`
}

// A Service that takes care of the persistence of Checkpoints. There is at most one per space.
type Service interface {
	// Save replaces the Checkpoint of its space
	Save(ctx context.Context, checkpoint Checkpoint) error
	// Load retrieves the Checkpoint of a space, returns NotFound if there is none
	Load(ctx context.Context, space keys.PublicKey) (*Checkpoint, error)
	// Delete removes the Checkpoint of a space. Deleting a missing one is not an error.
	Delete(ctx context.Context, space keys.PublicKey) error
}

type NotFound struct {
	Space keys.PublicKey
}

func (e NotFound) Error() string {
	return fmt.Sprintf("Could not find checkpoint for space [%s]", e.Space.Hex())
}
