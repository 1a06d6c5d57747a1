// batch groups mutations into a single feed entry and tracks that entry until the space's
// pipeline has replayed it
package batch

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lloydmeta/echo/internal/domain/feed"
	"github.com/lloydmeta/echo/internal/domain/keys"
)

// Id is the client tag carried by every entry written from a Batch
type Id string

func NewId() Id {
	return Id(strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// Receipt is where a committed Batch ended up
type Receipt struct {
	FeedKey keys.PublicKey `json:"feed"`
	Seq     feed.Seq       `json:"seq"`
}

type AlreadyCommitted struct {
	Id Id
}

func (e AlreadyCommitted) Error() string {
	return fmt.Sprintf("Batch [%s] was already committed", e.Id)
}

type Empty struct {
	Id Id
}

func (e Empty) Error() string {
	return fmt.Sprintf("Batch [%s] has no mutations", e.Id)
}
