// model defines the contract between the replication pipeline and the reducers that build
// application state from mutations
package model

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lloydmeta/echo/internal/domain/feed"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/timeframe"
)

// Mutation is an opaque, model-specific change
type Mutation []byte

// Meta is the provenance of a Mutation. (FeedKey, Seq, Index) identifies it uniquely.
type Meta struct {
	FeedKey keys.PublicKey
	Seq     feed.Seq
	// Index is the position of the mutation within its entry
	Index int
	// Timeframe is the writer's clock when the entry was written
	Timeframe timeframe.Timeframe
	BatchId   string
}

// Model reduces ordered mutations into application state.
//
// Apply must be idempotent with respect to meta, since mutations are replayed from storage after a
// restart, and must treat causally concurrent mutations commutatively.
type Model interface {
	Apply(mutation Mutation, meta Meta) error
}

// Checker is implemented by Models that can tell up front whether Apply would refuse a
// mutation. The pipeline checks every mutation of an entry before applying any of them.
type Checker interface {
	Check(mutation Mutation, meta Meta) error
}

// Kind names a type of Model
type Kind string

// Factory makes a fresh, empty Model
type Factory func() Model

type UnknownKind struct {
	Kind Kind
}

func (e UnknownKind) Error() string {
	return fmt.Sprintf("Unknown model kind [%s]", e.Kind)
}

// Registry maps model kinds to their factories. It is passed explicitly to whatever needs it.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[Kind]Factory)}
}

func (r *Registry) Register(kind Kind, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// New makes a Model of the given kind
func (r *Registry) New(kind Kind) (Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.factories[kind]; ok {
		return f(), nil
	}
	return nil, UnknownKind{Kind: kind}
}

func (r *Registry) Has(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}

func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
