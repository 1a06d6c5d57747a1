// kv is a last-writer-wins key/value Model
package kv

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/lloydmeta/echo/internal/domain/feed"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/model"
)

const Kind model.Kind = "kv"

type OpType string

const (
	SET    OpType = "set"
	DELETE OpType = "delete"
)

// Op is the msgpack encoded mutation this Model understands
type Op struct {
	Type  OpType `msgpack:"t"`
	Key   string `msgpack:"k"`
	Value []byte `msgpack:"v,omitempty"`
}

func Set(key string, value []byte) (model.Mutation, error) {
	return msgpack.Marshal(&Op{Type: SET, Key: key, Value: value})
}

func Delete(key string) (model.Mutation, error) {
	return msgpack.Marshal(&Op{Type: DELETE, Key: key})
}

type InvalidOp struct {
	Reason string
}

func (e InvalidOp) Error() string {
	return fmt.Sprintf("Invalid kv op: %s", e.Reason)
}

func Decode(m model.Mutation) (Op, error) {
	var op Op
	if err := msgpack.Unmarshal(m, &op); err != nil {
		return op, InvalidOp{Reason: err.Error()}
	}
	if op.Type != SET && op.Type != DELETE {
		return op, InvalidOp{Reason: fmt.Sprintf("unknown type [%s]", op.Type)}
	}
	if op.Key == "" {
		return op, InvalidOp{Reason: "empty key"}
	}
	return op, nil
}

// version orders writes: causally later writes always have a greater depth, and concurrent
// writes are tie-broken deterministically
type version struct {
	depth uint64
	feed  keys.PublicKey
	seq   feed.Seq
	index int
}

func (v version) after(o version) bool {
	if v.depth != o.depth {
		return v.depth > o.depth
	}
	if c := bytes.Compare(v.feed[:], o.feed[:]); c != 0 {
		return c > 0
	}
	if v.seq != o.seq {
		return v.seq > o.seq
	}
	return v.index > o.index
}

type cell struct {
	value   []byte
	deleted bool
	version version
}

// Item is a live key and its value
type Item struct {
	Key   string
	Value []byte
}

type mutationId struct {
	feed  keys.PublicKey
	seq   feed.Seq
	index int
}

// Model holds the key/value state
type Model struct {
	mu    sync.RWMutex
	cells map[string]cell
	seen  map[mutationId]struct{}
}

func New() *Model {
	return &Model{cells: make(map[string]cell), seen: make(map[mutationId]struct{})}
}

// Factory registers this Model with a model.Registry
func Factory() model.Model {
	return New()
}

// Check refuses what Apply would refuse
func (m *Model) Check(mutation model.Mutation, _ model.Meta) error {
	_, err := Decode(mutation)
	return err
}

func (m *Model) Apply(mutation model.Mutation, meta model.Meta) error {
	op, err := Decode(mutation)
	if err != nil {
		return err
	}
	v := version{
		depth: meta.Timeframe.Set(meta.FeedKey, meta.Seq).Total(),
		feed:  meta.FeedKey,
		seq:   meta.Seq,
		index: meta.Index,
	}

	id := mutationId{feed: meta.FeedKey, seq: meta.Seq, index: meta.Index}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.seen[id]; dup {
		return nil
	}
	m.seen[id] = struct{}{}
	if existing, ok := m.cells[op.Key]; ok && !v.after(existing.version) {
		return nil
	}
	m.cells[op.Key] = cell{value: op.Value, deleted: op.Type == DELETE, version: v}
	return nil
}

func (m *Model) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cells[key]
	if !ok || c.deleted {
		return nil, false
	}
	return c.value, true
}

// Items lists the live keys in key order
func (m *Model) Items() []Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Item, 0, len(m.cells))
	for k, c := range m.cells {
		if !c.deleted {
			out = append(out, Item{Key: k, Value: c.value})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Applied counts the distinct mutations that reached the Model, winners or not
func (m *Model) Applied() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.seen))
}
