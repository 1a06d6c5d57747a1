// timeframe holds the per-feed vector clock that expresses causal dependencies between entries
package timeframe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/lloydmeta/echo/internal/domain/feed"
	"github.com/lloydmeta/echo/internal/domain/keys"
)

// Frame is one feed's position in a Timeframe
type Frame struct {
	Key keys.PublicKey `json:"feed"`
	Seq feed.Seq       `json:"seq"`
}

// Timeframe maps feed keys to the highest sequence number seen for each. It is an immutable value;
// every operation that "changes" it returns a new one.
type Timeframe struct {
	frames map[keys.PublicKey]feed.Seq
}

// New builds a Timeframe; duplicate keys keep the highest seq
func New(frames ...Frame) Timeframe {
	m := make(map[keys.PublicKey]feed.Seq, len(frames))
	for _, f := range frames {
		if existing, ok := m[f.Key]; !ok || f.Seq > existing {
			m[f.Key] = f.Seq
		}
	}
	return Timeframe{frames: m}
}

func (t Timeframe) Get(key keys.PublicKey) (feed.Seq, bool) {
	seq, ok := t.frames[key]
	return seq, ok
}

// Set returns a Timeframe with key advanced to seq, never moving it backwards
func (t Timeframe) Set(key keys.PublicKey, seq feed.Seq) Timeframe {
	if existing, ok := t.frames[key]; ok && existing >= seq {
		return t
	}
	next := t.clone(len(t.frames) + 1)
	next.frames[key] = seq
	return next
}

// Without returns a Timeframe lacking the given key
func (t Timeframe) Without(key keys.PublicKey) Timeframe {
	if _, ok := t.frames[key]; !ok {
		return t
	}
	next := t.clone(len(t.frames))
	delete(next.frames, key)
	return next
}

func (t Timeframe) clone(capacity int) Timeframe {
	m := make(map[keys.PublicKey]feed.Seq, capacity)
	for k, v := range t.frames {
		m[k] = v
	}
	return Timeframe{frames: m}
}

// Merge takes the per-feed max of the given Timeframes
func Merge(timeframes ...Timeframe) Timeframe {
	out := Timeframe{frames: make(map[keys.PublicKey]feed.Seq)}
	for _, tf := range timeframes {
		for k, v := range tf.frames {
			if existing, ok := out.frames[k]; !ok || v > existing {
				out.frames[k] = v
			}
		}
	}
	return out
}

// Frames lists the frames ordered by key, so the output is deterministic
func (t Timeframe) Frames() []Frame {
	out := make([]Frame, 0, len(t.frames))
	for k, v := range t.frames {
		out = append(out, Frame{Key: k, Seq: v})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Key[:], out[j].Key[:]) < 0
	})
	return out
}

func (t Timeframe) Len() int {
	return len(t.frames)
}

func (t Timeframe) IsEmpty() bool {
	return len(t.frames) == 0
}

// Total is the number of entries the Timeframe covers across all feeds
func (t Timeframe) Total() uint64 {
	var total uint64
	for _, v := range t.frames {
		total += uint64(v) + 1
	}
	return total
}

// Covers tells whether the entry at (key, seq) is included
func (t Timeframe) Covers(key keys.PublicKey, seq feed.Seq) bool {
	existing, ok := t.frames[key]
	return ok && existing >= seq
}

func (t Timeframe) Equals(other Timeframe) bool {
	if len(t.frames) != len(other.frames) {
		return false
	}
	for k, v := range t.frames {
		if ov, ok := other.frames[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (t Timeframe) String() string {
	parts := make([]string, 0, len(t.frames))
	for _, f := range t.Frames() {
		parts = append(parts, fmt.Sprintf("%s:%d", f.Key.Short(), f.Seq))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (t Timeframe) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Frames())
}

func (t *Timeframe) UnmarshalJSON(b []byte) error {
	var frames []Frame
	if err := json.Unmarshal(b, &frames); err != nil {
		return err
	}
	*t = New(frames...)
	return nil
}

// Dependencies returns the frames of target that current has not reached: those with a seq
// strictly greater than current's, or absent from current altogether.
func Dependencies(target Timeframe, current Timeframe) Timeframe {
	out := Timeframe{frames: make(map[keys.PublicKey]feed.Seq)}
	for k, v := range target.frames {
		if !current.Covers(k, v) {
			out.frames[k] = v
		}
	}
	return out
}

// Gap is a run of entries of one feed that current is missing, inclusive on both ends
type Gap struct {
	Key  keys.PublicKey
	From feed.Seq
	To   feed.Seq
}

// Gaps is Dependencies expressed as explicit ranges; a feed absent from current needs 0..seq
func Gaps(target Timeframe, current Timeframe) []Gap {
	deps := Dependencies(target, current)
	out := make([]Gap, 0, deps.Len())
	for _, f := range deps.Frames() {
		from := feed.Seq(0)
		if existing, ok := current.Get(f.Key); ok {
			from = existing + 1
		}
		out = append(out, Gap{Key: f.Key, From: from, To: f.Seq})
	}
	return out
}
