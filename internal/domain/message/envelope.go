// message is the binary envelope carried in every feed entry
package message

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/lloydmeta/echo/internal/domain/credential"
	"github.com/lloydmeta/echo/internal/domain/feed"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/timeframe"
)

// CurrentVersion is the schema version written by this build
const CurrentVersion = 1

type Kind uint8

const (
	MUTATION Kind = iota + 1
	CREDENTIAL
)

func (k Kind) String() string {
	switch k {
	case MUTATION:
		return "MUTATION"
	case CREDENTIAL:
		return "CREDENTIAL"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Envelope is the decoded payload of a feed entry
type Envelope struct {
	Version uint64
	Kind    Kind
	// Timeframe is the writer's clock when the entry was written; the entry causally depends on it
	Timeframe  timeframe.Timeframe
	BatchId    string
	Mutations  [][]byte
	Credential *credential.Credential
}

const (
	fieldVersion protowire.Number = iota + 1
	fieldKind
	fieldFrame
	fieldBatchId
	fieldMutation
	fieldCredential
)

const (
	frameFieldKey protowire.Number = iota + 1
	frameFieldSeq
)

// NewMutations wraps a batch of mutations
func NewMutations(tf timeframe.Timeframe, batchId string, mutations ...[]byte) Envelope {
	return Envelope{Version: CurrentVersion, Kind: MUTATION, Timeframe: tf, BatchId: batchId, Mutations: mutations}
}

// NewCredential wraps a credential
func NewCredential(tf timeframe.Timeframe, c credential.Credential) Envelope {
	return Envelope{Version: CurrentVersion, Kind: CREDENTIAL, Timeframe: tf, Credential: &c}
}

func Encode(e Envelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Version)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	for _, f := range e.Timeframe.Frames() {
		var frame []byte
		frame = protowire.AppendTag(frame, frameFieldKey, protowire.BytesType)
		frame = protowire.AppendBytes(frame, f.Key[:])
		frame = protowire.AppendTag(frame, frameFieldSeq, protowire.VarintType)
		frame = protowire.AppendVarint(frame, uint64(f.Seq))
		b = protowire.AppendTag(b, fieldFrame, protowire.BytesType)
		b = protowire.AppendBytes(b, frame)
	}
	if e.BatchId != "" {
		b = protowire.AppendTag(b, fieldBatchId, protowire.BytesType)
		b = protowire.AppendString(b, e.BatchId)
	}
	for _, m := range e.Mutations {
		b = protowire.AppendTag(b, fieldMutation, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	if e.Credential != nil {
		b = protowire.AppendTag(b, fieldCredential, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Credential.Encode())
	}
	return b
}

type Malformed struct {
	Reason string
}

func (e Malformed) Error() string {
	return fmt.Sprintf("Malformed entry: %s", e.Reason)
}

func parseErr(n int) Malformed {
	return Malformed{Reason: protowire.ParseError(n).Error()}
}

// Decode parses an entry payload. Fields it does not know are skipped.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	var frames []timeframe.Frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, parseErr(n)
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType && (num == fieldVersion || num == fieldKind):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, parseErr(n)
			}
			b = b[n:]
			if num == fieldVersion {
				e.Version = v
			} else {
				e.Kind = Kind(v)
			}
		case typ == protowire.BytesType && (num == fieldFrame || num == fieldBatchId || num == fieldMutation || num == fieldCredential):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return e, parseErr(n)
			}
			b = b[n:]
			switch num {
			case fieldFrame:
				frame, err := decodeFrame(v)
				if err != nil {
					return e, err
				}
				frames = append(frames, frame)
			case fieldBatchId:
				e.BatchId = string(v)
			case fieldMutation:
				e.Mutations = append(e.Mutations, append([]byte(nil), v...))
			case fieldCredential:
				c, err := credential.Decode(v)
				if err != nil {
					return e, Malformed{Reason: err.Error()}
				}
				e.Credential = &c
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, parseErr(n)
			}
			b = b[n:]
		}
	}
	e.Timeframe = timeframe.New(frames...)

	switch e.Kind {
	case MUTATION:
	case CREDENTIAL:
		if e.Credential == nil {
			return e, Malformed{Reason: "credential entry without a credential"}
		}
	default:
		return e, Malformed{Reason: fmt.Sprintf("unknown kind [%d]", e.Kind)}
	}
	return e, nil
}

func decodeFrame(b []byte) (timeframe.Frame, error) {
	var f timeframe.Frame
	var sawKey bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, parseErr(n)
		}
		b = b[n:]
		switch {
		case num == frameFieldKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return f, parseErr(n)
			}
			b = b[n:]
			k, err := keys.FromBytes(v)
			if err != nil {
				return f, Malformed{Reason: err.Error()}
			}
			f.Key = k
			sawKey = true
		case num == frameFieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, parseErr(n)
			}
			b = b[n:]
			f.Seq = feed.Seq(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, parseErr(n)
			}
			b = b[n:]
		}
	}
	if !sawKey {
		return f, Malformed{Reason: "timeframe frame without a feed key"}
	}
	return f, nil
}
