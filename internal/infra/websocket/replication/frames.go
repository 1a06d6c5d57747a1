package replication

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/lloydmeta/echo/internal/domain/feed"
	"github.com/lloydmeta/echo/internal/domain/keys"
)

// Hello opens a session: the space both sides replicate and how much of each feed the sender holds
type Hello struct {
	Space   keys.PublicKey
	Lengths map[keys.PublicKey]feed.Seq
}

// Frame is one websocket binary message. Exactly one of Hello and Entry is set.
type Frame struct {
	Hello *Hello
	Entry *feed.Entry
}

const (
	frameFieldHello protowire.Number = iota + 1
	frameFieldEntry
)

const (
	helloFieldSpace protowire.Number = iota + 1
	helloFieldFeed
)

const (
	feedFieldKey protowire.Number = iota + 1
	feedFieldLength
)

const (
	entryFieldKey protowire.Number = iota + 1
	entryFieldSeq
	entryFieldPayload
	entryFieldSignature
)

type MalformedFrame struct {
	Reason string
}

func (e MalformedFrame) Error() string {
	return fmt.Sprintf("Malformed replication frame: %s", e.Reason)
}

func parseErr(n int) MalformedFrame {
	return MalformedFrame{Reason: protowire.ParseError(n).Error()}
}

func encodeHello(h Hello) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, helloFieldSpace, protowire.BytesType)
	inner = protowire.AppendBytes(inner, h.Space[:])
	for key, length := range h.Lengths {
		var f []byte
		f = protowire.AppendTag(f, feedFieldKey, protowire.BytesType)
		f = protowire.AppendBytes(f, key[:])
		f = protowire.AppendTag(f, feedFieldLength, protowire.VarintType)
		f = protowire.AppendVarint(f, uint64(length))
		inner = protowire.AppendTag(inner, helloFieldFeed, protowire.BytesType)
		inner = protowire.AppendBytes(inner, f)
	}
	b := protowire.AppendTag(nil, frameFieldHello, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func encodeEntry(e feed.Entry) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, entryFieldKey, protowire.BytesType)
	inner = protowire.AppendBytes(inner, e.Key[:])
	inner = protowire.AppendTag(inner, entryFieldSeq, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(e.Seq))
	inner = protowire.AppendTag(inner, entryFieldPayload, protowire.BytesType)
	inner = protowire.AppendBytes(inner, e.Payload)
	inner = protowire.AppendTag(inner, entryFieldSignature, protowire.BytesType)
	inner = protowire.AppendBytes(inner, e.Signature)
	b := protowire.AppendTag(nil, frameFieldEntry, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

// decodeFrame parses one message. Unknown fields are skipped so newer peers can add to the protocol.
func decodeFrame(b []byte) (Frame, error) {
	var frame Frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return frame, parseErr(n)
		}
		b = b[n:]
		if typ == protowire.BytesType && (num == frameFieldHello || num == frameFieldEntry) {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return frame, parseErr(n)
			}
			b = b[n:]
			if num == frameFieldHello {
				h, err := decodeHello(v)
				if err != nil {
					return frame, err
				}
				frame.Hello = &h
			} else {
				e, err := decodeEntry(v)
				if err != nil {
					return frame, err
				}
				frame.Entry = &e
			}
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return frame, parseErr(n)
		}
		b = b[n:]
	}
	if (frame.Hello == nil) == (frame.Entry == nil) {
		return frame, MalformedFrame{Reason: "expected exactly one of hello or entry"}
	}
	return frame, nil
}

func decodeHello(b []byte) (Hello, error) {
	h := Hello{Lengths: make(map[keys.PublicKey]feed.Seq)}
	var sawSpace bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return h, parseErr(n)
		}
		b = b[n:]
		if typ == protowire.BytesType && (num == helloFieldSpace || num == helloFieldFeed) {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return h, parseErr(n)
			}
			b = b[n:]
			if num == helloFieldSpace {
				k, err := keys.FromBytes(v)
				if err != nil {
					return h, MalformedFrame{Reason: err.Error()}
				}
				h.Space = k
				sawSpace = true
			} else {
				key, length, err := decodeFeedLength(v)
				if err != nil {
					return h, err
				}
				h.Lengths[key] = length
			}
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return h, parseErr(n)
		}
		b = b[n:]
	}
	if !sawSpace {
		return h, MalformedFrame{Reason: "hello without a space"}
	}
	return h, nil
}

func decodeFeedLength(b []byte) (keys.PublicKey, feed.Seq, error) {
	var key keys.PublicKey
	var length feed.Seq
	var sawKey bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return key, length, parseErr(n)
		}
		b = b[n:]
		switch {
		case num == feedFieldKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return key, length, parseErr(n)
			}
			b = b[n:]
			k, err := keys.FromBytes(v)
			if err != nil {
				return key, length, MalformedFrame{Reason: err.Error()}
			}
			key = k
			sawKey = true
		case num == feedFieldLength && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return key, length, parseErr(n)
			}
			b = b[n:]
			length = feed.Seq(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return key, length, parseErr(n)
			}
			b = b[n:]
		}
	}
	if !sawKey {
		return key, length, MalformedFrame{Reason: "feed length without a key"}
	}
	return key, length, nil
}

func decodeEntry(b []byte) (feed.Entry, error) {
	var e feed.Entry
	var sawKey bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, parseErr(n)
		}
		b = b[n:]
		switch {
		case num == entryFieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, parseErr(n)
			}
			b = b[n:]
			e.Seq = feed.Seq(v)
		case typ == protowire.BytesType && (num == entryFieldKey || num == entryFieldPayload || num == entryFieldSignature):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return e, parseErr(n)
			}
			b = b[n:]
			switch num {
			case entryFieldKey:
				k, err := keys.FromBytes(v)
				if err != nil {
					return e, MalformedFrame{Reason: err.Error()}
				}
				e.Key = k
				sawKey = true
			case entryFieldPayload:
				e.Payload = append([]byte(nil), v...)
			case entryFieldSignature:
				e.Signature = append([]byte(nil), v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, parseErr(n)
			}
			b = b[n:]
		}
	}
	if !sawKey {
		return e, MalformedFrame{Reason: "entry without a feed key"}
	}
	return e, nil
}
