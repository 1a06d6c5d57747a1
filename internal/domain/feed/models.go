// feed holds the single-writer append-only logs that spaces replicate, and the Store that owns them
package feed

import (
	"encoding/binary"
	"fmt"

	"github.com/lloydmeta/echo/internal/domain/keys"
)

// Seq is the position of an Entry in its Feed; dense from 0
type Seq uint64

const SignatureSize = 64

// Entry is one record in a Feed
type Entry struct {
	Key       keys.PublicKey
	Seq       Seq
	Payload   []byte
	Signature []byte
}

// SigningBytes returns the bytes that the feed owner signs for the record at seq
func SigningBytes(key keys.PublicKey, seq Seq, payload []byte) []byte {
	buf := make([]byte, 0, keys.Size+8+len(payload))
	buf = append(buf, key[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(seq))
	return append(buf, payload...)
}

// Verify checks the Entry's signature against its Feed key
func (e *Entry) Verify() bool {
	return len(e.Signature) == SignatureSize && e.Key.Verify(SigningBytes(e.Key, e.Seq, e.Payload), e.Signature)
}

type AlreadyExists struct {
	Key keys.PublicKey
}

func (e AlreadyExists) Error() string {
	return fmt.Sprintf("Feed already exists [%s]", e.Key.Hex())
}

type NotFound struct {
	Key keys.PublicKey
}

func (e NotFound) Error() string {
	return fmt.Sprintf("Feed not found [%s]", e.Key.Hex())
}

type StoreClosed struct{}

func (e StoreClosed) Error() string {
	return "Feed store is closed"
}

// Closed is returned by operations on a Feed that was closed on its own, e.g. by being deleted
type Closed struct {
	Key keys.PublicKey
}

func (e Closed) Error() string {
	return fmt.Sprintf("Feed is closed [%s]", e.Key.Hex())
}

type NotWritable struct {
	Key keys.PublicKey
}

func (e NotWritable) Error() string {
	return fmt.Sprintf("Feed is not writable without its private key [%s]", e.Key.Hex())
}

// OutOfOrder is returned when a replicated Entry is not the next one in its Feed
type OutOfOrder struct {
	Key      keys.PublicKey
	Expected Seq
	Got      Seq
}

func (e OutOfOrder) Error() string {
	return fmt.Sprintf("Out of order entry for feed [%s]: expected seq [%d], got [%d]", e.Key.Hex(), e.Expected, e.Got)
}

type InvalidSignature struct {
	Key keys.PublicKey
	Seq Seq
}

func (e InvalidSignature) Error() string {
	return fmt.Sprintf("Invalid signature on entry [%d] of feed [%s]", e.Seq, e.Key.Hex())
}

// Conflict is returned when a replicated Entry differs from the one already stored at its Seq
type Conflict struct {
	Key keys.PublicKey
	Seq Seq
}

func (e Conflict) Error() string {
	return fmt.Sprintf("Conflicting entry [%d] for feed [%s]", e.Seq, e.Key.Hex())
}

type NoSuchEntry struct {
	Key    keys.PublicKey
	Seq    Seq
	Length uint64
}

func (e NoSuchEntry) Error() string {
	return fmt.Sprintf("No entry [%d] in feed [%s] of length [%d]", e.Seq, e.Key.Hex(), e.Length)
}
