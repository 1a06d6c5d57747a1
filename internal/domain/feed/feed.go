package feed

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/storage"
)

const lengthPrefixSize = 4

// Feed is a single-writer, append-only, totally ordered log of records.
//
// Records are laid out in the data file as [u32 payload length][payload][signature].
type Feed struct {
	key    keys.PublicKey
	secret *keys.KeyPair // nil for replicated feeds
	data   storage.File

	mu       sync.RWMutex
	offsets  []int64 // start offset of every record
	size     int64
	closeErr error
	changed  chan struct{} // closed and replaced whenever the feed grows or closes
}

func openFeed(key keys.PublicKey, secret *keys.KeyPair, data storage.File) (*Feed, error) {
	f := &Feed{
		key:     key,
		secret:  secret,
		data:    data,
		changed: make(chan struct{}),
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

// load rebuilds the record index, truncating a torn trailing record
func (f *Feed) load() error {
	fileSize, err := f.data.Size()
	if err != nil {
		return err
	}
	var offset int64
	for offset < fileSize {
		if fileSize-offset < lengthPrefixSize {
			break
		}
		prefix, err := f.data.Read(offset, lengthPrefixSize)
		if err != nil {
			return err
		}
		recordSize := int64(lengthPrefixSize) + int64(binary.BigEndian.Uint32(prefix)) + SignatureSize
		if offset+recordSize > fileSize {
			break
		}
		f.offsets = append(f.offsets, offset)
		offset += recordSize
	}
	if offset < fileSize {
		log.Warn().
			Str("feed", f.key.Hex()).
			Int64("valid_size", offset).
			Int64("file_size", fileSize).
			Msg("Truncating torn record at the end of feed")
		if err := f.data.Truncate(offset); err != nil {
			return err
		}
	}
	f.size = offset
	return nil
}

func (f *Feed) Key() keys.PublicKey {
	return f.key
}

// Writable tells whether this peer holds the private key for the Feed
func (f *Feed) Writable() bool {
	return f.secret != nil
}

// Length is the number of entries in the Feed
func (f *Feed) Length() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return uint64(len(f.offsets))
}

// Append signs and appends a record, returning its sequence number
func (f *Feed) Append(payload []byte) (Seq, error) {
	if f.secret == nil {
		return 0, NotWritable{Key: f.key}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return 0, f.closeErr
	}
	seq := Seq(len(f.offsets))
	sig := f.secret.Sign(SigningBytes(f.key, seq, payload))
	if err := f.writeRecord(payload, sig); err != nil {
		return 0, err
	}
	return seq, nil
}

// Put appends a replicated Entry that was signed elsewhere.
//
// Only the next sequence number is accepted; re-delivery of an identical stored Entry is a no-op.
func (f *Feed) Put(entry Entry) error {
	if entry.Key != f.key {
		return NotFound{Key: entry.Key}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return f.closeErr
	}
	length := Seq(len(f.offsets))
	if entry.Seq < length {
		existing, err := f.readLocked(entry.Seq)
		if err != nil {
			return err
		}
		if bytes.Equal(existing.Payload, entry.Payload) && bytes.Equal(existing.Signature, entry.Signature) {
			return nil
		}
		return Conflict{Key: f.key, Seq: entry.Seq}
	}
	if entry.Seq > length {
		return OutOfOrder{Key: f.key, Expected: length, Got: entry.Seq}
	}
	if !entry.Verify() {
		return InvalidSignature{Key: f.key, Seq: entry.Seq}
	}
	return f.writeRecord(entry.Payload, entry.Signature)
}

// writeRecord must be called with the write lock held
func (f *Feed) writeRecord(payload []byte, sig []byte) error {
	record := make([]byte, 0, lengthPrefixSize+len(payload)+SignatureSize)
	record = binary.BigEndian.AppendUint32(record, uint32(len(payload)))
	record = append(record, payload...)
	record = append(record, sig...)
	if err := f.data.Write(f.size, record); err != nil {
		return err
	}
	f.offsets = append(f.offsets, f.size)
	f.size += int64(len(record))
	f.notifyLocked()
	return nil
}

func (f *Feed) notifyLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

// Get returns the Entry at seq
func (f *Feed) Get(seq Seq) (Entry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closeErr != nil {
		return Entry{}, f.closeErr
	}
	return f.readLocked(seq)
}

func (f *Feed) readLocked(seq Seq) (Entry, error) {
	if uint64(seq) >= uint64(len(f.offsets)) {
		return Entry{}, NoSuchEntry{Key: f.key, Seq: seq, Length: uint64(len(f.offsets))}
	}
	offset := f.offsets[seq]
	end := f.size
	if uint64(seq)+1 < uint64(len(f.offsets)) {
		end = f.offsets[seq+1]
	}
	raw, err := f.data.Read(offset, int(end-offset))
	if err != nil {
		return Entry{}, err
	}
	payloadLen := int(binary.BigEndian.Uint32(raw[:lengthPrefixSize]))
	payload := raw[lengthPrefixSize : lengthPrefixSize+payloadLen]
	sig := raw[lengthPrefixSize+payloadLen:]
	return Entry{Key: f.key, Seq: seq, Payload: payload, Signature: sig}, nil
}

// state returns what a reader needs to decide whether to block
func (f *Feed) state() (length Seq, changed <-chan struct{}, closeErr error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Seq(len(f.offsets)), f.changed, f.closeErr
}

// ReadFrom streams entries starting at start.
//
// A finite read covers the entries that exist at call time. A live read keeps delivering
// new entries as they are appended until the context is cancelled or the feed closes.
func (f *Feed) ReadFrom(ctx context.Context, start Seq, live bool) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		entries: make(chan Entry, subscriptionBuffer),
		cancel:  cancel,
	}
	end, _, _ := f.state()
	go sub.run(ctx, f, start, end, live)
	return sub
}

// close stops the feed, waking live readers with err
func (f *Feed) close(err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return nil
	}
	f.closeErr = err
	f.notifyLocked()
	return f.data.Close()
}

func (f *Feed) destroy(err error) error {
	if closeErr := f.close(err); closeErr != nil {
		return closeErr
	}
	return f.data.Destroy()
}
