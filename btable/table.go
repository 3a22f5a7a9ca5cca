// Package btable implements the fixed-shape open-addressing index
// mapping a content hash to the location of its on-disk hash entry.
package btable

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Errors returned by Table operations. The engine tags ErrBucketFull
// from Add as USER-ERROR; ErrNotFound from Remove, which it only calls
// after a successful Lookup, is tagged IO-FATAL.
var (
	ErrBucketFull = errors.New("btable: bucket full")
	ErrNotFound   = errors.New("btable: hash not found")
)

// Entry is a bucket entry: the coordinates of an occupied slot's
// on-disk record, resolved through the chunk cache by the caller.
type Entry struct {
	Index   uint32
	HtChunk uint64
	HtOff   int
	Hash    []byte
}

type slot struct {
	occupied bool
	hash     []byte
	htchunk  uint64
	htoff    int
}

// Table is the buckets x entriesPerBucket grid. Every slot's
// (htchunk, htoffset) coordinates are fixed at construction time, since
// the table's shape never changes after mkfs.
type Table struct {
	buckets         uint32
	entriesPerBkt   uint32
	hlen            int
	entriesPerChunk uint32
	entrySize       int
	slots           []slot
}

// New constructs an empty table of the given shape, precomputing each
// slot's disk coordinates from entriesPerChunk and entrySize.
func New(buckets, entriesPerBucket uint32, hlen int, entriesPerChunk uint32, entrySize int) *Table {
	n := buckets * entriesPerBucket
	t := &Table{
		buckets:         buckets,
		entriesPerBkt:   entriesPerBucket,
		hlen:            hlen,
		entriesPerChunk: entriesPerChunk,
		entrySize:       entrySize,
		slots:           make([]slot, n),
	}
	for i := uint32(0); i < n; i++ {
		t.slots[i].htchunk = uint64(i / entriesPerChunk)
		t.slots[i].htoff = int(i%entriesPerChunk) * entrySize
	}
	return t
}

func (t *Table) bucketOf(hash []byte) uint32 {
	var prefix [4]byte
	copy(prefix[:], hash)
	v := binary.LittleEndian.Uint32(prefix[:])
	return v % t.buckets
}

func (t *Table) bucketRange(bucket uint32) (uint32, uint32) {
	start := bucket * t.entriesPerBkt
	return start, start + t.entriesPerBkt
}

// NbEntries is the fixed total slot count, buckets*entriesPerBucket.
func (t *Table) NbEntries() uint32 { return uint32(len(t.slots)) }

func (t *Table) entryAt(index uint32) Entry {
	s := t.slots[index]
	return Entry{Index: index, HtChunk: s.htchunk, HtOff: s.htoff, Hash: s.hash}
}

// Feed seats hash at slot index during mount's sequential scan of the
// on-disk table. An all-zero hash leaves the slot vacant.
func (t *Table) Feed(index uint32, hash []byte) {
	if isZero(hash) {
		return
	}
	cp := make([]byte, len(hash))
	copy(cp, hash)
	t.slots[index].occupied = true
	t.slots[index].hash = cp
}

// Lookup returns the bucket entry whose stored hash equals hash.
func (t *Table) Lookup(hash []byte) (Entry, bool) {
	bucket := t.bucketOf(hash)
	start, end := t.bucketRange(bucket)
	for i := start; i < end; i++ {
		s := t.slots[i]
		if s.occupied && bytes.Equal(s.hash, hash) {
			return t.entryAt(i), true
		}
	}
	return Entry{}, false
}

// Add places hash into the first vacant slot of its bucket.
func (t *Table) Add(hash []byte) (Entry, error) {
	bucket := t.bucketOf(hash)
	start, end := t.bucketRange(bucket)
	for i := start; i < end; i++ {
		if !t.slots[i].occupied {
			cp := make([]byte, len(hash))
			copy(cp, hash)
			t.slots[i].occupied = true
			t.slots[i].hash = cp
			return t.entryAt(i), nil
		}
	}
	return Entry{}, ErrBucketFull
}

// Remove zeros the stored hash and marks the slot vacant.
func (t *Table) Remove(hash []byte) error {
	bucket := t.bucketOf(hash)
	start, end := t.bucketRange(bucket)
	for i := start; i < end; i++ {
		s := &t.slots[i]
		if s.occupied && bytes.Equal(s.hash, hash) {
			s.occupied = false
			s.hash = nil
			return nil
		}
	}
	return ErrNotFound
}

// Iterate yields every occupied bucket entry in slot order.
func (t *Table) Iterate(fn func(Entry)) {
	for i := range t.slots {
		if t.slots[i].occupied {
			fn(t.entryAt(uint32(i)))
		}
	}
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
