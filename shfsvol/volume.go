package shfsvol

import (
	"fmt"
	"time"

	"github.com/NVIDIA/cstruct"
	"github.com/google/uuid"

	"github.com/shfs-tools/shfsadm/alloc"
	"github.com/shfs-tools/shfsadm/stripe"
)

// EntryFlags is the hash entry flags bitfield.
type EntryFlags uint32

const (
	FlagDefault EntryFlags = 1 << 0
	FlagHidden  EntryFlags = 1 << 1
)

// HashEntry is the decoded on-disk record for one stored object. On disk
// the Hash bytes are a raw prefix of the volume's Hlen, not a fixed
// width, followed by the fixed-width remainder (hashEntryFixed).
type HashEntry struct {
	Hash       []byte
	Chunk      uint64
	Offset     uint64
	Len        uint64
	TsCreation int64
	Flags      EntryFlags
	Mime       string
	Name       string
	Encoding   string
}

// hashEntryFixed is the fixed-width remainder of a HashEntry, packed by
// cstruct and concatenated after the raw hash bytes.
type hashEntryFixed struct {
	Chunk      uint64
	Offset     uint64
	Len        uint64
	TsCreation int64
	Flags      uint32
	Mime       [maxMimeLen]byte
	Name       [maxNameLen]byte
	Encoding   [maxEncodingLen]byte
}

func fixedEntrySize() int {
	n, _, err := cstruct.Examine(hashEntryFixed{})
	if err != nil {
		panic(fmt.Sprintf("shfsvol: examine hash entry: %v", err))
	}
	return int(n)
}

// EntrySize is the total on-disk size of a hash entry for the given
// hlen: hlen raw hash bytes plus the fixed-width remainder.
func EntrySize(hlen int) int {
	return hlen + fixedEntrySize()
}

func packString(dst []byte, s string) error {
	if len(s) > len(dst) {
		return fmt.Errorf("shfsvol: %q exceeds field width %d", s, len(dst))
	}
	copy(dst, s)
	return nil
}

func unpackString(src []byte) string {
	for i, b := range src {
		if b == 0 {
			return string(src[:i])
		}
	}
	return string(src)
}

// Marshal serializes e into a buffer of length EntrySize(len(e.Hash)).
func (e *HashEntry) Marshal() ([]byte, error) {
	fixed := hashEntryFixed{
		Chunk:      e.Chunk,
		Offset:     e.Offset,
		Len:        e.Len,
		TsCreation: e.TsCreation,
		Flags:      uint32(e.Flags),
	}
	if err := packString(fixed.Mime[:], e.Mime); err != nil {
		return nil, err
	}
	if err := packString(fixed.Name[:], e.Name); err != nil {
		return nil, err
	}
	if err := packString(fixed.Encoding[:], e.Encoding); err != nil {
		return nil, err
	}

	packed, err := cstruct.Pack(fixed, cstruct.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("shfsvol: pack hash entry: %w", err)
	}

	out := make([]byte, len(e.Hash)+len(packed))
	copy(out, e.Hash)
	copy(out[len(e.Hash):], packed)
	return out, nil
}

// UnmarshalHashEntry decodes a hlen-length-aware buffer previously
// produced by Marshal.
func UnmarshalHashEntry(buf []byte, hlen int) (*HashEntry, error) {
	if len(buf) < EntrySize(hlen) {
		return nil, fmt.Errorf("shfsvol: hash entry buffer too short (%d, want %d)", len(buf), EntrySize(hlen))
	}
	hash := make([]byte, hlen)
	copy(hash, buf[:hlen])

	var fixed hashEntryFixed
	if _, err := cstruct.Unpack(buf[hlen:], &fixed, cstruct.LittleEndian); err != nil {
		return nil, fmt.Errorf("shfsvol: unpack hash entry: %w", err)
	}

	return &HashEntry{
		Hash:       hash,
		Chunk:      fixed.Chunk,
		Offset:     fixed.Offset,
		Len:        fixed.Len,
		TsCreation: fixed.TsCreation,
		Flags:      EntryFlags(fixed.Flags),
		Mime:       unpackString(fixed.Mime[:]),
		Name:       unpackString(fixed.Name[:]),
		Encoding:   unpackString(fixed.Encoding[:]),
	}, nil
}

// IsVacant reports whether every hash byte is zero — the vacant-slot
// marker. Other fields are left undefined on a vacant slot and must
// not be relied upon.
func (e *HashEntry) IsVacant() bool {
	for _, b := range e.Hash {
		if b != 0 {
			return false
		}
	}
	return true
}

// NowSeconds is the ts_creation clock source, factored out so tests can
// observe a stable value without depending on wall-clock time.
var NowSeconds = func() int64 { return time.Now().Unix() }

// Volume is the fully assembled, mounted volume: stripe geometry,
// bucket-table shape, and the allocator, bound together with enough
// metadata for the engine and the info action to report on.
type Volume struct {
	VolUUID   uuid.UUID
	VolName   string
	VolSize   uint64
	ChunkSize uint64
	HLen      int
	Stripe    *stripe.Volume

	HtableRef              uint64
	HtableBakRef           uint64
	HtableBucketCount      uint32
	HtableEntriesPerBucket uint32
	HtableLen              uint64
	EntriesPerChunk        uint32

	Allocator alloc.Allocator
}

// HtableNbEntries is buckets*entries_per_bucket, the fixed slot count
// of the bucket table.
func (v *Volume) HtableNbEntries() uint32 {
	return v.HtableBucketCount * v.HtableEntriesPerBucket
}

// ChunksForLen returns ceil(n/chunksize), the number of chunks needed
// to hold n bytes of content.
func (v *Volume) ChunksForLen(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	return (n + v.ChunkSize - 1) / v.ChunkSize
}

// EntryChunkSpan is the number of chunks an occupied entry reserves:
// ChunksForLen(offset+len), floored to 1 so a zero-byte object still
// holds the single chunk add-obj gave it. Every caller that registers
// or unregisters an entry's data range must use this, not ChunksForLen
// directly, or a zero-byte object's chunk leaks on removal.
func (v *Volume) EntryChunkSpan(entry *HashEntry) uint64 {
	n := v.ChunksForLen(entry.Offset + entry.Len)
	if n == 0 {
		n = 1
	}
	return n
}
