// Package shfsvol owns the on-disk layout of a mounted volume: chunk 0's
// common header, chunk 1's config header, and the loader that turns a
// list of device paths into an assembled Volume.
package shfsvol

import (
	"fmt"

	"github.com/NVIDIA/cstruct"
	"github.com/google/uuid"

	"github.com/shfs-tools/shfsadm/alloc"
	"github.com/shfs-tools/shfsadm/stripe"
)

const (
	// Chk0Length is the fixed size every member's chunk 0 is read/written
	// as, regardless of the volume's configured chunk size — the label
	// must be locatable before chunksize is known.
	Chk0Length = 4096

	// BootAreaLength is the byte offset of the common header inside
	// chunk 0. Bytes before it are opaque boot-area content this tool
	// never interprets.
	BootAreaLength = 512

	// MaxTryMembers bounds how many device paths the loader will accept
	// from the caller in a single mount attempt.
	MaxTryMembers = 32

	shfsMagic   = uint32(0x53484653) // "SHFS" read as a big-endian word; stored little-endian as "SFHS"
	shfsVersion = uint32(1)

	maxVolNameLen  = 16
	maxMimeLen     = 24
	maxNameLen     = 64
	maxEncodingLen = 8
)

// AllocatorKind identifies the allocator strategy named in a config
// header. FirstFit is the only kind this format defines; anything else
// is MOUNT-FATAL per the loader's validation.
type AllocatorKind uint32

const (
	AllocatorFirstFit AllocatorKind = 0
)

// commonHeader is chunk 0's fixed-width portion, located at
// BootAreaLength. The member UUID arrays are decoded separately since
// their length depends on MemberCount, which this struct also carries.
type commonHeader struct {
	Magic         uint32
	Version       uint32
	VolUUID       [16]byte
	VolName       [maxVolNameLen]byte
	VolSize       uint64
	StripeSize    uint32
	StripeMode    uint32
	MemberCount   uint32
	SelfMemberIdx uint32
}

func commonHeaderSize() int {
	n, _, err := cstruct.Examine(commonHeader{})
	if err != nil {
		panic(fmt.Sprintf("shfsvol: examine common header: %v", err))
	}
	return int(n)
}

// detectHdr0 unpacks and validates the common header out of a raw
// Chk0Length-byte buffer. It rejects anything whose magic/version does
// not match, the way shfs_detect_hdr0 does in the original tool.
func detectHdr0(chk0 []byte) (commonHeader, error) {
	var hdr commonHeader
	if len(chk0) < Chk0Length {
		return hdr, fmt.Errorf("shfsvol: chunk 0 buffer too short (%d bytes)", len(chk0))
	}
	body := chk0[BootAreaLength:]

	if _, err := cstruct.Unpack(body, &hdr, cstruct.LittleEndian); err != nil {
		return hdr, fmt.Errorf("shfsvol: unpack common header: %w", err)
	}
	if hdr.Magic != shfsMagic {
		return hdr, fmt.Errorf("shfsvol: bad label magic 0x%08x", hdr.Magic)
	}
	if hdr.Version != shfsVersion {
		return hdr, fmt.Errorf("shfsvol: unsupported label version %d", hdr.Version)
	}
	if hdr.MemberCount == 0 || hdr.MemberCount > MaxTryMembers {
		return hdr, fmt.Errorf("shfsvol: implausible member count %d", hdr.MemberCount)
	}
	return hdr, nil
}

// memberUUIDs unpacks the trailing per-member UUID array that follows
// the fixed commonHeader fields inside chunk 0.
func memberUUIDs(chk0 []byte, count uint32) ([]uuid.UUID, error) {
	base := BootAreaLength + commonHeaderSize()
	need := base + int(count)*16
	if need > len(chk0) {
		return nil, fmt.Errorf("shfsvol: member UUID array overruns chunk 0 (need %d, have %d)", need, len(chk0))
	}
	out := make([]uuid.UUID, count)
	for i := uint32(0); i < count; i++ {
		off := base + int(i)*16
		u, err := uuid.FromBytes(chk0[off : off+16])
		if err != nil {
			return nil, fmt.Errorf("shfsvol: decode member uuid %d: %w", i, err)
		}
		out[i] = u
	}
	return out, nil
}

// LabelInfo is the subset of chunk 0's common header that info reports,
// decoded straight from a freshly read buffer rather than from cached
// Volume metadata.
type LabelInfo struct {
	VolUUID     uuid.UUID
	VolName     string
	VolSize     uint64
	StripeSize  uint32
	MemberCount uint32
}

// ReadLabel decodes and validates a raw chunk 0 buffer exactly as the
// loader's detectHdr0 does, for callers that want to confirm what is
// actually on disk right now rather than rely on a mount-time cache.
func ReadLabel(chk0 []byte) (LabelInfo, error) {
	hdr, err := detectHdr0(chk0)
	if err != nil {
		return LabelInfo{}, err
	}
	return LabelInfo{
		VolUUID:     mustUUID(hdr.VolUUID),
		VolName:     volName(hdr.VolName),
		VolSize:     hdr.VolSize,
		StripeSize:  hdr.StripeSize,
		MemberCount: hdr.MemberCount,
	}, nil
}

// ConfigInfo is the subset of chunk 1's config header that info reports.
type ConfigInfo struct {
	HtableBucketCount   uint32
	HtableEntriesPerBkt uint32
	Hlen                uint32
}

// ReadConfig decodes and validates a raw chunk 1 buffer exactly as the
// loader's unpackConfigHeader does.
func ReadConfig(buf []byte) (ConfigInfo, error) {
	cfg, err := unpackConfigHeader(buf)
	if err != nil {
		return ConfigInfo{}, err
	}
	return ConfigInfo{
		HtableBucketCount:   cfg.HtableBucketCount,
		HtableEntriesPerBkt: cfg.HtableEntriesPerBkt,
		Hlen:                cfg.Hlen,
	}, nil
}

// volName trims the common header's fixed name buffer at its first NUL.
func volName(raw [maxVolNameLen]byte) string {
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i])
		}
	}
	return string(raw[:])
}

// configHeader is chunk 1's fixed-width portion.
type configHeader struct {
	HtableRef           uint64
	HtableBakRef        uint64
	HtableBucketCount   uint32
	HtableEntriesPerBkt uint32
	Hlen                uint32
	Allocator           uint32
	HtableLen           uint64
}

func unpackConfigHeader(buf []byte) (configHeader, error) {
	var hdr configHeader
	if _, err := cstruct.Unpack(buf, &hdr, cstruct.LittleEndian); err != nil {
		return hdr, fmt.Errorf("shfsvol: unpack config header: %w", err)
	}
	if AllocatorKind(hdr.Allocator) != AllocatorFirstFit {
		return hdr, fmt.Errorf("shfsvol: unknown allocator kind %d", hdr.Allocator)
	}
	if hdr.HtableBucketCount == 0 || hdr.HtableEntriesPerBkt == 0 {
		return hdr, fmt.Errorf("shfsvol: degenerate bucket table shape %d x %d", hdr.HtableBucketCount, hdr.HtableEntriesPerBkt)
	}
	if hdr.Hlen == 0 || hdr.Hlen > 64 {
		return hdr, fmt.Errorf("shfsvol: implausible hlen %d", hdr.Hlen)
	}
	return hdr, nil
}

func stripeModeFromWire(m uint32) (stripe.Mode, error) {
	switch m {
	case uint32(stripe.Combined):
		return stripe.Combined, nil
	case uint32(stripe.Independent):
		return stripe.Independent, nil
	default:
		return 0, fmt.Errorf("shfsvol: unsupported stripe mode %d", m)
	}
}

// newAllocator constructs the allocator kind a config header names.
func newAllocator(kind AllocatorKind, volSize uint64) (alloc.Allocator, error) {
	switch kind {
	case AllocatorFirstFit:
		return alloc.NewFirstFit(volSize), nil
	default:
		return nil, fmt.Errorf("shfsvol: unknown allocator kind %d", kind)
	}
}
