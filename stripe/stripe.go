// Package stripe turns an ordered set of block devices into a single
// logical chunk space under one of two striping modes.
package stripe

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/shfs-tools/shfsadm/disk"
)

// Mode selects how a chunk's bytes are laid out across members.
type Mode uint8

const (
	// Combined spreads every chunk across all members (RAID-0-like):
	// chunk c spans all members at byte offset c*StripeSize, with
	// stripe i of the chunk living on member i.
	Combined Mode = iota
	// Independent keeps each chunk entirely on one member: chunk c
	// lives on member c%nbMembers at member-local offset
	// (c/nbMembers)*StripeSize.
	Independent
)

func (m Mode) String() string {
	switch m {
	case Combined:
		return "COMBINED"
	case Independent:
		return "INDEPENDENT"
	default:
		return "UNKNOWN"
	}
}

// Member is one participant block device plus the member UUID its label
// declares.
type Member struct {
	Disk disk.BlockDevice
	UUID uuid.UUID
}

// Volume is an ordered set of Members plus stripe parameters, able to
// translate chunk numbers into member I/O.
type Volume struct {
	Members    []Member
	StripeSize uint32
	Mode       Mode
	ChunkSize  uint64
}

// New validates the striping parameters and constructs a Volume. It does
// not itself validate member sizes against a declared volume size; the
// caller (the volume loader) does that once it knows VolSize.
func New(members []Member, stripeSize uint32, mode Mode) (*Volume, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("stripe: no members")
	}
	if stripeSize < 4096 || stripeSize&(stripeSize-1) != 0 {
		return nil, fmt.Errorf("stripe: stripe size %d must be >= 4096 and a power of two", stripeSize)
	}
	if mode != Combined && mode != Independent {
		return nil, fmt.Errorf("stripe: unsupported stripe mode %d", mode)
	}

	v := &Volume{Members: members, StripeSize: stripeSize, Mode: mode}
	if mode == Combined {
		v.ChunkSize = uint64(stripeSize) * uint64(len(members))
	} else {
		v.ChunkSize = uint64(stripeSize)
	}
	return v, nil
}

func (v *Volume) NbMembers() int { return len(v.Members) }

// ReadChunks reads count consecutive chunks starting at startChk into buf,
// which must be sized count*ChunkSize.
func (v *Volume) ReadChunks(startChk uint64, count uint64, buf []byte) error {
	if err := v.checkIO(count, buf); err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		chunkBuf := buf[i*v.ChunkSize : (i+1)*v.ChunkSize]
		if err := v.readChunk(startChk+i, chunkBuf); err != nil {
			return err
		}
	}
	return nil
}

// WriteChunks writes count consecutive chunks starting at startChk from
// buf, which must be sized count*ChunkSize.
func (v *Volume) WriteChunks(startChk uint64, count uint64, buf []byte) error {
	if err := v.checkIO(count, buf); err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		chunkBuf := buf[i*v.ChunkSize : (i+1)*v.ChunkSize]
		if err := v.writeChunk(startChk+i, chunkBuf); err != nil {
			return err
		}
	}
	return nil
}

func (v *Volume) checkIO(count uint64, buf []byte) error {
	if count < 1 {
		return fmt.Errorf("stripe: count must be >= 1")
	}
	if uint64(len(buf)) != count*v.ChunkSize {
		return fmt.Errorf("stripe: buffer sized %d, want %d", len(buf), count*v.ChunkSize)
	}
	return nil
}

func (v *Volume) readChunk(chk uint64, buf []byte) error {
	switch v.Mode {
	case Combined:
		for m := range v.Members {
			stripeBuf := buf[uint64(m)*uint64(v.StripeSize) : uint64(m+1)*uint64(v.StripeSize)]
			if err := v.Members[m].Disk.ReadAt(stripeBuf, int64(chk)*int64(v.StripeSize)); err != nil {
				return err
			}
		}
		return nil
	default: // Independent
		m, off := v.independentLocation(chk)
		return v.Members[m].Disk.ReadAt(buf, off)
	}
}

func (v *Volume) writeChunk(chk uint64, buf []byte) error {
	switch v.Mode {
	case Combined:
		for m := range v.Members {
			stripeBuf := buf[uint64(m)*uint64(v.StripeSize) : uint64(m+1)*uint64(v.StripeSize)]
			if err := v.Members[m].Disk.WriteAt(stripeBuf, int64(chk)*int64(v.StripeSize)); err != nil {
				return err
			}
		}
		return nil
	default: // Independent
		m, off := v.independentLocation(chk)
		return v.Members[m].Disk.WriteAt(buf, off)
	}
}

func (v *Volume) independentLocation(chk uint64) (member int, byteOffset int64) {
	n := uint64(len(v.Members))
	member = int(chk % n)
	byteOffset = int64(chk/n) * int64(v.StripeSize)
	return
}

// MinMemberSize returns the per-member byte size the loader requires:
// (volSize+1)*stripeSize for COMBINED, ((volSize+1)/nbMembers)*stripeSize
// for INDEPENDENT. The INDEPENDENT division rounds down, so when
// volSize+1 is not a multiple of nbMembers the lowest-numbered members
// hold one chunk more than this size covers.
func MinMemberSize(volSize uint64, nbMembers int, stripeSize uint32, mode Mode) uint64 {
	if mode == Combined {
		return (volSize + 1) * uint64(stripeSize)
	}
	return ((volSize + 1) / uint64(nbMembers)) * uint64(stripeSize)
}
