package shfsvol

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/shfs-tools/shfsadm/btable"
	"github.com/shfs-tools/shfsadm/disk"
	"github.com/shfs-tools/shfsadm/htcache"
	"github.com/shfs-tools/shfsadm/logger"
	"github.com/shfs-tools/shfsadm/shfserr"
	"github.com/shfs-tools/shfsadm/stripe"
)

// Mounted bundles everything Mount assembles: the Volume itself plus
// the chunk cache and bucket table the engine mutates.
type Mounted struct {
	Vol   *Volume
	Cache *htcache.Cache
	Table *btable.Table

	// DefaultHash is the hash of the entry that already carried
	// FlagDefault on disk at mount time, or nil if none did. The engine
	// seeds its own default tracking from this so a stale DEFAULT bit
	// left by a prior session still gets cleared before a new one is set.
	DefaultHash []byte
}

type detected struct {
	path string
	dev  disk.BlockDevice
	hdr  commonHeader
	uuid uuid.UUID
	chk0 []byte
}

// mountState threads the four ordered loader steps, each one fatal on
// failure and responsible for rolling back the resources it itself
// opened. load_vol_cconf, load_vol_hconf, load_vol_htable, and
// load_vol_alist in the original admin tool correspond to the four
// methods below, kept separate so each step's rollback scope is clear.
type mountState struct {
	paths    []string
	detected []detected
	hdr      commonHeader
	members  []stripe.Member
	vol      *Volume
	cache    *htcache.Cache
	table    *btable.Table
	defHash  []byte
}

// Mount opens every device in paths, validates the SHFS label on each,
// assembles the striped volume, loads the hash table, and populates
// the allocator. Any step's failure aborts the whole mount and closes
// whatever devices were already opened.
func Mount(paths []string) (*Mounted, error) {
	if len(paths) == 0 {
		return nil, shfserr.New(shfserr.KindMountFatal, "shfsvol: no member devices given")
	}
	if len(paths) > MaxTryMembers {
		return nil, shfserr.New(shfserr.KindMountFatal, "shfsvol: too many member devices (%d > %d)", len(paths), MaxTryMembers)
	}

	st := &mountState{paths: paths}

	if err := st.loadVolCconf(); err != nil {
		st.closeDetected()
		return nil, shfserr.Wrap(err, shfserr.KindMountFatal)
	}
	if err := st.loadVolHconf(); err != nil {
		st.closeDetected()
		return nil, shfserr.Wrap(err, shfserr.KindMountFatal)
	}
	if err := st.loadVolHtable(); err != nil {
		st.closeDetected()
		return nil, shfserr.Wrap(err, shfserr.KindMountFatal)
	}
	if err := st.loadVolAlist(); err != nil {
		st.closeDetected()
		return nil, shfserr.Wrap(err, shfserr.KindMountFatal)
	}

	return &Mounted{Vol: st.vol, Cache: st.cache, Table: st.table, DefaultHash: st.defHash}, nil
}

func (st *mountState) closeDetected() {
	for _, d := range st.detected {
		_ = d.dev.Close()
	}
}

// loadVolCconf opens each device, validates its label, and cross
// references the declared member list against the devices detected.
func (st *mountState) loadVolCconf() error {
	for _, p := range st.paths {
		d, err := disk.Open(p)
		if err != nil {
			return fmt.Errorf("open %s: %w", p, err)
		}
		logger.Tracef(logger.LevelTrace, "probing %s: block size %d, size %d", d.Path(), d.BlockSize(), d.Size())
		if d.BlockSize() < 512 || d.BlockSize()&(d.BlockSize()-1) != 0 {
			d.Close()
			return fmt.Errorf("%s: block size %d must be >= 512 and a power of two", p, d.BlockSize())
		}

		chk0 := make([]byte, Chk0Length)
		if err := d.ReadAt(chk0, 0); err != nil {
			d.Close()
			return fmt.Errorf("read chunk 0 of %s: %w", p, err)
		}

		hdr, err := detectHdr0(chk0)
		if err != nil {
			d.Close()
			return fmt.Errorf("%s: %w", p, err)
		}
		logger.Debugf("SHFS label on %s detected", p)

		ids, err := memberUUIDs(chk0, hdr.MemberCount)
		if err != nil {
			d.Close()
			return err
		}
		selfUUID := ids[hdr.SelfMemberIdx%hdr.MemberCount]

		st.detected = append(st.detected, detected{path: p, dev: d, hdr: hdr, uuid: selfUUID, chk0: chk0})
	}

	if len(st.detected) == 0 {
		return fmt.Errorf("no valid SHFS label found on any given device")
	}
	st.hdr = st.detected[0].hdr

	if int(st.hdr.MemberCount) != len(st.paths) {
		return fmt.Errorf("declared member count %d differs from %d given devices", st.hdr.MemberCount, len(st.paths))
	}

	declared, err := memberUUIDs(st.detected[0].chk0, st.hdr.MemberCount)
	if err != nil {
		return err
	}

	members := make([]stripe.Member, len(declared))
	placed := make(map[uuid.UUID]bool, len(declared))
	for i, want := range declared {
		if placed[want] {
			return fmt.Errorf("declared member list contains duplicate uuid %s", want)
		}
		var found *detected
		for j := range st.detected {
			if st.detected[j].uuid == want {
				found = &st.detected[j]
				break
			}
		}
		if found == nil {
			return fmt.Errorf("declared member %s not present among given devices", want)
		}
		members[i] = stripe.Member{Disk: found.dev, UUID: want}
		placed[want] = true
	}
	st.members = members
	return nil
}

// loadVolHconf assembles the striped volume from the validated label
// and reads chunk 1's config header through it.
func (st *mountState) loadVolHconf() error {
	mode, err := stripeModeFromWire(st.hdr.StripeMode)
	if err != nil {
		return err
	}

	sv, err := stripe.New(st.members, st.hdr.StripeSize, mode)
	if err != nil {
		return err
	}

	minSize := stripe.MinMemberSize(st.hdr.VolSize, len(st.members), st.hdr.StripeSize, mode)
	for i, m := range st.members {
		if m.Disk.Size() < minSize {
			return fmt.Errorf("member %d (%s) too small: %d bytes, need >= %d", i, m.UUID, m.Disk.Size(), minSize)
		}
	}

	chk1 := make([]byte, sv.ChunkSize)
	if err := sv.ReadChunks(1, 1, chk1); err != nil {
		return fmt.Errorf("read chunk 1 (config header): %w", err)
	}
	cfg, err := unpackConfigHeader(chk1)
	if err != nil {
		return err
	}

	st.vol = &Volume{
		VolUUID:                mustUUID(st.hdr.VolUUID),
		VolName:                volName(st.hdr.VolName),
		VolSize:                st.hdr.VolSize,
		ChunkSize:              sv.ChunkSize,
		HLen:                   int(cfg.Hlen),
		Stripe:                 sv,
		HtableRef:              cfg.HtableRef,
		HtableBakRef:           cfg.HtableBakRef,
		HtableBucketCount:      cfg.HtableBucketCount,
		HtableEntriesPerBucket: cfg.HtableEntriesPerBkt,
		HtableLen:              cfg.HtableLen,
		EntriesPerChunk:        uint32(sv.ChunkSize) / uint32(EntrySize(int(cfg.Hlen))),
	}
	return nil
}

// loadVolHtable builds the chunk cache and scans every hash-table
// entry into the bucket table.
func (st *mountState) loadVolHtable() error {
	v := st.vol
	st.cache = htcache.New(v.Stripe, v.HtableRef, v.HtableBakRef, v.HtableLen)
	st.table = btable.New(v.HtableBucketCount, v.HtableEntriesPerBucket, v.HLen, v.EntriesPerChunk, EntrySize(v.HLen))

	n := v.HtableNbEntries()
	entrySize := EntrySize(v.HLen)
	for i := uint32(0); i < n; i++ {
		buf, _, err := st.cache.EntryBuf(i, v.EntriesPerChunk, entrySize)
		if err != nil {
			return err
		}
		hash := make([]byte, v.HLen)
		copy(hash, buf[:v.HLen])
		st.table.Feed(i, hash)
	}
	return nil
}

// loadVolAlist registers the fixed regions and every occupied entry's
// data range with a fresh allocator.
func (st *mountState) loadVolAlist() error {
	v := st.vol

	allocator, err := newAllocator(AllocatorFirstFit, v.VolSize)
	if err != nil {
		return err
	}

	if err := allocator.Register(0, 2); err != nil {
		return fmt.Errorf("register label+config region: %w", err)
	}
	if err := allocator.Register(v.HtableRef, v.HtableLen); err != nil {
		return fmt.Errorf("register htable region: %w", err)
	}
	if v.HtableBakRef != 0 {
		if err := allocator.Register(v.HtableBakRef, v.HtableLen); err != nil {
			return fmt.Errorf("register backup htable region: %w", err)
		}
	}

	entrySize := EntrySize(v.HLen)
	n := v.HtableNbEntries()
	for i := uint32(0); i < n; i++ {
		buf, _, err := st.cache.EntryBuf(i, v.EntriesPerChunk, entrySize)
		if err != nil {
			return err
		}
		entry, err := UnmarshalHashEntry(buf, v.HLen)
		if err != nil {
			return err
		}
		if entry.IsVacant() {
			continue
		}
		if entry.Flags&FlagDefault != 0 {
			st.defHash = append([]byte(nil), entry.Hash...)
		}
		csize := v.EntryChunkSpan(entry)
		if err := allocator.Register(entry.Chunk, csize); err != nil {
			return fmt.Errorf("register occupied range for entry %d: %w", i, err)
		}
	}

	v.Allocator = allocator
	return nil
}

// Unmount flushes dirty hash-table chunks to primary and backup
// regions, then closes every member disk. It always attempts every
// step even if a prior step failed, since it is the sole writeback
// point for the whole run.
func Unmount(m *Mounted) error {
	var firstErr error
	if err := m.Cache.FlushAll(); err != nil {
		firstErr = err
	}
	for _, mem := range m.Vol.Stripe.Members {
		if err := mem.Disk.Close(); err != nil && firstErr == nil {
			firstErr = shfserr.New(shfserr.KindIOFatal, "shfsvol: close member %s: %v", mem.UUID, err)
		}
	}
	return firstErr
}

func mustUUID(raw [16]byte) uuid.UUID {
	u, _ := uuid.FromBytes(raw[:])
	return u
}
