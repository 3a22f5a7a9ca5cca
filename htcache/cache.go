// Package htcache holds the hash-table region's chunk buffers in
// memory, lazily loaded and writeback-flushed only at unmount.
package htcache

import (
	"fmt"

	"github.com/shfs-tools/shfsadm/logger"
	"github.com/shfs-tools/shfsadm/shfserr"
	"github.com/shfs-tools/shfsadm/stripe"
)

type slot struct {
	buf    []byte
	loaded bool
	dirty  bool
}

// Cache is a fixed array of htableLen chunk slots sitting in front of
// the hash-table region of a striped volume.
type Cache struct {
	vol          *stripe.Volume
	htableRef    uint64
	htableBakRef uint64
	htableLen    uint64
	chunkSize    uint64
	slots        []slot
}

// New constructs a Cache over [htableRef, htableRef+htableLen) of vol,
// optionally mirrored to a backup region at htableBakRef (0 means
// absent).
func New(vol *stripe.Volume, htableRef, htableBakRef, htableLen uint64) *Cache {
	return &Cache{
		vol:          vol,
		htableRef:    htableRef,
		htableBakRef: htableBakRef,
		htableLen:    htableLen,
		chunkSize:    vol.ChunkSize,
		slots:        make([]slot, htableLen),
	}
}

func (c *Cache) checkChunk(htchunk uint64) error {
	if htchunk >= c.htableLen {
		return fmt.Errorf("htcache: htchunk %d out of range [0,%d)", htchunk, c.htableLen)
	}
	return nil
}

// load fetches the buffer for htchunk, reading it from the primary
// region on first access.
func (c *Cache) load(htchunk uint64) ([]byte, error) {
	if err := c.checkChunk(htchunk); err != nil {
		return nil, shfserr.Wrap(err, shfserr.KindIOFatal)
	}
	s := &c.slots[htchunk]
	if s.loaded {
		return s.buf, nil
	}

	buf := make([]byte, c.chunkSize)
	if err := c.vol.ReadChunks(c.htableRef+htchunk, 1, buf); err != nil {
		return nil, shfserr.New(shfserr.KindIOFatal, "htcache: read htchunk %d: %v", htchunk, err)
	}
	s.buf = buf
	s.loaded = true
	return s.buf, nil
}

// EntryBuf returns the raw entrySize-byte slice of the buffer for
// hash-table entry index, loading its owning chunk on first access.
func (c *Cache) EntryBuf(index uint32, entriesPerChunk uint32, entrySize int) ([]byte, uint64, error) {
	htchunk := uint64(index / entriesPerChunk)
	offset := int(index%entriesPerChunk) * entrySize

	buf, err := c.load(htchunk)
	if err != nil {
		return nil, htchunk, err
	}
	if offset+entrySize > len(buf) {
		return nil, htchunk, shfserr.New(shfserr.KindIOFatal, "htcache: entry %d offset %d exceeds chunk size %d", index, offset, len(buf))
	}
	return buf[offset : offset+entrySize], htchunk, nil
}

// MarkDirty flags htchunk's buffer as differing from on-disk state.
func (c *Cache) MarkDirty(htchunk uint64) {
	if htchunk >= c.htableLen {
		return
	}
	c.slots[htchunk].dirty = true
}

// FlushAll writes every dirty chunk buffer to the primary region, and
// to the backup region if configured, in primary-then-backup order so
// a crash between the two leaves the primary consistent. It is
// best-effort: a write failure is logged and flushing continues.
func (c *Cache) FlushAll() error {
	var firstErr error
	for htchunk := uint64(0); htchunk < c.htableLen; htchunk++ {
		s := &c.slots[htchunk]
		if !s.dirty {
			continue
		}
		if err := c.vol.WriteChunks(c.htableRef+htchunk, 1, s.buf); err != nil {
			logger.Warnf("htcache: potential corruption: flush primary htchunk %d: %v", htchunk, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if c.htableBakRef != 0 {
			if err := c.vol.WriteChunks(c.htableBakRef+htchunk, 1, s.buf); err != nil {
				logger.Warnf("htcache: potential corruption: flush backup htchunk %d: %v", htchunk, err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}
		s.dirty = false
	}
	if firstErr != nil {
		return shfserr.New(shfserr.KindIOFatal, "htcache: flush encountered errors: %v", firstErr)
	}
	return nil
}

// Stats reports how many chunk buffers are currently loaded and how
// many of those are dirty.
func (c *Cache) Stats() (loaded, dirty int) {
	for i := range c.slots {
		if c.slots[i].loaded {
			loaded++
			if c.slots[i].dirty {
				dirty++
			}
		}
	}
	return
}
