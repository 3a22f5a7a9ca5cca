package engine

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/shfs-tools/shfsadm/btable"
	"github.com/shfs-tools/shfsadm/digest"
	"github.com/shfs-tools/shfsadm/logger"
	"github.com/shfs-tools/shfsadm/shfserr"
	"github.com/shfs-tools/shfsadm/shfsvol"
)

// Engine runs an ordered token list against a mounted volume.
type Engine struct {
	Mounted *shfsvol.Mounted

	// Stdout receives cat-obj's file content and ls/info's report text.
	Stdout io.Writer

	// Cancelled is polled between tokens and inside add-obj/cat-obj's
	// per-chunk loops. It is owned by the CLI's signal handler.
	Cancelled func() bool

	// NewDigest constructs the content-hash function; overridable by
	// tests, defaulting to the SHA-256 reference digest.
	NewDigest func(hlen int) digest.Digest

	defHash []byte
}

// New constructs an Engine over an already-mounted volume, seeding its
// default-object tracking from whatever entry already carried
// FlagDefault on disk so a stale default from a prior session gets
// cleared rather than left dangling alongside a freshly set one.
func New(m *shfsvol.Mounted, stdout io.Writer, cancelled func() bool) *Engine {
	e := &Engine{
		Mounted:   m,
		Stdout:    stdout,
		Cancelled: cancelled,
		NewDigest: digest.NewSHA256,
	}
	if len(m.DefaultHash) > 0 {
		e.defHash = append([]byte(nil), m.DefaultHash...)
	}
	return e
}

// Run executes tokens strictly in order, halting early if Cancelled
// returns true between tokens. Each token's result reflects OK,
// UserErr, or Cancelled; a token's in-memory effects are visible to
// every token after it in the same run.
func (e *Engine) Run(tokens []Token) []Result {
	results := make([]Result, 0, len(tokens))
	for _, tok := range tokens {
		if e.Cancelled != nil && e.Cancelled() {
			results = append(results, Result{Token: tok, Outcome: Cancelled})
			break
		}

		res := e.dispatch(tok)
		results = append(results, res)
		if res.Outcome == Cancelled {
			break
		}
	}
	return results
}

func (e *Engine) dispatch(tok Token) Result {
	var err error
	switch tok.Kind {
	case AddObj:
		err = e.addObj(tok)
	case RmObj:
		err = e.rmObj(tok)
	case CatObj:
		err = e.catObj(tok)
	case SetDefault:
		err = e.setDefault(tok)
	case ClearDefault:
		err = e.clearDefault()
	case Ls:
		err = e.ls()
	case Info:
		err = e.info()
	default:
		err = shfserr.New(shfserr.KindUserError, "unknown action")
	}

	if err == nil {
		return Result{Token: tok, Outcome: OK}
	}
	if shfserr.Is(err, shfserr.KindCancelled) {
		return Result{Token: tok, Outcome: Cancelled, Err: err}
	}
	return Result{Token: tok, Outcome: UserErr, Err: err}
}

func (e *Engine) vol() *shfsvol.Volume { return e.Mounted.Vol }

func (e *Engine) readEntry(idx uint32) (*shfsvol.HashEntry, error) {
	v := e.vol()
	buf, _, err := e.Mounted.Cache.EntryBuf(idx, v.EntriesPerChunk, shfsvol.EntrySize(v.HLen))
	if err != nil {
		return nil, err
	}
	return shfsvol.UnmarshalHashEntry(buf, v.HLen)
}

func (e *Engine) writeEntry(idx uint32, entry *shfsvol.HashEntry) error {
	v := e.vol()
	buf, htchunk, err := e.Mounted.Cache.EntryBuf(idx, v.EntriesPerChunk, shfsvol.EntrySize(v.HLen))
	if err != nil {
		return err
	}
	packed, err := entry.Marshal()
	if err != nil {
		return shfserr.Wrap(err, shfserr.KindIOFatal)
	}
	copy(buf, packed)
	e.Mounted.Cache.MarkDirty(htchunk)
	return nil
}

// zeroHashField clears a slot's hash prefix in place without disturbing
// the fixed-width remainder, matching the vacant-slot convention of
// "all-zero hash, other fields undefined".
func (e *Engine) zeroHashField(idx uint32) error {
	v := e.vol()
	buf, htchunk, err := e.Mounted.Cache.EntryBuf(idx, v.EntriesPerChunk, shfsvol.EntrySize(v.HLen))
	if err != nil {
		return err
	}
	for i := 0; i < v.HLen; i++ {
		buf[i] = 0
	}
	e.Mounted.Cache.MarkDirty(htchunk)
	return nil
}

func parseHashHex(s string, hlen int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, shfserr.New(shfserr.KindUserError, "malformed hash %q: %v", s, err)
	}
	if len(b) != hlen {
		return nil, shfserr.New(shfserr.KindUserError, "hash %q has %d bytes, want %d", s, len(b), hlen)
	}
	return b, nil
}

func (e *Engine) lookup(hashHex string) (btable.Entry, error) {
	hash, err := parseHashHex(hashHex, e.vol().HLen)
	if err != nil {
		return btable.Entry{}, err
	}
	bent, ok := e.Mounted.Table.Lookup(hash)
	if !ok {
		return btable.Entry{}, shfserr.New(shfserr.KindUserError, "no such hash %s", hashHex)
	}
	return bent, nil
}

// addObj streams path twice: once to compute its content hash, once to
// write its chunks, only inserting the bucket and hash-table entries
// once both passes succeed.
func (e *Engine) addObj(tok Token) error {
	v := e.vol()

	f, err := os.Open(tok.Path)
	if err != nil {
		return shfserr.New(shfserr.KindUserError, "open %s: %v", tok.Path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return shfserr.New(shfserr.KindUserError, "stat %s: %v", tok.Path, err)
	}
	if !fi.Mode().IsRegular() {
		return shfserr.New(shfserr.KindUserError, "%s is not a regular file", tok.Path)
	}
	fsize := uint64(fi.Size())
	csize := v.ChunksForLen(fsize)
	if csize == 0 {
		csize = 1
	}

	cchk := v.Allocator.FindFree(csize)
	if cchk == 0 || cchk >= v.VolSize {
		return shfserr.New(shfserr.KindUserError, "no space for %d chunks", csize)
	}
	if err := v.Allocator.Register(cchk, csize); err != nil {
		return shfserr.New(shfserr.KindUserError, "no space for %d chunks: %v", csize, err)
	}

	d := e.NewDigest(v.HLen)
	buf := make([]byte, v.ChunkSize)
	var remaining uint64 = fsize
	for remaining > 0 {
		n := v.ChunkSize
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(f, buf[:n]); err != nil {
			v.Allocator.Unregister(cchk, csize)
			return shfserr.New(shfserr.KindIOFatal, "read %s: %v", tok.Path, err)
		}
		d.Write(buf[:n])
		remaining -= n
	}
	fhash := d.Finalize()

	if _, ok := e.Mounted.Table.Lookup(fhash); ok {
		v.Allocator.Unregister(cchk, csize)
		return shfserr.New(shfserr.KindUserError, "duplicate content %x already stored", fhash)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		v.Allocator.Unregister(cchk, csize)
		return shfserr.New(shfserr.KindIOFatal, "rewind %s: %v", tok.Path, err)
	}

	remaining = fsize
	for c := uint64(0); c < csize; c++ {
		if e.Cancelled != nil && e.Cancelled() {
			v.Allocator.Unregister(cchk, csize)
			return shfserr.New(shfserr.KindCancelled, "cancelled while writing %s", tok.Path)
		}

		n := v.ChunkSize
		if remaining < n {
			n = remaining
		}
		for i := range buf {
			buf[i] = 0
		}
		if n > 0 {
			if _, err := io.ReadFull(f, buf[:n]); err != nil {
				v.Allocator.Unregister(cchk, csize)
				return shfserr.New(shfserr.KindIOFatal, "re-read %s: %v", tok.Path, err)
			}
		}
		if err := v.Stripe.WriteChunks(cchk+c, 1, buf); err != nil {
			v.Allocator.Unregister(cchk, csize)
			return shfserr.New(shfserr.KindIOFatal, "write chunk %d: %v", cchk+c, err)
		}
		logger.Tracef(logger.LevelDebug, "wrote chunk %d (%d bytes)", cchk+c, n)
		remaining -= n
	}

	bent, err := e.Mounted.Table.Add(fhash)
	if err != nil {
		v.Allocator.Unregister(cchk, csize)
		return shfserr.New(shfserr.KindUserError, "bucket full for %x: %v", fhash, err)
	}

	name := tok.Name
	if name == "" {
		name = filepath.Base(tok.Path)
	}
	entry := &shfsvol.HashEntry{
		Hash:       fhash,
		Chunk:      cchk,
		Offset:     0,
		Len:        fsize,
		TsCreation: shfsvol.NowSeconds(),
		Flags:      0,
		Mime:       tok.Mime,
		Name:       name,
		Encoding:   "",
	}
	if err := e.writeEntry(bent.Index, entry); err != nil {
		e.Mounted.Table.Remove(fhash)
		v.Allocator.Unregister(cchk, csize)
		return err
	}
	logger.Debugf("added %x at chunk %d (%d chunks)", fhash, cchk, csize)
	return nil
}

func (e *Engine) rmObj(tok Token) error {
	v := e.vol()
	bent, err := e.lookup(tok.HashHex)
	if err != nil {
		return err
	}
	entry, err := e.readEntry(bent.Index)
	if err != nil {
		return err
	}

	csize := v.EntryChunkSpan(entry)
	if err := v.Allocator.Unregister(entry.Chunk, csize); err != nil {
		return shfserr.New(shfserr.KindIOFatal, "unregister chunk range for %s: %v", tok.HashHex, err)
	}
	if err := e.zeroHashField(bent.Index); err != nil {
		return err
	}
	if err := e.Mounted.Table.Remove(entry.Hash); err != nil {
		return shfserr.New(shfserr.KindIOFatal, "remove %s from bucket table: %v", tok.HashHex, err)
	}
	if e.defHash != nil && hashEqual(e.defHash, entry.Hash) {
		e.defHash = nil
	}
	return nil
}

func (e *Engine) catObj(tok Token) error {
	v := e.vol()
	bent, err := e.lookup(tok.HashHex)
	if err != nil {
		return err
	}
	entry, err := e.readEntry(bent.Index)
	if err != nil {
		return err
	}

	remaining := entry.Len
	offsetInFirst := entry.Offset
	buf := make([]byte, v.ChunkSize)
	chk := entry.Chunk
	for remaining > 0 {
		if e.Cancelled != nil && e.Cancelled() {
			return shfserr.New(shfserr.KindCancelled, "cancelled while reading %s", tok.HashHex)
		}

		if err := v.Stripe.ReadChunks(chk, 1, buf); err != nil {
			return shfserr.New(shfserr.KindIOFatal, "read chunk %d: %v", chk, err)
		}
		logger.Tracef(logger.LevelDebug, "read chunk %d", chk)

		avail := v.ChunkSize - offsetInFirst
		n := avail
		if remaining < n {
			n = remaining
		}
		if _, err := e.Stdout.Write(buf[offsetInFirst : offsetInFirst+n]); err != nil {
			return shfserr.New(shfserr.KindIOFatal, "write stdout: %v", err)
		}

		remaining -= n
		offsetInFirst = 0
		chk++
	}
	return nil
}

func (e *Engine) setDefault(tok Token) error {
	bent, err := e.lookup(tok.HashHex)
	if err != nil {
		return err
	}

	if err := e.clearDefault(); err != nil {
		return err
	}

	entry, err := e.readEntry(bent.Index)
	if err != nil {
		return err
	}
	entry.Flags |= shfsvol.FlagDefault
	if err := e.writeEntry(bent.Index, entry); err != nil {
		return err
	}
	e.defHash = append([]byte(nil), entry.Hash...)
	return nil
}

func (e *Engine) clearDefault() error {
	if e.defHash == nil {
		return nil
	}
	bent, ok := e.Mounted.Table.Lookup(e.defHash)
	if !ok {
		e.defHash = nil
		return nil
	}
	entry, err := e.readEntry(bent.Index)
	if err != nil {
		return err
	}
	entry.Flags &^= shfsvol.FlagDefault
	if err := e.writeEntry(bent.Index, entry); err != nil {
		return err
	}
	e.defHash = nil
	return nil
}

func (e *Engine) ls() error {
	v := e.vol()
	hashWidth := 64
	if v.HLen > 32 {
		hashWidth = 128
	}

	var rowErr error
	e.Mounted.Table.Iterate(func(bent btable.Entry) {
		if rowErr != nil {
			return
		}
		entry, err := e.readEntry(bent.Index)
		if err != nil {
			rowErr = err
			return
		}
		span := v.EntryChunkSpan(entry)
		ts := time.Unix(entry.TsCreation, 0).UTC().Format("Jan _2, 06 15:04")
		fmt.Fprintf(e.Stdout, "%-*x %10d %6d %s %-24s %s  %s\n",
			hashWidth, entry.Hash, entry.Chunk, span, flagsGlyph(entry.Flags), entry.Mime, ts, entry.Name)
	})
	return rowErr
}

func flagsGlyph(f shfsvol.EntryFlags) string {
	d := byte('-')
	if f&shfsvol.FlagDefault != 0 {
		d = 'D'
	}
	h := byte('-')
	if f&shfsvol.FlagHidden != 0 {
		h = 'H'
	}
	return fmt.Sprintf("[%c--%c]", d, h)
}

// info re-reads chunk 0 from the first member and chunk 1 through the
// striped volume and decodes them directly, rather than printing from the Volume mount already
// cached, so the report reflects what is on disk right now.
func (e *Engine) info() error {
	v := e.vol()
	mem := v.Stripe.Members[0]

	chk0 := make([]byte, shfsvol.Chk0Length)
	if err := mem.Disk.ReadAt(chk0, 0); err != nil {
		return shfserr.New(shfserr.KindIOFatal, "re-read chunk 0: %v", err)
	}
	label, err := shfsvol.ReadLabel(chk0)
	if err != nil {
		return shfserr.New(shfserr.KindIOFatal, "decode chunk 0: %v", err)
	}

	chk1 := make([]byte, v.ChunkSize)
	if err := v.Stripe.ReadChunks(1, 1, chk1); err != nil {
		return shfserr.New(shfserr.KindIOFatal, "re-read chunk 1: %v", err)
	}
	cfg, err := shfsvol.ReadConfig(chk1)
	if err != nil {
		return shfserr.New(shfserr.KindIOFatal, "decode chunk 1: %v", err)
	}

	fmt.Fprintf(e.Stdout, "Volume name:     %s\n", label.VolName)
	fmt.Fprintf(e.Stdout, "Volume UUID:     %s\n", label.VolUUID)
	fmt.Fprintf(e.Stdout, "Volume size:     %s (%d chunks)\n", humanize.Bytes(label.VolSize*v.ChunkSize), label.VolSize)
	fmt.Fprintf(e.Stdout, "Stripe size:     %s\n", humanize.Bytes(uint64(label.StripeSize)))
	fmt.Fprintf(e.Stdout, "Stripe mode:     %s\n", v.Stripe.Mode)
	fmt.Fprintf(e.Stdout, "Members:         %d\n", label.MemberCount)
	fmt.Fprintf(e.Stdout, "Hash length:     %d bytes\n", cfg.Hlen)
	fmt.Fprintf(e.Stdout, "Hash table:      %d buckets x %d entries (%d total)\n", cfg.HtableBucketCount, cfg.HtableEntriesPerBkt, cfg.HtableBucketCount*cfg.HtableEntriesPerBkt)
	loaded, dirty := e.Mounted.Cache.Stats()
	fmt.Fprintf(e.Stdout, "Cache:           %d chunks loaded, %d dirty\n", loaded, dirty)
	return nil
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
