package engine

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/shfs-tools/shfsadm/alloc"
	"github.com/shfs-tools/shfsadm/btable"
	"github.com/shfs-tools/shfsadm/disk"
	"github.com/shfs-tools/shfsadm/htcache"
	"github.com/shfs-tools/shfsadm/shfsvol"
	"github.com/shfs-tools/shfsadm/stripe"
)

const (
	testChunkSize   = uint64(4096)
	testHLen        = 4
	testEntrySize   = testHLen + 132 // hash prefix + fixed remainder, mirrors shfsvol.EntrySize
)

func newTestMount(t *testing.T, bucketCount, entriesPerBucket uint32, volSize uint64) *shfsvol.Mounted {
	t.Helper()

	member := disk.NewMemory((volSize+1)*testChunkSize, uint32(testChunkSize))
	sv, err := stripe.New([]stripe.Member{{Disk: member, UUID: uuid.New()}}, uint32(testChunkSize), stripe.Independent)
	if err != nil {
		t.Fatalf("new stripe volume: %v", err)
	}

	a := alloc.NewFirstFit(volSize)
	if err := a.Register(0, 2); err != nil {
		t.Fatalf("register label+config: %v", err)
	}
	if err := a.Register(2, 1); err != nil {
		t.Fatalf("register htable: %v", err)
	}

	entrySize := shfsvol.EntrySize(testHLen)
	entriesPerChunk := uint32(testChunkSize) / uint32(entrySize)

	vol := &shfsvol.Volume{
		VolUUID:                uuid.New(),
		VolName:                "test",
		VolSize:                volSize,
		ChunkSize:              testChunkSize,
		HLen:                   testHLen,
		Stripe:                 sv,
		HtableRef:              2,
		HtableBakRef:           0,
		HtableBucketCount:      bucketCount,
		HtableEntriesPerBucket: entriesPerBucket,
		HtableLen:              1,
		EntriesPerChunk:        entriesPerChunk,
		Allocator:              a,
	}

	cache := htcache.New(sv, vol.HtableRef, vol.HtableBakRef, vol.HtableLen)
	table := btable.New(bucketCount, entriesPerBucket, testHLen, entriesPerChunk, entrySize)

	return &shfsvol.Mounted{Vol: vol, Cache: cache, Table: table}
}

func writeTempFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "obj.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func notCancelled() bool { return false }

func TestAddObjCatObjRoundTrip(t *testing.T) {
	m := newTestMount(t, 4, 2, 39)
	var stdout bytes.Buffer
	e := New(m, &stdout, notCancelled)

	content := bytes.Repeat([]byte{0x5A}, 5000)
	path := writeTempFile(t, content)

	results := e.Run([]Token{{Kind: AddObj, Path: path, Mime: "application/octet-stream", Name: "obj"}})
	if results[0].Outcome != OK {
		t.Fatalf("add-obj failed: %v", results[0].Err)
	}

	var hashHex string
	m.Table.Iterate(func(bent btable.Entry) { hashHex = hex.EncodeToString(bent.Hash) })
	if hashHex == "" {
		t.Fatalf("no bucket entry found after add-obj")
	}

	stdout.Reset()
	results = e.Run([]Token{{Kind: CatObj, HashHex: hashHex}})
	if results[0].Outcome != OK {
		t.Fatalf("cat-obj failed: %v", results[0].Err)
	}
	assert.Equal(t, content, stdout.Bytes())
}

func TestAddObjDuplicateRejected(t *testing.T) {
	m := newTestMount(t, 4, 2, 39)
	e := New(m, &bytes.Buffer{}, notCancelled)

	content := bytes.Repeat([]byte{0x11}, 100)
	path := writeTempFile(t, content)

	tok := Token{Kind: AddObj, Path: path}
	first := e.Run([]Token{tok})
	if first[0].Outcome != OK {
		t.Fatalf("first add-obj failed: %v", first[0].Err)
	}

	second := e.Run([]Token{tok})
	if second[0].Outcome != UserErr {
		t.Fatalf("second add-obj outcome = %v, want UserErr", second[0].Outcome)
	}
}

func TestRmObjThenCatObjFails(t *testing.T) {
	m := newTestMount(t, 4, 2, 39)
	e := New(m, &bytes.Buffer{}, notCancelled)

	path := writeTempFile(t, bytes.Repeat([]byte{0x22}, 200))
	e.Run([]Token{{Kind: AddObj, Path: path}})

	var hashHex string
	m.Table.Iterate(func(bent btable.Entry) { hashHex = hex.EncodeToString(bent.Hash) })

	results := e.Run([]Token{{Kind: RmObj, HashHex: hashHex}})
	if results[0].Outcome != OK {
		t.Fatalf("rm-obj failed: %v", results[0].Err)
	}

	results = e.Run([]Token{{Kind: CatObj, HashHex: hashHex}})
	if results[0].Outcome != UserErr {
		t.Fatalf("cat-obj after rm outcome = %v, want UserErr", results[0].Outcome)
	}

	if got := m.Vol.Allocator.FindFree(1); got != 3 {
		t.Fatalf("find_free(1) after rm = %d, want 3 (reclaimed)", got)
	}
}

func TestAddThenRmZeroByteFileReclaimsItsChunk(t *testing.T) {
	m := newTestMount(t, 4, 2, 39)
	e := New(m, &bytes.Buffer{}, notCancelled)

	freeBefore := m.Vol.Allocator.FreeSet()

	path := writeTempFile(t, nil)
	results := e.Run([]Token{{Kind: AddObj, Path: path}})
	if results[0].Outcome != OK {
		t.Fatalf("add-obj of empty file failed: %v", results[0].Err)
	}

	var hashHex string
	m.Table.Iterate(func(bent btable.Entry) { hashHex = hex.EncodeToString(bent.Hash) })

	results = e.Run([]Token{{Kind: RmObj, HashHex: hashHex}})
	if results[0].Outcome != OK {
		t.Fatalf("rm-obj of empty file failed: %v", results[0].Err)
	}

	assert.Equal(t, freeBefore, m.Vol.Allocator.FreeSet())
}

func TestSetDefaultOnlyOneWinner(t *testing.T) {
	m := newTestMount(t, 4, 2, 39)
	e := New(m, &bytes.Buffer{}, notCancelled)

	path1 := writeTempFile(t, bytes.Repeat([]byte{0x01}, 64))
	path2 := writeTempFile(t, bytes.Repeat([]byte{0x02}, 64))
	e.Run([]Token{
		{Kind: AddObj, Path: path1},
		{Kind: AddObj, Path: path2},
	})

	var hashes []string
	m.Table.Iterate(func(bent btable.Entry) { hashes = append(hashes, hex.EncodeToString(bent.Hash)) })
	if len(hashes) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(hashes))
	}

	results := e.Run([]Token{
		{Kind: SetDefault, HashHex: hashes[0]},
		{Kind: SetDefault, HashHex: hashes[1]},
	})
	for _, r := range results {
		if r.Outcome != OK {
			t.Fatalf("set-default failed: %v", r.Err)
		}
	}

	defaults := 0
	m.Table.Iterate(func(bent btable.Entry) {
		entry, err := e.readEntry(bent.Index)
		if err != nil {
			t.Fatalf("read entry: %v", err)
		}
		if entry.Flags&shfsvol.FlagDefault != 0 {
			defaults++
			assert.Equal(t, hashes[1], hex.EncodeToString(entry.Hash))
		}
	})
	assert.Equal(t, 1, defaults)
}

func TestNewSeedsDefaultFromMountAndClearsStaleBit(t *testing.T) {
	m := newTestMount(t, 4, 2, 39)
	first := New(m, &bytes.Buffer{}, notCancelled)

	path1 := writeTempFile(t, bytes.Repeat([]byte{0x77}, 64))
	path2 := writeTempFile(t, bytes.Repeat([]byte{0x88}, 64))
	first.Run([]Token{
		{Kind: AddObj, Path: path1},
		{Kind: AddObj, Path: path2},
	})

	var hashes []string
	m.Table.Iterate(func(bent btable.Entry) { hashes = append(hashes, hex.EncodeToString(bent.Hash)) })
	if len(hashes) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(hashes))
	}
	if r := first.Run([]Token{{Kind: SetDefault, HashHex: hashes[0]}}); r[0].Outcome != OK {
		t.Fatalf("set-default failed: %v", r[0].Err)
	}

	// Simulate a fresh mount: a new Engine is constructed over the same
	// Mounted, with DefaultHash populated the way shfsvol.Mount would
	// populate it from the on-disk FlagDefault bit, rather than from any
	// in-process state left over from the prior Engine.
	oldDefault, err := hex.DecodeString(hashes[0])
	if err != nil {
		t.Fatalf("decode hash: %v", err)
	}
	m.DefaultHash = oldDefault
	second := New(m, &bytes.Buffer{}, notCancelled)

	if results := second.Run([]Token{{Kind: SetDefault, HashHex: hashes[1]}}); results[0].Outcome != OK {
		t.Fatalf("set-default on second engine failed: %v", results[0].Err)
	}

	defaults := 0
	m.Table.Iterate(func(bent btable.Entry) {
		entry, err := second.readEntry(bent.Index)
		if err != nil {
			t.Fatalf("read entry: %v", err)
		}
		if entry.Flags&shfsvol.FlagDefault != 0 {
			defaults++
			assert.Equal(t, hashes[1], hex.EncodeToString(entry.Hash))
		}
	})
	assert.Equal(t, 1, defaults)
}

func TestAddObjBucketFullRollsBackReservation(t *testing.T) {
	m := newTestMount(t, 1, 1, 39)
	e := New(m, &bytes.Buffer{}, notCancelled)

	path1 := writeTempFile(t, bytes.Repeat([]byte{0x33}, 64))
	path2 := writeTempFile(t, bytes.Repeat([]byte{0x44}, 64))

	first := e.Run([]Token{{Kind: AddObj, Path: path1}})
	if first[0].Outcome != OK {
		t.Fatalf("first add-obj failed: %v", first[0].Err)
	}
	freeAfterFirst := m.Vol.Allocator.FreeSet()

	second := e.Run([]Token{{Kind: AddObj, Path: path2}})
	if second[0].Outcome != UserErr {
		t.Fatalf("second add-obj outcome = %v, want UserErr (bucket full)", second[0].Outcome)
	}

	assert.Equal(t, freeAfterFirst, m.Vol.Allocator.FreeSet())
}

func TestAddObjCancelledMidWriteReleasesReservation(t *testing.T) {
	m := newTestMount(t, 4, 2, 39)

	callCount := 0
	cancelled := func() bool {
		callCount++
		return callCount == 3
	}
	e := New(m, &bytes.Buffer{}, cancelled)

	content := bytes.Repeat([]byte{0x55}, int(2*testChunkSize))
	path := writeTempFile(t, content)

	results := e.Run([]Token{{Kind: AddObj, Path: path}})
	if results[0].Outcome != Cancelled {
		t.Fatalf("outcome = %v, want Cancelled", results[0].Outcome)
	}

	count := 0
	m.Table.Iterate(func(btable.Entry) { count++ })
	assert.Equal(t, 0, count)

	if got := m.Vol.Allocator.FindFree(2); got != 3 {
		t.Fatalf("find_free(2) after cancel = %d, want 3 (reservation released)", got)
	}
}

func TestLsListsOccupiedEntries(t *testing.T) {
	m := newTestMount(t, 4, 2, 39)
	var stdout bytes.Buffer
	e := New(m, &stdout, notCancelled)

	path := writeTempFile(t, bytes.Repeat([]byte{0x66}, 64))
	e.Run([]Token{{Kind: AddObj, Path: path, Name: "widget"}})

	stdout.Reset()
	results := e.Run([]Token{{Kind: Ls}})
	if results[0].Outcome != OK {
		t.Fatalf("ls failed: %v", results[0].Err)
	}
	assert.Contains(t, stdout.String(), "widget")
}
