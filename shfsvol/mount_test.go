package shfsvol

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/NVIDIA/cstruct"
	"github.com/google/uuid"

	"github.com/shfs-tools/shfsadm/stripe"
)

// buildSingleMemberImage synthesizes a complete one-member INDEPENDENT
// volume image using the same wire structs and Marshal helper Mount
// itself decodes, so the fixture's correctness doesn't depend on
// guessing cstruct's exact byte layout.
func buildSingleMemberImage(t *testing.T) (path string, volUUID, memberUUID uuid.UUID) {
	t.Helper()

	const (
		stripeSize   = uint32(4096)
		volSize      = uint64(19)
		htableRef    = uint64(2)
		htableLen    = uint64(1)
		bucketCount  = uint32(4)
		entriesPerBk = uint32(2)
		hlen         = 4
	)

	volUUID = uuid.New()
	memberUUID = uuid.New()

	common := commonHeader{
		Magic:         shfsMagic,
		Version:       shfsVersion,
		VolSize:       volSize,
		StripeSize:    stripeSize,
		StripeMode:    uint32(stripe.Independent),
		MemberCount:   1,
		SelfMemberIdx: 0,
	}
	copy(common.VolUUID[:], volUUID[:])
	copy(common.VolName[:], "testvol")

	commonBuf, err := cstruct.Pack(common, cstruct.LittleEndian)
	if err != nil {
		t.Fatalf("pack common header: %v", err)
	}

	chk0 := make([]byte, Chk0Length)
	copy(chk0[BootAreaLength:], commonBuf)
	copy(chk0[BootAreaLength+len(commonBuf):], memberUUID[:])

	cfg := configHeader{
		HtableRef:           htableRef,
		HtableBakRef:        0,
		HtableBucketCount:   bucketCount,
		HtableEntriesPerBkt: entriesPerBk,
		Hlen:                uint32(hlen),
		Allocator:           uint32(AllocatorFirstFit),
		HtableLen:           htableLen,
	}
	cfgBuf, err := cstruct.Pack(cfg, cstruct.LittleEndian)
	if err != nil {
		t.Fatalf("pack config header: %v", err)
	}
	chk1 := make([]byte, stripeSize)
	copy(chk1, cfgBuf)

	chk2 := make([]byte, stripeSize)
	entrySize := EntrySize(hlen)

	// Each hash sits in its own bucket's slot range: 0x04040404 % 4 == 0
	// (slots 0-1) and 0x06060606 % 4 == 2 (slots 4-5).
	e0 := &HashEntry{Hash: []byte{4, 4, 4, 4}, Chunk: 3, Offset: 0, Len: 100, TsCreation: 1000, Mime: "text/plain", Name: "a.txt"}
	buf0, err := e0.Marshal()
	if err != nil {
		t.Fatalf("marshal entry 0: %v", err)
	}
	copy(chk2[0*entrySize:], buf0)

	e5 := &HashEntry{Hash: []byte{6, 6, 6, 6}, Chunk: 10, Offset: 0, Len: 8000, TsCreation: 2000, Flags: FlagDefault, Name: "big.bin"}
	buf5, err := e5.Marshal()
	if err != nil {
		t.Fatalf("marshal entry 5: %v", err)
	}
	copy(chk2[5*entrySize:], buf5)

	image := make([]byte, int(volSize+1)*int(stripeSize))
	copy(image[0:], chk0)
	copy(image[stripeSize:], chk1)
	copy(image[2*stripeSize:], chk2)

	path = filepath.Join(t.TempDir(), "member0.img")
	if err := os.WriteFile(path, image, 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return path, volUUID, memberUUID
}

func TestMountAssemblesVolumeAndScansHtable(t *testing.T) {
	path, volUUID, _ := buildSingleMemberImage(t)

	m, err := Mount([]string{path})
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	defer Unmount(m)

	if m.Vol.VolUUID != volUUID {
		t.Fatalf("vol uuid mismatch: got %s, want %s", m.Vol.VolUUID, volUUID)
	}
	if m.Vol.VolName != "testvol" {
		t.Fatalf("vol name = %q, want testvol", m.Vol.VolName)
	}
	if m.Vol.HLen != 4 {
		t.Fatalf("hlen = %d, want 4", m.Vol.HLen)
	}

	if _, ok := m.Table.Lookup([]byte{4, 4, 4, 4}); !ok {
		t.Fatalf("entry 0's hash not found after mount scan")
	}
	if _, ok := m.Table.Lookup([]byte{6, 6, 6, 6}); !ok {
		t.Fatalf("entry 5's hash not found after mount scan")
	}

	// Chunks 0-1 (label+config), 2 (htable), and 3 (entry 0's data)
	// are all reserved at mount; the next free chunk is 4.
	if got := m.Vol.Allocator.FindFree(1); got != 4 {
		t.Fatalf("find_free(1) = %d, want 4", got)
	}

	// Entry 5 carries FlagDefault on disk; Mount must surface its hash
	// so the engine doesn't start believing no default is set.
	want := []byte{6, 6, 6, 6}
	if !bytes.Equal(m.DefaultHash, want) {
		t.Fatalf("DefaultHash = %x, want %x", m.DefaultHash, want)
	}
}

func TestMountRejectsBadMagic(t *testing.T) {
	path, _, _ := buildSingleMemberImage(t)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	if _, err := f.WriteAt([]byte{0, 0, 0, 0}, BootAreaLength); err != nil {
		t.Fatalf("corrupt magic: %v", err)
	}
	f.Close()

	if _, err := Mount([]string{path}); err == nil {
		t.Fatalf("expected mount to reject a corrupted label")
	}
}

func TestMountRejectsTooFewDevices(t *testing.T) {
	if _, err := Mount(nil); err == nil {
		t.Fatalf("expected mount with no devices to fail")
	}
}
