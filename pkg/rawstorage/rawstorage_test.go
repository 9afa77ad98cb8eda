package rawstorage_test

import (
	"bytes"
	"context"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/anacrolix/torrent/metainfo"

	"github.com/tjjh89017/ezio/internal/common"
	"github.com/tjjh89017/ezio/internal/diskio"
	"github.com/tjjh89017/ezio/pkg/rawstorage"
)

func testEngine(t *testing.T) *diskio.Engine {
	t.Helper()
	e := diskio.New(nil, diskio.Settings{
		CacheEntries: 1024,
		PoolBytes:    256 * common.BlockSize,
		AIOThreads:   4,
	})
	t.Cleanup(func() { e.Abort(true) })
	return e
}

func testDevice(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create device: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate device: %v", err)
	}
	f.Close()
	return path
}

// testInfo builds a single-file torrent whose name addresses device
// offset 0 and whose single piece hashes the given payload.
func testInfo(payload []byte) *metainfo.Info {
	sum := sha1.Sum(payload)
	return &metainfo.Info{
		PieceLength: int64(len(payload)),
		Name:        "0",
		Length:      int64(len(payload)),
		Pieces:      sum[:],
	}
}

func TestOpenTorrentRejectsBadNames(t *testing.T) {
	e := testEngine(t)
	c := rawstorage.NewClient(e, testDevice(t, 1<<20), false)

	info := testInfo(make([]byte, 65536))
	info.Name = "not-hex"

	if _, err := c.OpenTorrent(context.Background(), info, metainfo.Hash{}); err == nil {
		t.Fatalf("Expected error for non-hex file name")
	}
}

func TestPieceRoundTripAndCompletion(t *testing.T) {
	e := testEngine(t)
	c := rawstorage.NewClient(e, testDevice(t, 1<<20), false)

	payload := bytes.Repeat([]byte{0x5A}, 65536)
	info := testInfo(payload)

	impl, err := c.OpenTorrent(context.Background(), info, metainfo.Hash{})
	if err != nil {
		t.Fatalf("OpenTorrent: %v", err)
	}
	defer impl.Close()

	piece := impl.Piece(info.Piece(0))

	if piece.Completion().Complete {
		t.Fatalf("Expected piece incomplete before writes")
	}

	// Write the piece in 16 KiB chunks the way the session does.
	for off := 0; off < len(payload); off += common.BlockSize {
		n, err := piece.WriteAt(payload[off:off+common.BlockSize], int64(off))
		if err != nil {
			t.Fatalf("WriteAt %d: %v", off, err)
		}
		if n != common.BlockSize {
			t.Fatalf("Short write %d at %d", n, off)
		}
	}

	got := make([]byte, len(payload))
	if _, err := piece.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Read back mismatch")
	}

	if err := piece.MarkComplete(); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
	if !piece.Completion().Complete {
		t.Errorf("Expected completion recorded")
	}

	if err := piece.MarkNotComplete(); err != nil {
		t.Fatalf("MarkNotComplete: %v", err)
	}
	if piece.Completion().Complete {
		t.Errorf("Expected completion cleared")
	}
}

func TestMarkCompleteRejectsCorruptPiece(t *testing.T) {
	e := testEngine(t)
	c := rawstorage.NewClient(e, testDevice(t, 1<<20), false)

	payload := bytes.Repeat([]byte{0x5A}, 65536)
	info := testInfo(payload)

	impl, err := c.OpenTorrent(context.Background(), info, metainfo.Hash{})
	if err != nil {
		t.Fatalf("OpenTorrent: %v", err)
	}
	defer impl.Close()

	piece := impl.Piece(info.Piece(0))

	corrupt := bytes.Repeat([]byte{0x00}, 65536)
	for off := 0; off < len(corrupt); off += common.BlockSize {
		if _, err := piece.WriteAt(corrupt[off:off+common.BlockSize], int64(off)); err != nil {
			t.Fatalf("WriteAt: %v", err)
		}
	}

	if err := piece.MarkComplete(); err == nil {
		t.Errorf("Expected hash mismatch for corrupt piece")
	}
	if piece.Completion().Complete {
		t.Errorf("Expected piece to stay incomplete")
	}
}

func TestUnalignedReadThroughAdapter(t *testing.T) {
	e := testEngine(t)
	c := rawstorage.NewClient(e, testDevice(t, 1<<20), false)

	payload := make([]byte, 65536)
	for i := range payload {
		payload[i] = byte(i % 239)
	}
	info := testInfo(payload)

	impl, err := c.OpenTorrent(context.Background(), info, metainfo.Hash{})
	if err != nil {
		t.Fatalf("OpenTorrent: %v", err)
	}
	defer impl.Close()

	piece := impl.Piece(info.Piece(0))
	for off := 0; off < len(payload); off += common.BlockSize {
		if _, err := piece.WriteAt(payload[off:off+common.BlockSize], int64(off)); err != nil {
			t.Fatalf("WriteAt: %v", err)
		}
	}

	got := make([]byte, 10000)
	if _, err := piece.ReadAt(got, 12345); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload[12345:12345+10000]) {
		t.Errorf("Unaligned read mismatch")
	}
}
