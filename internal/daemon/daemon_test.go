package daemon_test

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjjh89017/ezio/internal/common"
	"github.com/tjjh89017/ezio/internal/config"
	"github.com/tjjh89017/ezio/internal/daemon"
	"github.com/tjjh89017/ezio/internal/diskio"
	"github.com/tjjh89017/ezio/internal/repository"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Torrent.DisableDHT = true
	cfg.Torrent.DisableTrackers = true
	cfg.Torrent.DisablePEX = true
	cfg.Torrent.DisableIPv6 = true
	return &cfg
}

func testRepo(t *testing.T) *repository.BboltRepository {
	t.Helper()
	repo, err := repository.NewBboltRepository(filepath.Join(t.TempDir(), "ezio.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testEngine(t *testing.T) *diskio.Engine {
	t.Helper()
	return diskio.New(nil, diskio.Settings{
		CacheEntries: 256,
		PoolBytes:    64 * common.BlockSize,
		AIOThreads:   2,
	})
}

// testTorrent builds a single-piece torrent whose one file addresses
// device offset 0 and seeds the device with the matching payload.
func testTorrent(t *testing.T) (body []byte, device string) {
	t.Helper()

	payload := bytes.Repeat([]byte{0x5A}, 65536)
	sum := sha1.Sum(payload)

	info := metainfo.Info{
		PieceLength: 65536,
		Name:        "0",
		Length:      65536,
		Pieces:      sum[:],
	}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)

	mi := metainfo.MetaInfo{InfoBytes: infoBytes}
	var buf bytes.Buffer
	require.NoError(t, mi.Write(&buf))

	device = filepath.Join(t.TempDir(), "device")
	require.NoError(t, os.WriteFile(device, payload, 0o644))

	return buf.Bytes(), device
}

func newDaemon(t *testing.T, repo *repository.BboltRepository) *daemon.Daemon {
	t.Helper()
	d, err := daemon.New(testConfig(), testEngine(t), repo)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

func TestAddTorrentSeedMode(t *testing.T) {
	d := newDaemon(t, testRepo(t))
	body, device := testTorrent(t)

	hash, err := d.AddTorrent(body, device, true, 4, 6)
	require.NoError(t, err)
	assert.Len(t, hash, 40)

	status := d.TorrentStatus(nil)
	require.Contains(t, status, hash)
	st := status[hash]
	assert.Equal(t, "0", st.Name)
	assert.Equal(t, device, st.SavePath)
	assert.Equal(t, int64(65536), st.Total)

	// Duplicate adds are rejected.
	_, err = d.AddTorrent(body, device, true, 4, 6)
	assert.ErrorIs(t, err, daemon.ErrTorrentExists)
}

func TestAddTorrentRejectsGarbage(t *testing.T) {
	d := newDaemon(t, testRepo(t))

	_, err := d.AddTorrent([]byte("not a torrent"), "/dev/null", false, 0, 0)
	assert.Error(t, err)
}

func TestPauseResume(t *testing.T) {
	d := newDaemon(t, testRepo(t))
	body, device := testTorrent(t)

	hash, err := d.AddTorrent(body, device, true, 4, 6)
	require.NoError(t, err)

	require.NoError(t, d.PauseTorrent(hash))
	assert.True(t, d.TorrentStatus(nil)[hash].IsPaused)

	require.NoError(t, d.ResumeTorrent(hash))
	assert.False(t, d.TorrentStatus(nil)[hash].IsPaused)

	assert.ErrorIs(t, d.PauseTorrent("deadbeef"), repository.ErrTorrentNotFound)
}

func TestPersistAndRestore(t *testing.T) {
	repo := testRepo(t)
	body, device := testTorrent(t)

	d1, err := daemon.New(testConfig(), testEngine(t), repo)
	require.NoError(t, err)

	hash, err := d1.AddTorrent(body, device, true, 4, 6)
	require.NoError(t, err)
	d1.Close()

	// A fresh daemon over the same repository restores the torrent.
	d2, err := daemon.New(testConfig(), testEngine(t), repo)
	require.NoError(t, err)
	defer d2.Close()

	status := d2.TorrentStatus(nil)
	assert.Contains(t, status, hash)
}

func TestStopUnblocksWait(t *testing.T) {
	d := newDaemon(t, testRepo(t))

	done := make(chan struct{})
	go func() {
		d.Wait(10 * time.Millisecond)
		close(done)
	}()

	d.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Wait did not return after Stop")
	}
}
