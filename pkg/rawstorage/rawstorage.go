// Package rawstorage adapts the disk engine to the torrent session's
// storage contract. Torrents opened through it must carry hex device
// offsets as file names; their data lands on the raw target device
// instead of the filesystem.
package rawstorage

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"sync"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"

	"github.com/tjjh89017/ezio/internal/common"
	"github.com/tjjh89017/ezio/internal/diskio"
	"github.com/tjjh89017/ezio/internal/layout"
	"github.com/tjjh89017/ezio/internal/logger"
)

// Client implements storage.ClientImpl over one disk engine and one
// target device. With seedMode set, every piece starts out complete: the
// device already carries the data and the session only serves it.
type Client struct {
	engine   *diskio.Engine
	device   string
	seedMode bool
}

// NewClient binds the session storage to engine and the device path.
func NewClient(engine *diskio.Engine, device string, seedMode bool) *Client {
	return &Client{
		engine:   engine,
		device:   device,
		seedMode: seedMode,
	}
}

// OpenTorrent maps the torrent's hex-named files onto a storage slot.
func (c *Client) OpenTorrent(_ context.Context, info *metainfo.Info, infoHash metainfo.Hash) (storage.TorrentImpl, error) {
	var files []layout.File
	for _, fi := range info.UpvertedFiles() {
		files = append(files, layout.File{
			Name:   fi.DisplayPath(info),
			Length: fi.Length,
		})
	}

	lm, err := layout.New(info.PieceLength, files)
	if err != nil {
		return storage.TorrentImpl{}, err
	}

	id, err := c.engine.NewTorrent(lm, c.device)
	if err != nil {
		return storage.TorrentImpl{}, err
	}

	logger.Infof("torrent %s opened on %s as storage %d", infoHash.HexString(), c.device, id)

	ts := &torrentStorage{
		engine:   c.engine,
		id:       id,
		info:     info,
		complete: make([]bool, info.NumPieces()),
	}
	if c.seedMode {
		for i := range ts.complete {
			ts.complete[i] = true
		}
	}

	return storage.TorrentImpl{
		Piece: ts.piece,
		Close: ts.close,
	}, nil
}

// torrentStorage is one open torrent's view of the engine. Piece
// completion lives only here: the device content is the persistent state.
type torrentStorage struct {
	engine *diskio.Engine
	id     common.StorageID
	info   *metainfo.Info

	mu       sync.Mutex
	complete []bool
}

func (t *torrentStorage) piece(p metainfo.Piece) storage.PieceImpl {
	return &pieceStorage{
		t:      t,
		index:  p.Index(),
		length: p.Length(),
	}
}

func (t *torrentStorage) close() error {
	t.engine.RemoveTorrent(t.id)
	return nil
}

func (t *torrentStorage) isComplete(index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.complete[index]
}

func (t *torrentStorage) setComplete(index int, v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.complete[index] = v
}

type pieceStorage struct {
	t      *torrentStorage
	index  int
	length int64
}

// ReadAt bridges the session's synchronous read to AsyncRead, one block
// per round trip.
func (p *pieceStorage) ReadAt(b []byte, off int64) (int, error) {
	total := 0
	for total < len(b) {
		chunk := len(b) - total
		if chunk > common.BlockSize {
			chunk = common.BlockSize
		}

		type result struct {
			data []byte
			err  error
		}
		done := make(chan result, 1)

		p.t.engine.AsyncRead(p.t.id, diskio.Request{
			Piece:  p.index,
			Start:  int(off) + total,
			Length: chunk,
		}, func(h *diskio.BufferHolder, err error) {
			if err != nil {
				done <- result{err: err}
				return
			}
			data := append([]byte(nil), h.Bytes()...)
			h.Release()
			done <- result{data: data}
		})

		r := <-done
		if r.err != nil {
			return total, r.err
		}

		n := copy(b[total:], r.data)
		total += n
		if n < chunk {
			return total, io.ErrUnexpectedEOF
		}
	}

	return total, nil
}

// WriteAt bridges the session's block-aligned chunk writes to AsyncWrite.
// The engine duplicates the bytes before WriteAt returns, and the write
// completion is awaited so the session may reuse b immediately.
func (p *pieceStorage) WriteAt(b []byte, off int64) (int, error) {
	total := 0
	for total < len(b) {
		chunk := len(b) - total
		if chunk > common.BlockSize {
			chunk = common.BlockSize
		}

		done := make(chan error, 1)
		p.t.engine.AsyncWrite(p.t.id, diskio.Request{
			Piece:  p.index,
			Start:  int(off) + total,
			Length: chunk,
		}, b[total:total+chunk], nil, func(err error) {
			done <- err
		})

		if err := <-done; err != nil {
			return total, err
		}
		total += chunk
	}

	return total, nil
}

// MarkComplete verifies the piece against the torrent's v1 hash before
// recording completion.
func (p *pieceStorage) MarkComplete() error {
	type result struct {
		sum [sha1.Size]byte
		err error
	}
	done := make(chan result, 1)

	p.t.engine.AsyncHash(p.t.id, p.index, func(_ int, sum [sha1.Size]byte, err error) {
		done <- result{sum: sum, err: err}
	})

	r := <-done
	if r.err != nil {
		return r.err
	}

	want := p.t.info.Pieces[p.index*sha1.Size : (p.index+1)*sha1.Size]
	if !bytes.Equal(r.sum[:], want) {
		return fmt.Errorf("piece %d hash mismatch", p.index)
	}

	p.t.setComplete(p.index, true)
	return nil
}

func (p *pieceStorage) MarkNotComplete() error {
	p.t.setComplete(p.index, false)
	return nil
}

func (p *pieceStorage) Completion() storage.Completion {
	return storage.Completion{
		Ok:       true,
		Complete: p.t.isComplete(p.index),
	}
}
