// Package storage performs positional I/O against one target device or
// file. One Partition is opened per torrent; requests are translated to
// device offsets through the torrent's layout map.
package storage

import (
	"fmt"
	"os"

	"github.com/ncw/directio"

	"github.com/tjjh89017/ezio/internal/errors"
	"github.com/tjjh89017/ezio/internal/layout"
	"github.com/tjjh89017/ezio/internal/logger"
)

// Partition owns one open device descriptor. Read and Write are
// synchronous and must only be called from shard workers, never from the
// engine's callback executor.
type Partition struct {
	file   *os.File
	layout *layout.Map
	path   string
}

// Open opens the target device read-write. It neither creates nor
// truncates: the device content is the state. With direct set, the
// descriptor bypasses the kernel page cache (O_DIRECT where supported).
func Open(path string, lm *layout.Map, direct bool) (*Partition, error) {
	var (
		f   *os.File
		err error
	)

	if direct {
		f, err = directio.OpenFile(path, os.O_RDWR, 0)
	} else {
		f, err = os.OpenFile(path, os.O_RDWR, 0)
	}
	if err != nil {
		return nil, errors.NewStorageError(fmt.Errorf("open %s: %w", path, err), errors.KindFatal, errors.OpOpen)
	}

	logger.Infof("opened partition %s (direct=%v)", path, direct)

	return &Partition{
		file:   f,
		layout: lm,
		path:   path,
	}, nil
}

// Layout returns the partition's layout map.
func (p *Partition) Layout() *layout.Map {
	return p.layout
}

// Path returns the device path this partition was opened with.
func (p *Partition) Path() string {
	return p.path
}

// PieceSize returns the byte length of the given piece.
func (p *Partition) PieceSize(piece int) int {
	return p.layout.PieceSize(piece)
}

// Read fills buf[:length] from the device. It returns the number of bytes
// actually transferred; a short count without an error means the caller
// decides whether to retry.
func (p *Partition) Read(buf []byte, piece, offset, length int) (int, error) {
	slices, err := p.layout.MapBlock(piece, offset, length)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, s := range slices {
		n, err := p.file.ReadAt(buf[total:total+s.Length], s.DeviceOffset)
		total += n
		if err != nil {
			return total, errors.NewIOError(err, errors.OpRead, errors.NoFile)
		}
		if n < s.Length {
			break
		}
	}

	return total, nil
}

// Write writes buf[:length] to the device. Short writes surface the actual
// transfer count.
func (p *Partition) Write(buf []byte, piece, offset, length int) (int, error) {
	slices, err := p.layout.MapBlock(piece, offset, length)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, s := range slices {
		n, err := p.file.WriteAt(buf[total:total+s.Length], s.DeviceOffset)
		total += n
		if err != nil {
			return total, errors.NewIOError(err, errors.OpWrite, errors.NoFile)
		}
		if n < s.Length {
			break
		}
	}

	return total, nil
}

// Close releases the device descriptor.
func (p *Partition) Close() error {
	return p.file.Close()
}
