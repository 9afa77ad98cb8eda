// Package layout maps torrent piece requests onto absolute device offsets.
//
// Torrents targeting a raw partition are built so that every file name is
// the hex-encoded byte offset of that file's data on the device. The files
// partition a region of the device; walking them in order while consuming a
// request yields the positional slices storage reads and writes.
package layout

import (
	"fmt"
	"strconv"

	"github.com/tjjh89017/ezio/internal/errors"
)

// File describes one entry of a torrent's file table.
type File struct {
	// Name is the hex-encoded absolute start offset on the device. Case is
	// ignored; a "0x" prefix or surrounding whitespace is rejected.
	Name   string
	Length int64
}

// Slice is one positional I/O operation produced by MapBlock.
type Slice struct {
	DeviceOffset int64
	Length       int
}

type fileExtent struct {
	deviceOffset  int64
	torrentOffset int64
	length        int64
}

// Map translates (piece, offset, length) requests into device slices.
type Map struct {
	pieceLength int64
	totalLength int64
	files       []fileExtent
}

// New parses the file table. Every file name must parse as hex or the map
// fails with a ParseFailed error tagged with the file index.
func New(pieceLength int64, files []File) (*Map, error) {
	if pieceLength <= 0 {
		return nil, errors.NewStorageError(fmt.Errorf("invalid piece length %d", pieceLength), errors.KindInvalidRequest, errors.OpParse)
	}

	m := &Map{pieceLength: pieceLength}

	var torrentOffset int64
	for i, f := range files {
		deviceOffset, err := strconv.ParseUint(f.Name, 16, 63)
		if err != nil {
			return nil, errors.NewFileError(fmt.Errorf("file name %q is not a hex offset: %w", f.Name, err), errors.KindParseFailed, errors.OpParse, i)
		}
		if f.Length <= 0 {
			return nil, errors.NewFileError(fmt.Errorf("file length %d", f.Length), errors.KindParseFailed, errors.OpParse, i)
		}

		m.files = append(m.files, fileExtent{
			deviceOffset:  int64(deviceOffset),
			torrentOffset: torrentOffset,
			length:        f.Length,
		})
		torrentOffset += f.Length
	}
	m.totalLength = torrentOffset

	return m, nil
}

// PieceLength returns the torrent's nominal piece length.
func (m *Map) PieceLength() int64 {
	return m.pieceLength
}

// TotalLength returns the torrent's total byte length.
func (m *Map) TotalLength() int64 {
	return m.totalLength
}

// NumPieces returns the number of pieces in the torrent.
func (m *Map) NumPieces() int {
	return int((m.totalLength + m.pieceLength - 1) / m.pieceLength)
}

// PieceSize returns the byte length of the given piece. The final piece may
// be shorter than the nominal piece length.
func (m *Map) PieceSize(piece int) int {
	if piece < 0 || piece >= m.NumPieces() {
		return 0
	}

	remaining := m.totalLength - int64(piece)*m.pieceLength
	if remaining > m.pieceLength {
		return int(m.pieceLength)
	}

	return int(remaining)
}

// MapBlock produces the ordered device slices covering the request. The
// request must lie fully within the torrent.
func (m *Map) MapBlock(piece, offset, length int) ([]Slice, error) {
	if length <= 0 || offset < 0 || piece < 0 {
		return nil, errors.NewStorageError(errors.ErrInvalidRequest, errors.KindInvalidRequest, errors.OpParse)
	}

	pos := int64(piece)*m.pieceLength + int64(offset)
	if pos+int64(length) > m.totalLength {
		return nil, errors.NewStorageError(fmt.Errorf("request [%d, %d) beyond torrent end %d", pos, pos+int64(length), m.totalLength), errors.KindInvalidRequest, errors.OpParse)
	}

	idx := m.fileIndexAt(pos)
	if idx < 0 {
		return nil, errors.NewStorageError(fmt.Errorf("no file covers offset %d", pos), errors.KindInvalidRequest, errors.OpParse)
	}

	var slices []Slice
	remaining := int64(length)
	for remaining > 0 {
		f := m.files[idx]
		intra := pos - f.torrentOffset
		avail := f.length - intra

		n := remaining
		if n > avail {
			n = avail
		}

		slices = append(slices, Slice{
			DeviceOffset: f.deviceOffset + intra,
			Length:       int(n),
		})

		pos += n
		remaining -= n
		idx++
	}

	return slices, nil
}

// fileIndexAt finds the file containing the torrent-linear position.
func (m *Map) fileIndexAt(pos int64) int {
	for i, f := range m.files {
		if pos >= f.torrentOffset && pos < f.torrentOffset+f.length {
			return i
		}
	}

	return -1
}
