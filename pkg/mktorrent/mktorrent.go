// Package mktorrent builds torrents for raw-device distribution. Every
// file in the produced torrent is named by the hex start offset of its
// extent on the device, the convention the disk engine's layout parser
// honors on the receiving side.
package mktorrent

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
)

// Extent is one contiguous used region of the source device.
type Extent struct {
	Offset int64
	Length int64
}

var (
	ErrNoExtents      = errors.New("no extents to pack")
	ErrBadPieceLength = errors.New("piece length must be positive")
	ErrOverlapExtents = errors.New("extents overlap")
	ErrNegativeExtent = errors.New("extent offset must not be negative and length must be positive")
)

// Build reads the extents out of src and produces the metainfo. Piece
// hashes cover the concatenation of the extents in order.
func Build(src io.ReaderAt, name string, pieceLength int64, extents []Extent, trackers []string) (*metainfo.MetaInfo, error) {
	if pieceLength <= 0 {
		return nil, ErrBadPieceLength
	}
	if len(extents) == 0 {
		return nil, ErrNoExtents
	}

	var files []metainfo.FileInfo
	prevEnd := int64(-1)
	for _, ext := range extents {
		if ext.Offset < 0 || ext.Length <= 0 {
			return nil, ErrNegativeExtent
		}
		if ext.Offset < prevEnd {
			return nil, ErrOverlapExtents
		}
		prevEnd = ext.Offset + ext.Length

		files = append(files, metainfo.FileInfo{
			Path:   []string{strconv.FormatInt(ext.Offset, 16)},
			Length: ext.Length,
		})
	}

	pieces, err := hashPieces(src, extents, pieceLength)
	if err != nil {
		return nil, err
	}

	info := metainfo.Info{
		PieceLength: pieceLength,
		Name:        name,
		Files:       files,
		Pieces:      pieces,
	}

	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode info: %w", err)
	}

	mi := &metainfo.MetaInfo{
		InfoBytes:    infoBytes,
		CreationDate: time.Now().Unix(),
		CreatedBy:    "ezio",
	}
	if len(trackers) > 0 {
		mi.Announce = trackers[0]
		mi.AnnounceList = metainfo.AnnounceList{trackers}
	}

	return mi, nil
}

// hashPieces streams the extents through a SHA-1 per piece.
func hashPieces(src io.ReaderAt, extents []Extent, pieceLength int64) ([]byte, error) {
	var pieces []byte

	h := sha1.New()
	var inPiece int64
	buf := make([]byte, 1<<20)

	for _, ext := range extents {
		remaining := ext.Length
		pos := ext.Offset

		for remaining > 0 {
			n := int64(len(buf))
			if n > remaining {
				n = remaining
			}
			if room := pieceLength - inPiece; n > room {
				n = room
			}

			if _, err := src.ReadAt(buf[:n], pos); err != nil {
				return nil, fmt.Errorf("read extent at %#x: %w", pos, err)
			}

			h.Write(buf[:n])
			inPiece += n
			pos += n
			remaining -= n

			if inPiece == pieceLength {
				pieces = h.Sum(pieces)
				h.Reset()
				inPiece = 0
			}
		}
	}

	if inPiece > 0 {
		pieces = h.Sum(pieces)
	}

	return pieces, nil
}
