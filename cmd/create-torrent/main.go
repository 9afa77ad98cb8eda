// create-torrent packs a disk image or block device into a torrent whose
// file names carry the hex device offsets the ezio daemon expects. Used
// extents can be supplied to skip free space; by default the whole source
// is packed as one extent at offset zero.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/tjjh89017/ezio/pkg/mktorrent"
)

type trackerList []string

func (t *trackerList) String() string {
	return strings.Join(*t, ",")
}

func (t *trackerList) Set(v string) error {
	*t = append(*t, v)
	return nil
}

func main() {
	var trackers trackerList

	source := flag.String("s", "", "Source image or block device")
	output := flag.String("o", "", "Output torrent path")
	name := flag.String("n", "ezio", "Torrent name")
	pieceLength := flag.Int64("p", 4*1024*1024, "Piece length in bytes")
	extentsPath := flag.String("e", "", "Extents file: one 'hexoffset hexlength' pair per line")
	flag.Var(&trackers, "t", "Tracker announce URL (repeatable)")
	flag.Parse()

	if *source == "" || *output == "" {
		flag.Usage()
		os.Exit(2)
	}

	src, err := os.Open(*source)
	if err != nil {
		log.Fatalf("open source: %v", err)
	}
	defer src.Close()

	extents, err := loadExtents(*extentsPath, src)
	if err != nil {
		log.Fatalf("load extents: %v", err)
	}

	mi, err := mktorrent.Build(src, *name, *pieceLength, extents, trackers)
	if err != nil {
		log.Fatalf("build torrent: %v", err)
	}

	out, err := os.Create(*output)
	if err != nil {
		log.Fatalf("create output: %v", err)
	}
	defer out.Close()

	if err := mi.Write(out); err != nil {
		log.Fatalf("write torrent: %v", err)
	}

	var total int64
	for _, ext := range extents {
		total += ext.Length
	}
	fmt.Fprintf(os.Stderr, "packed %d extent(s), %d bytes, piece length %d\n", len(extents), total, *pieceLength)
}

// loadExtents reads the extents file, or derives one whole-device extent
// from the source size.
func loadExtents(path string, src *os.File) ([]mktorrent.Extent, error) {
	if path == "" {
		// Seeking to the end also sizes block devices, whose Stat size is 0.
		size, err := src.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, err
		}
		return []mktorrent.Extent{{Offset: 0, Length: size}}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var extents []mktorrent.Extent
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected 'hexoffset hexlength'", line)
		}

		offset, err := strconv.ParseInt(fields[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad offset %q: %w", line, fields[0], err)
		}
		length, err := strconv.ParseInt(fields[1], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad length %q: %w", line, fields[1], err)
		}

		extents = append(extents, mktorrent.Extent{Offset: offset, Length: length})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return extents, nil
}
