package layout_test

import (
	"testing"

	"github.com/tjjh89017/ezio/internal/errors"
	"github.com/tjjh89017/ezio/internal/layout"
)

func TestNew_HexNames(t *testing.T) {
	tests := []struct {
		name    string
		files   []layout.File
		wantErr bool
		wantIdx int
	}{
		{"lowercase", []layout.File{{Name: "ff00", Length: 100}}, false, 0},
		{"uppercase", []layout.File{{Name: "FF00", Length: 100}}, false, 0},
		{"mixed case", []layout.File{{Name: "DeadBeef", Length: 100}}, false, 0},
		{"zero", []layout.File{{Name: "0", Length: 100}}, false, 0},
		{"0x prefix rejected", []layout.File{{Name: "0xff", Length: 100}}, true, 0},
		{"whitespace rejected", []layout.File{{Name: " ff", Length: 100}}, true, 0},
		{"non-hex rejected", []layout.File{{Name: "zz", Length: 100}}, true, 0},
		{"second file bad", []layout.File{{Name: "0", Length: 100}, {Name: "g", Length: 10}}, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := layout.New(16384, tt.files)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error, got nil")
				}
				if !errors.IsKind(err, errors.KindParseFailed) {
					t.Errorf("Expected ParseFailed, got %v", err)
				}
				if idx, ok := errors.FileIndexOf(err); !ok || idx != tt.wantIdx {
					t.Errorf("Expected file index %d, got %d ok=%v", tt.wantIdx, idx, ok)
				}
			} else if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
		})
	}
}

func TestPieceSize(t *testing.T) {
	m, err := layout.New(65536, []layout.File{{Name: "0", Length: 100000}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.NumPieces() != 2 {
		t.Fatalf("Expected 2 pieces, got %d", m.NumPieces())
	}
	if got := m.PieceSize(0); got != 65536 {
		t.Errorf("Expected piece 0 size 65536, got %d", got)
	}
	if got := m.PieceSize(1); got != 100000-65536 {
		t.Errorf("Expected last piece size %d, got %d", 100000-65536, got)
	}
	if got := m.PieceSize(2); got != 0 {
		t.Errorf("Expected size 0 for out-of-range piece, got %d", got)
	}
}

func TestMapBlock_SingleFile(t *testing.T) {
	m, err := layout.New(65536, []layout.File{{Name: "ff000", Length: 65536}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	slices, err := m.MapBlock(0, 16384, 16384)
	if err != nil {
		t.Fatalf("MapBlock: %v", err)
	}
	if len(slices) != 1 {
		t.Fatalf("Expected 1 slice, got %d", len(slices))
	}
	if slices[0].DeviceOffset != 0xff000+16384 || slices[0].Length != 16384 {
		t.Errorf("Unexpected slice %+v", slices[0])
	}
}

func TestMapBlock_SpansFiles(t *testing.T) {
	// Two files covering discontiguous device regions, contiguous in the
	// torrent's linear space.
	m, err := layout.New(65536, []layout.File{
		{Name: "1000", Length: 24576},
		{Name: "100000", Length: 40960},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	slices, err := m.MapBlock(0, 16384, 16384)
	if err != nil {
		t.Fatalf("MapBlock: %v", err)
	}
	if len(slices) != 2 {
		t.Fatalf("Expected 2 slices, got %d", len(slices))
	}
	if slices[0].DeviceOffset != 0x1000+16384 || slices[0].Length != 8192 {
		t.Errorf("Unexpected first slice %+v", slices[0])
	}
	if slices[1].DeviceOffset != 0x100000 || slices[1].Length != 8192 {
		t.Errorf("Unexpected second slice %+v", slices[1])
	}

	total := 0
	for _, s := range slices {
		total += s.Length
	}
	if total != 16384 {
		t.Errorf("Expected slices to cover 16384 bytes, got %d", total)
	}
}

func TestMapBlock_SecondPiece(t *testing.T) {
	m, err := layout.New(65536, []layout.File{{Name: "0", Length: 131072}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	slices, err := m.MapBlock(1, 0, 16384)
	if err != nil {
		t.Fatalf("MapBlock: %v", err)
	}
	if len(slices) != 1 || slices[0].DeviceOffset != 65536 {
		t.Errorf("Unexpected slices %+v", slices)
	}
}

func TestMapBlock_Invalid(t *testing.T) {
	m, err := layout.New(65536, []layout.File{{Name: "0", Length: 65536}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := m.MapBlock(0, 0, 0); !errors.IsKind(err, errors.KindInvalidRequest) {
		t.Errorf("Expected InvalidRequest for zero length, got %v", err)
	}
	if _, err := m.MapBlock(0, -1, 16384); !errors.IsKind(err, errors.KindInvalidRequest) {
		t.Errorf("Expected InvalidRequest for negative offset, got %v", err)
	}
	if _, err := m.MapBlock(0, 65536, 1); !errors.IsKind(err, errors.KindInvalidRequest) {
		t.Errorf("Expected InvalidRequest past torrent end, got %v", err)
	}
}
