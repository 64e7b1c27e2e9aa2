package featurestore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/hyperjump/kanshou/internal/errs"
	"github.com/hyperjump/kanshou/internal/fsutil"
)

// File layout (little-endian):
//
//	magic "KNFS" | version uint16 | reserved uint16 | dimension uint32 | rows uint32 | rows*dimension float32
const (
	magic         = "KNFS"
	formatVersion = uint16(1)
	headerSize    = 16
)

// Encode writes the store in the binary file format.
func (s *FeatureStore) Encode(w io.Writer) error {
	var hdr [headerSize]byte
	copy(hdr[0:4], magic)
	binary.LittleEndian.PutUint16(hdr[4:6], formatVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(s.dim))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(s.rows)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	buf := make([]byte, s.dim*4)
	for _, row := range s.rows {
		for j, v := range row {
			binary.LittleEndian.PutUint32(buf[j*4:(j+1)*4], math.Float32bits(v))
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	return nil
}

// Decode parses a store previously written by Encode. name identifies the
// source in CorruptState diagnostics.
func Decode(r io.Reader, name string) (*FeatureStore, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if len(data) < headerSize {
		return nil, errs.Corrupt(name, "file is %d bytes, shorter than the %d byte header", len(data), headerSize)
	}
	if !bytes.Equal(data[0:4], []byte(magic)) {
		return nil, errs.Corrupt(name, "bad magic %q", data[0:4])
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != formatVersion {
		return nil, errs.Corrupt(name, "unsupported format version %d", v)
	}
	dim := uint64(binary.LittleEndian.Uint32(data[8:12]))
	rows := uint64(binary.LittleEndian.Uint32(data[12:16]))
	if rows > 0 && dim == 0 {
		return nil, errs.Corrupt(name, "%d rows with zero dimension", rows)
	}
	payload := data[headerSize:]
	if dim > 0 && rows > uint64(len(payload))/(4*dim) {
		return nil, errs.Corrupt(name, "payload is %d bytes, too short for %d rows of dimension %d", len(payload), rows, dim)
	}
	if want := rows * dim * 4; uint64(len(payload)) != want {
		return nil, errs.Corrupt(name, "payload is %d bytes, want %d for %d rows of dimension %d", len(payload), want, rows, dim)
	}
	n, d := int(rows), int(dim)

	s := &FeatureStore{dim: d, rows: make([][]float32, n)}
	for i := 0; i < n; i++ {
		row := make([]float32, d)
		off := i * d * 4
		for j := range row {
			v := math.Float32frombits(binary.LittleEndian.Uint32(payload[off+j*4 : off+(j+1)*4]))
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, errs.Corrupt(name, "row %d component %d is not finite", i, j)
			}
			row[j] = v
		}
		s.rows[i] = row
	}
	return s, nil
}

// Save writes the store to path atomically.
func (s *FeatureStore) Save(fsys fsutil.FileSystem, path string) error {
	return fsutil.WriteFileAtomic(fsys, path, s.Encode)
}

// Load reads a store from path.
func Load(fsys fsutil.FileSystem, path string) (*FeatureStore, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open feature file: %w", err)
	}
	defer f.Close()
	return Decode(f, path)
}
