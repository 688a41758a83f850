package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/bcgov/asa-go/internal/offline/run"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// HeaderLen is the fixed size of a PMTiles v3 header.
const HeaderLen = 127

var pmtilesMagic = []byte("PMTiles")

var (
	// ErrNotPMTiles is returned when an archive lacks the PMTiles magic.
	ErrNotPMTiles = errors.New("archive is not a PMTiles file")
	// ErrUnsupportedVersion is returned for PMTiles versions other than 3.
	ErrUnsupportedVersion = errors.New("unsupported PMTiles version")
)

// Compression identifies how PMTiles directories, metadata or tiles are
// compressed.
type Compression uint8

// Compression values defined by the PMTiles v3 format.
const (
	CompressionUnknown Compression = 0
	CompressionNone    Compression = 1
	CompressionGzip    Compression = 2
	CompressionBrotli  Compression = 3
	CompressionZstd    Compression = 4
)

// TileType identifies the tile encoding.
type TileType uint8

// TileType values defined by the PMTiles v3 format.
const (
	TileTypeUnknown TileType = 0
	TileTypeMVT     TileType = 1
	TileTypePNG     TileType = 2
	TileTypeJPEG    TileType = 3
	TileTypeWebP    TileType = 4
	TileTypeAVIF    TileType = 5
)

// Header is the decoded PMTiles v3 header. Coordinates are degrees.
type Header struct {
	Version             uint8
	RootDirectoryOffset uint64
	RootDirectoryLength uint64
	MetadataOffset      uint64
	MetadataLength      uint64
	LeafDirectoryOffset uint64
	LeafDirectoryLength uint64
	TileDataOffset      uint64
	TileDataLength      uint64
	AddressedTiles      uint64
	TileEntries         uint64
	TileContents        uint64
	Clustered           bool
	InternalCompression Compression
	TileCompression     Compression
	TileType            TileType
	MinZoom             uint8
	MaxZoom             uint8
	MinLon              float64
	MinLat              float64
	MaxLon              float64
	MaxLat              float64
	CenterZoom          uint8
	CenterLon           float64
	CenterLat           float64
}

// Handle is a loaded tile archive. It is safe for concurrent readers and is
// shared by every caller of a coalesced load.
type Handle struct {
	filename string
	run      run.Descriptor
	data     []byte
	reader   *bytes.Reader
}

func newHandle(filename string, desc run.Descriptor, data []byte) *Handle {
	return &Handle{
		filename: filename,
		run:      desc,
		data:     data,
		reader:   bytes.NewReader(data),
	}
}

// Filename returns the archive's storage filename.
func (h *Handle) Filename() string { return h.filename }

// Run returns the run that produced the archive.
func (h *Handle) Run() run.Descriptor { return h.run }

// Size returns the archive length in bytes.
func (h *Handle) Size() int64 { return int64(len(h.data)) }

// Bytes returns a copy of the archive content.
func (h *Handle) Bytes() []byte {
	return bytes.Clone(h.data)
}

// ReadAt implements io.ReaderAt for range reads by the tile renderer.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	return h.reader.ReadAt(p, off)
}

// Header decodes the PMTiles v3 header.
func (h *Handle) Header() (Header, error) {
	return ParseHeader(h.data)
}

// Metadata decodes the archive's JSON metadata section.
func (h *Handle) Metadata() (map[string]any, error) {
	header, err := h.Header()
	if err != nil {
		return nil, err
	}
	section, err := h.section(header.MetadataOffset, header.MetadataLength)
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	raw, err := decompress(header.InternalCompression, section)
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	metadata := map[string]any{}
	if len(raw) == 0 {
		return metadata, nil
	}
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	return metadata, nil
}

func (h *Handle) section(offset, length uint64) ([]byte, error) {
	size := uint64(len(h.data))
	if offset > size || length > size-offset {
		return nil, fmt.Errorf("section [%d,+%d) exceeds archive size %d", offset, length, size)
	}
	return h.data[offset : offset+length], nil
}

func decompress(compression Compression, data []byte) ([]byte, error) {
	switch compression {
	case CompressionNone, CompressionUnknown:
		return data, nil
	case CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case CompressionZstd:
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("unsupported compression %d", compression)
	}
}

// ParseHeader decodes the PMTiles v3 header at the start of data.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderLen || !bytes.Equal(data[:len(pmtilesMagic)], pmtilesMagic) {
		return Header{}, ErrNotPMTiles
	}
	if data[7] != 3 {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[7])
	}
	le := binary.LittleEndian
	u64 := func(off int) uint64 { return le.Uint64(data[off : off+8]) }
	coord := func(off int) float64 { return float64(int32(le.Uint32(data[off:off+4]))) / 1e7 }

	return Header{
		Version:             data[7],
		RootDirectoryOffset: u64(8),
		RootDirectoryLength: u64(16),
		MetadataOffset:      u64(24),
		MetadataLength:      u64(32),
		LeafDirectoryOffset: u64(40),
		LeafDirectoryLength: u64(48),
		TileDataOffset:      u64(56),
		TileDataLength:      u64(64),
		AddressedTiles:      u64(72),
		TileEntries:         u64(80),
		TileContents:        u64(88),
		Clustered:           data[96] == 1,
		InternalCompression: Compression(data[97]),
		TileCompression:     Compression(data[98]),
		TileType:            TileType(data[99]),
		MinZoom:             data[100],
		MaxZoom:             data[101],
		MinLon:              coord(102),
		MinLat:              coord(106),
		MaxLon:              coord(110),
		MaxLat:              coord(114),
		CenterZoom:          data[118],
		CenterLon:           coord(119),
		CenterLat:           coord(123),
	}, nil
}
