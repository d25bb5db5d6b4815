package zarr

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/voxelio/voxstream/store"
	"github.com/voxelio/voxstream/vox"
)

// Compression selects the codec applied to chunk bytes before storage.
type Compression uint8

const (
	NoCompression Compression = iota
	Snappy
	Zstd
)

func (c Compression) codecName() string {
	switch c {
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	default:
		return ""
	}
}

func compressionForCodec(name string) (Compression, error) {
	switch name {
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	default:
		return NoCompression, fmt.Errorf("unknown chunk codec %q", name)
	}
}

// Shared zstd coders; both are safe for concurrent use with EncodeAll and
// DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		vox.Criticalf("can't initialize zstd encoder: %v\n", err)
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		vox.Criticalf("can't initialize zstd decoder: %v\n", err)
	}
}

// ArraySpec describes an array to be created.  Shape and ChunkShape are in
// (channel, z, y, x) order.
type ArraySpec struct {
	Shape       [4]int64
	ChunkShape  ChunkCoord
	DataType    vox.DataType
	Compression Compression
}

// Array is a handle to one stored chunked array.
type Array struct {
	store       store.ObjectStore
	path        string
	shape       [4]int64
	chunkShape  ChunkCoord
	dataType    vox.DataType
	compression Compression
}

// CreateArray writes array metadata at the given path and returns a handle
// for chunk I/O.
func CreateArray(ctx context.Context, s store.ObjectStore, path string, spec ArraySpec) (*Array, error) {
	for dim, extent := range spec.ChunkShape {
		if extent <= 0 || spec.Shape[dim] <= 0 {
			return nil, fmt.Errorf("array %q has bad dimension %d: shape %d, chunk %d", path, dim, spec.Shape[dim], extent)
		}
	}
	meta, err := metadataForSpec(spec)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := s.Write(ctx, join(path, metadataFile), data); err != nil {
		return nil, fmt.Errorf("can't write array metadata at %q: %v", path, err)
	}
	return &Array{
		store:       s,
		path:        path,
		shape:       spec.Shape,
		chunkShape:  spec.ChunkShape,
		dataType:    spec.DataType,
		compression: spec.Compression,
	}, nil
}

// OpenArray reads array metadata at the given path, recovering the chunk
// shape from the stored sharding codec configuration.
func OpenArray(ctx context.Context, s store.ObjectStore, path string) (*Array, error) {
	data, err := s.Read(ctx, join(path, metadataFile))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("no array found at %q", path)
	}
	var meta arrayMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("bad array metadata at %q: %v", path, err)
	}
	if meta.NodeType != "array" {
		return nil, fmt.Errorf("node at %q is a %q, not an array", path, meta.NodeType)
	}
	if len(meta.Shape) != 4 {
		return nil, fmt.Errorf("array at %q has %d dimensions, expected 4", path, len(meta.Shape))
	}
	dataType, err := vox.DataTypeByName(meta.DataType)
	if err != nil {
		return nil, fmt.Errorf("array at %q: %v", path, err)
	}
	chunkShape, compression, err := chunkShapeFromMetadata(meta)
	if err != nil {
		return nil, fmt.Errorf("array at %q: %v", path, err)
	}
	a := &Array{
		store:       s,
		path:        path,
		dataType:    dataType,
		chunkShape:  chunkShape,
		compression: compression,
	}
	copy(a.shape[:], meta.Shape)
	return a, nil
}

// Path returns the array's logical path within the store.
func (a *Array) Path() string {
	return a.path
}

// Shape returns the array extents in (channel, z, y, x) order.
func (a *Array) Shape() [4]int64 {
	return a.shape
}

// ChunkShape returns the per-chunk extents in (channel, z, y, x) order.
func (a *Array) ChunkShape() ChunkCoord {
	return a.chunkShape
}

// DataType returns the element type of the array.
func (a *Array) DataType() vox.DataType {
	return a.dataType
}

// GridSize returns the number of chunks along each axis.
func (a *Array) GridSize() ChunkCoord {
	var grid ChunkCoord
	for dim, extent := range a.shape {
		grid[dim] = int32((extent + int64(a.chunkShape[dim]) - 1) / int64(a.chunkShape[dim]))
	}
	return grid
}

// ChunkBytes returns the byte size of one decoded chunk.
func (a *Array) ChunkBytes() int64 {
	n := int64(vox.DataTypeBytes(a.dataType))
	for _, extent := range a.chunkShape {
		n *= int64(extent)
	}
	return n
}

// ChunkKey resolves a chunk coordinate to its storage key under the array.
func (a *Array) ChunkKey(coord ChunkCoord) string {
	return join(a.path, fmt.Sprintf("c/%d/%d/%d/%d", coord[0], coord[1], coord[2], coord[3]))
}

// WriteChunk encodes one chunk's raw bytes and stores them at the coordinate's
// resolved key.
func (a *Array) WriteChunk(ctx context.Context, coord ChunkCoord, raw []byte) error {
	encoded, err := a.encode(raw)
	if err != nil {
		return fmt.Errorf("can't encode chunk %s of %q: %v", coord, a.path, err)
	}
	return a.store.Write(ctx, a.ChunkKey(coord), encoded)
}

// ReadChunk fetches and decodes one chunk, returning (nil, nil) if the chunk
// was never written.
func (a *Array) ReadChunk(ctx context.Context, coord ChunkCoord) ([]byte, error) {
	encoded, err := a.store.Read(ctx, a.ChunkKey(coord))
	if err != nil || encoded == nil {
		return nil, err
	}
	raw, err := a.decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("can't decode chunk %s of %q: %v", coord, a.path, err)
	}
	return raw, nil
}

func (a *Array) encode(raw []byte) ([]byte, error) {
	switch a.compression {
	case Snappy:
		return snappy.Encode(nil, raw), nil
	case Zstd:
		return zstdEncoder.EncodeAll(raw, nil), nil
	default:
		return raw, nil
	}
}

func (a *Array) decode(encoded []byte) ([]byte, error) {
	switch a.compression {
	case Snappy:
		return snappy.Decode(nil, encoded)
	case Zstd:
		return zstdDecoder.DecodeAll(encoded, nil)
	default:
		return encoded, nil
	}
}
