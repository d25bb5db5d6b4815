/*
Package zarr reads and writes Zarr v3 style array and group nodes on top of a
store.ObjectStore.  Arrays are 4-d (channel, z, y, x) voxel grids whose chunks
are stored shard-aligned, one chunk per stored object, with the chunk shape
recorded in the sharding codec configuration.
*/
package zarr

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/voxelio/voxstream/store"
	"github.com/voxelio/voxstream/vox"
)

const (
	zarrFormat   = 3
	metadataFile = "zarr.json"

	shardingCodecName = "sharding_indexed"
	bytesCodecName    = "bytes"
)

// ChunkCoord addresses one chunk within an array's (channel, z, y, x) grid.
type ChunkCoord [4]int32

func (c ChunkCoord) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d)", c[0], c[1], c[2], c[3])
}

type codecJSON struct {
	Name          string          `json:"name"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

type bytesConfig struct {
	Endian string `json:"endian"`
}

type shardingConfig struct {
	ChunkShape    []int32     `json:"chunk_shape"`
	Codecs        []codecJSON `json:"codecs"`
	IndexCodecs   []codecJSON `json:"index_codecs,omitempty"`
	IndexLocation string      `json:"index_location,omitempty"`
}

type chunkGridJSON struct {
	Name          string `json:"name"`
	Configuration struct {
		ChunkShape []int64 `json:"chunk_shape"`
	} `json:"configuration"`
}

type chunkKeyEncodingJSON struct {
	Name          string `json:"name"`
	Configuration struct {
		Separator string `json:"separator"`
	} `json:"configuration"`
}

type arrayMetadata struct {
	ZarrFormat       int                  `json:"zarr_format"`
	NodeType         string               `json:"node_type"`
	Shape            []int64              `json:"shape"`
	DataType         string               `json:"data_type"`
	ChunkGrid        chunkGridJSON        `json:"chunk_grid"`
	ChunkKeyEncoding chunkKeyEncodingJSON `json:"chunk_key_encoding"`
	FillValue        float64              `json:"fill_value"`
	Codecs           []codecJSON          `json:"codecs"`
}

type groupMetadata struct {
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
}

// Group is a container node holding arrays at child paths.
type Group struct {
	store store.ObjectStore
	path  string
}

// CreateGroup writes group metadata at the given path, which may be "" for
// the store root.
func CreateGroup(ctx context.Context, s store.ObjectStore, path string) (*Group, error) {
	meta := groupMetadata{ZarrFormat: zarrFormat, NodeType: "group"}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := s.Write(ctx, join(path, metadataFile), data); err != nil {
		return nil, fmt.Errorf("can't write group metadata at %q: %v", path, err)
	}
	return &Group{store: s, path: path}, nil
}

// OpenGroup reads and verifies group metadata at the given path.
func OpenGroup(ctx context.Context, s store.ObjectStore, path string) (*Group, error) {
	data, err := s.Read(ctx, join(path, metadataFile))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("no group found at %q", path)
	}
	var meta groupMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("bad group metadata at %q: %v", path, err)
	}
	if meta.NodeType != "group" {
		return nil, fmt.Errorf("node at %q is a %q, not a group", path, meta.NodeType)
	}
	return &Group{store: s, path: path}, nil
}

// Path returns the group's logical path within the store.
func (g *Group) Path() string {
	return g.path
}

// ArrayPath returns the logical path of a named child array.
func (g *Group) ArrayPath(name string) string {
	return join(g.path, name)
}

func join(parts ...string) string {
	var path string
	for _, p := range parts {
		if p == "" {
			continue
		}
		if path == "" {
			path = p
		} else {
			path += "/" + p
		}
	}
	return path
}

// metadataForSpec builds the stored array metadata.  The sharding codec
// carries the chunk shape and the inner codec chain; the chunk grid mirrors
// the same shape since shards are chosen to hold exactly one chunk.
func metadataForSpec(spec ArraySpec) (arrayMetadata, error) {
	inner := []codecJSON{mustCodec(bytesCodecName, bytesConfig{Endian: "little"})}
	if name := spec.Compression.codecName(); name != "" {
		inner = append(inner, codecJSON{Name: name, Configuration: json.RawMessage(`{}`)})
	}
	sharding := shardingConfig{
		ChunkShape:    spec.ChunkShape[:],
		Codecs:        inner,
		IndexCodecs:   []codecJSON{mustCodec(bytesCodecName, bytesConfig{Endian: "little"})},
		IndexLocation: "end",
	}
	meta := arrayMetadata{
		ZarrFormat: zarrFormat,
		NodeType:   "array",
		Shape:      spec.Shape[:],
		DataType:   spec.DataType.String(),
		Codecs:     []codecJSON{mustCodec(shardingCodecName, sharding)},
	}
	meta.ChunkGrid.Name = "regular"
	meta.ChunkGrid.Configuration.ChunkShape = make([]int64, 4)
	for i, extent := range spec.ChunkShape {
		meta.ChunkGrid.Configuration.ChunkShape[i] = int64(extent)
	}
	meta.ChunkKeyEncoding.Name = "default"
	meta.ChunkKeyEncoding.Configuration.Separator = "/"
	return meta, nil
}

func mustCodec(name string, config interface{}) codecJSON {
	raw, err := json.Marshal(config)
	if err != nil {
		vox.Criticalf("can't marshal %s codec configuration: %v\n", name, err)
	}
	return codecJSON{Name: name, Configuration: raw}
}

// chunkShapeFromMetadata recovers the chunk shape declared by the stored
// sharding codec configuration, falling back to the chunk grid for arrays
// written without sharding.
func chunkShapeFromMetadata(meta arrayMetadata) (shape ChunkCoord, compression Compression, err error) {
	for _, codec := range meta.Codecs {
		switch codec.Name {
		case shardingCodecName:
			var config shardingConfig
			if err = json.Unmarshal(codec.Configuration, &config); err != nil {
				err = fmt.Errorf("bad sharding codec configuration: %v", err)
				return
			}
			if len(config.ChunkShape) != 4 {
				err = fmt.Errorf("sharding codec chunk shape has %d dimensions, expected 4", len(config.ChunkShape))
				return
			}
			copy(shape[:], config.ChunkShape)
			compression, err = compressionForCodecs(config.Codecs)
			return
		case bytesCodecName:
			// unsharded array; chunk shape comes from the grid below
		default:
			if compression, err = compressionForCodec(codec.Name); err != nil {
				return
			}
		}
	}
	grid := meta.ChunkGrid.Configuration.ChunkShape
	if len(grid) != 4 {
		err = fmt.Errorf("chunk grid has %d dimensions, expected 4", len(grid))
		return
	}
	for i, extent := range grid {
		shape[i] = int32(extent)
	}
	return
}

func compressionForCodecs(codecs []codecJSON) (Compression, error) {
	for _, codec := range codecs {
		if codec.Name == bytesCodecName {
			continue
		}
		return compressionForCodec(codec.Name)
	}
	return NoCompression, nil
}
