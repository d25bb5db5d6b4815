package zarr

import "github.com/voxelio/voxstream/vox"

const (
	// DefaultChunkBytes is the target decoded size of one stored chunk.
	DefaultChunkBytes = 1 << 20

	// maxChunkExtent caps each spatial chunk extent before the byte target
	// is applied.
	maxChunkExtent = 128
)

// PickChunkShape derives the stored chunk shape for a volume from its element
// width and extents.  Channels are never split.  Spatial extents are clamped
// to the volume and capped, then the z extent and finally y/x are halved until
// a chunk fits the byte target.  The result is deterministic for a given
// metadata.
func PickChunkShape(meta vox.VolumeMetadata) ChunkCoord {
	shape := ChunkCoord{
		meta.Channels,
		clamp(meta.Depth, maxChunkExtent),
		clamp(meta.Height, maxChunkExtent),
		clamp(meta.Width, maxChunkExtent),
	}
	bytesPerValue := meta.BytesPerValue()
	chunkBytes := func() int64 {
		n := bytesPerValue
		for _, extent := range shape {
			n *= int64(extent)
		}
		return n
	}
	// Shrink z first so chunks stay slice-friendly, then the larger of y/x.
	for chunkBytes() > DefaultChunkBytes {
		switch {
		case shape[1] > 1:
			shape[1] = (shape[1] + 1) / 2
		case shape[2] >= shape[3] && shape[2] > 1:
			shape[2] = (shape[2] + 1) / 2
		case shape[3] > 1:
			shape[3] = (shape[3] + 1) / 2
		default:
			return shape // single voxel column; nothing left to halve
		}
	}
	return shape
}

// SpecForVolume builds the creation spec of a volume's chunked array.
func SpecForVolume(meta vox.VolumeMetadata, compression Compression) ArraySpec {
	return ArraySpec{
		Shape: [4]int64{
			int64(meta.Channels),
			int64(meta.Depth),
			int64(meta.Height),
			int64(meta.Width),
		},
		ChunkShape:  PickChunkShape(meta),
		DataType:    meta.DataType,
		Compression: compression,
	}
}

func clamp(v, max int32) int32 {
	if v > max {
		return max
	}
	return v
}
