package cache

import (
	"context"
	"fmt"

	"github.com/voxelio/voxstream/zarr"
)

// ArraySource fetches chunks from the stored arrays of one preprocessing
// result, one array per volume level.  A chunk that was never written reads
// back as a zero-filled background chunk, matching the write path's
// zero-initialized assembly buffers.
type ArraySource struct {
	arrays []*zarr.Array
}

// NewArraySource wraps the given arrays; index in the slice is the level.
func NewArraySource(arrays []*zarr.Array) *ArraySource {
	return &ArraySource{arrays: arrays}
}

// FetchChunk implements Fetcher.
func (s *ArraySource) FetchChunk(ctx context.Context, level int, coord zarr.ChunkCoord) ([]byte, error) {
	if level < 0 || level >= len(s.arrays) {
		return nil, fmt.Errorf("no volume at level %d (have %d)", level, len(s.arrays))
	}
	array := s.arrays[level]
	grid := array.GridSize()
	for dim := 0; dim < 4; dim++ {
		if coord[dim] < 0 || coord[dim] >= grid[dim] {
			return nil, fmt.Errorf("chunk %s outside grid %s of level %d", coord, grid, level)
		}
	}
	data, err := array.ReadChunk(ctx, coord)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = make([]byte, array.ChunkBytes())
	}
	return data, nil
}
