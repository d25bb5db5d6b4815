/*
Package ingest implements the chunked write path: per-volume writers that
scatter incoming z-slices into the chunks they intersect and flush each chunk
to the store exactly once, plus a coordinator that routes slices for all
volumes streaming in one batch.
*/
package ingest

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/voxelio/voxstream/store"
	"github.com/voxelio/voxstream/vox"
	"github.com/voxelio/voxstream/zarr"
)

// extentRange is a half-open [Begin, End) span of one axis in voxel space.
type extentRange struct {
	Begin int32
	End   int32
}

func rangeForChunk(chunkIdx, chunkExtent, volumeExtent int32) extentRange {
	begin := chunkIdx * chunkExtent
	end := begin + chunkExtent
	if end > volumeExtent {
		end = volumeExtent
	}
	return extentRange{begin, end}
}

// chunkAssembly buffers one chunk between the arrival of its first
// intersecting slice and its flush.  The buffer is zero-initialized and holds
// exactly one chunk's elements in (channel, z, y, x) order.
type chunkAssembly struct {
	coord zarr.ChunkCoord

	cRange extentRange
	zRange extentRange
	yRange extentRange
	xRange extentRange

	buf []byte

	// element strides within buf; the x stride is 1
	cStride int64
	zStride int64
	yStride int64

	// distinct z-slices scattered so far; the chunk flushes when this
	// reaches the z range length, whatever order the slices arrived in
	zSeen int32
}

// Writer turns a stream of whole slices into durably flushed, shard-aligned
// chunks for one volume.  It is owned by a single message-handling sequence
// and is not safe for concurrent WriteSlice calls.
type Writer struct {
	meta       vox.VolumeMetadata
	array      *zarr.Array
	chunkShape zarr.ChunkCoord
	grid       zarr.ChunkCoord
	pending    map[zarr.ChunkCoord]*chunkAssembly
	flushed    map[zarr.ChunkCoord]bool
	flushes    int
}

// NewWriter creates the volume's array in the store with the chunk shape
// chosen by the storage sizing policy.
func NewWriter(ctx context.Context, s store.ObjectStore, path string, meta vox.VolumeMetadata, compression zarr.Compression) (*Writer, error) {
	return NewWriterWithShape(ctx, s, path, meta, compression, zarr.PickChunkShape(meta))
}

// NewWriterWithShape is NewWriter with an explicit chunk shape.
func NewWriterWithShape(ctx context.Context, s store.ObjectStore, path string, meta vox.VolumeMetadata, compression zarr.Compression, chunkShape zarr.ChunkCoord) (*Writer, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	spec := zarr.SpecForVolume(meta, compression)
	spec.ChunkShape = chunkShape
	array, err := zarr.CreateArray(ctx, s, path, spec)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		meta:       meta,
		array:      array,
		chunkShape: spec.ChunkShape,
		grid:       array.GridSize(),
		pending:    make(map[zarr.ChunkCoord]*chunkAssembly),
		flushed:    make(map[zarr.ChunkCoord]bool),
	}
	vox.Debugf("Volume %q: chunk shape %s, grid %s\n", path, w.chunkShape, w.grid)
	return w, nil
}

// WriteSlice scatters one whole z-slice into every chunk it intersects and
// flushes any chunk whose last z-slice this is.  The slice buffer holds
// width*height*channels samples in (y, x, channel) order.
func (w *Writer) WriteSlice(ctx context.Context, slice []byte, sliceIndex int32) error {
	if sliceIndex < 0 || sliceIndex >= w.meta.Depth {
		return &vox.StreamError{
			Code:    vox.ErrSliceIndexOutOfBounds,
			Message: fmt.Sprintf("slice index %d outside volume depth %d", sliceIndex, w.meta.Depth),
		}
	}
	zChunk := sliceIndex / w.chunkShape[1]
	zRange := rangeForChunk(zChunk, w.chunkShape[1], w.meta.Depth)
	if sliceIndex < zRange.Begin || sliceIndex >= zRange.End {
		// can't happen with a correct grid; guard kept for the invariant
		return nil
	}

	for cChunk := int32(0); cChunk < w.grid[0]; cChunk++ {
		for yChunk := int32(0); yChunk < w.grid[2]; yChunk++ {
			for xChunk := int32(0); xChunk < w.grid[3]; xChunk++ {
				coord := zarr.ChunkCoord{cChunk, zChunk, yChunk, xChunk}
				if w.flushed[coord] {
					vox.Warningf("Slice %d touches already flushed chunk %s of %q; ignored\n", sliceIndex, coord, w.array.Path())
					continue
				}
				asm := w.assembly(coord)
				if err := w.scatter(asm, slice, sliceIndex); err != nil {
					return err
				}
				asm.zSeen++
				if asm.zSeen >= asm.zRange.End-asm.zRange.Begin {
					if err := w.flush(ctx, asm); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// assembly returns the pending chunk buffer for a coordinate, creating it
// lazily on first touch.
func (w *Writer) assembly(coord zarr.ChunkCoord) *chunkAssembly {
	if asm, found := w.pending[coord]; found {
		return asm
	}
	numElements := int64(w.chunkShape[0]) * int64(w.chunkShape[1]) * int64(w.chunkShape[2]) * int64(w.chunkShape[3])
	asm := &chunkAssembly{
		coord:   coord,
		cRange:  rangeForChunk(coord[0], w.chunkShape[0], w.meta.Channels),
		zRange:  rangeForChunk(coord[1], w.chunkShape[1], w.meta.Depth),
		yRange:  rangeForChunk(coord[2], w.chunkShape[2], w.meta.Height),
		xRange:  rangeForChunk(coord[3], w.chunkShape[3], w.meta.Width),
		buf:     make([]byte, numElements*w.meta.BytesPerValue()),
		yStride: int64(w.chunkShape[3]),
		zStride: int64(w.chunkShape[3]) * int64(w.chunkShape[2]),
	}
	asm.cStride = asm.zStride * int64(w.chunkShape[1])
	w.pending[coord] = asm
	return asm
}

// scatter copies every sample of the slice that falls inside the chunk's
// (channel, y, x) ranges into the chunk buffer at the slice's local z.
func (w *Writer) scatter(asm *chunkAssembly, slice []byte, sliceIndex int32) error {
	width := int64(w.meta.Width)
	channels := int64(w.meta.Channels)
	localZ := int64(sliceIndex - asm.zRange.Begin)

	// With a single channel the x run of a row is contiguous in both the
	// slice and the chunk buffer, so copy whole rows.
	rowRun := channels == 1

	for y := asm.yRange.Begin; y < asm.yRange.End; y++ {
		srcRow := (int64(y)*width + int64(asm.xRange.Begin)) * channels
		dstRow := localZ*asm.zStride + int64(y-asm.yRange.Begin)*asm.yStride
		if rowRun {
			runElems := int64(asm.xRange.End - asm.xRange.Begin)
			if err := w.copyElements(asm, slice, srcRow, dstRow, runElems, int32(y), asm.xRange.Begin, asm.cRange.Begin); err != nil {
				return err
			}
			continue
		}
		for x := asm.xRange.Begin; x < asm.xRange.End; x++ {
			src := (int64(y)*width + int64(x)) * channels
			for c := asm.cRange.Begin; c < asm.cRange.End; c++ {
				dst := int64(c-asm.cRange.Begin)*asm.cStride + dstRow + int64(x-asm.xRange.Begin)
				if err := w.copyElements(asm, slice, src+int64(c), dst, 1, y, x, c); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// copyElements moves a run of n elements and enforces the destination bounds
// invariant.  A violation means the stride math is broken, so it surfaces
// immediately with the offending coordinates rather than being retried.
func (w *Writer) copyElements(asm *chunkAssembly, slice []byte, srcElem, dstElem, n int64, y, x, c int32) error {
	bpv := w.meta.BytesPerValue()
	srcOff := srcElem * bpv
	dstOff := dstElem * bpv
	runBytes := n * bpv
	if dstOff < 0 || dstOff+runBytes > int64(len(asm.buf)) {
		return &vox.StreamError{
			Code: vox.ErrChunkWriteOutOfBounds,
			Message: fmt.Sprintf("chunk %s write out of bounds at (y %d, x %d, channel %d): offset %d + %d bytes in %d byte buffer",
				asm.coord, y, x, c, dstOff, runBytes, len(asm.buf)),
		}
	}
	copy(asm.buf[dstOff:dstOff+runBytes], slice[srcOff:srcOff+runBytes])
	return nil
}

// flush encodes and stores one chunk, then discards its buffer so write-path
// memory stays bounded by the number of simultaneously open chunks.
func (w *Writer) flush(ctx context.Context, asm *chunkAssembly) error {
	if err := w.array.WriteChunk(ctx, asm.coord, asm.buf); err != nil {
		return fmt.Errorf("can't flush chunk %s of %q: %v", asm.coord, w.array.Path(), err)
	}
	delete(w.pending, asm.coord)
	w.flushed[asm.coord] = true
	w.flushes++
	return nil
}

// Finalize concurrently flushes every chunk still pending.  This covers
// volumes whose depth is not a multiple of the chunk depth and any chunk
// whose closing slice never arrived.  It is idempotent and safe with zero
// pending chunks.
func (w *Writer) Finalize(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	timedLog := vox.NewTimeLog()
	g, gctx := errgroup.WithContext(ctx)
	remaining := make([]*chunkAssembly, 0, len(w.pending))
	for _, asm := range w.pending {
		remaining = append(remaining, asm)
	}
	for _, asm := range remaining {
		g.Go(func() error {
			if err := w.array.WriteChunk(gctx, asm.coord, asm.buf); err != nil {
				return fmt.Errorf("can't flush chunk %s of %q: %v", asm.coord, w.array.Path(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, asm := range remaining {
		w.flushed[asm.coord] = true
	}
	w.flushes += len(remaining)
	w.pending = make(map[zarr.ChunkCoord]*chunkAssembly)
	timedLog.Infof("Finalized %q: flushed %d trailing chunks", w.array.Path(), len(remaining))
	return nil
}

// Reopen returns the now fully written array and its chunk shape for callers
// that need to read back without waiting for the whole batch.
func (w *Writer) Reopen() (*zarr.Array, zarr.ChunkCoord) {
	return w.array, w.chunkShape
}

// Flushes returns the number of chunks written so far.
func (w *Writer) Flushes() int {
	return w.flushes
}
