package ingest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/voxelio/voxstream/store"
	"github.com/voxelio/voxstream/vox"
	"github.com/voxelio/voxstream/zarr"
)

// VolumeArray pairs an array handle with its chunk shape, uniform regardless
// of whether the volume was streamed this session or reopened from an
// earlier run.
type VolumeArray struct {
	Array      *zarr.Array
	ChunkShape zarr.ChunkCoord
}

// Result is the preprocessing result handed to the manifest writer: one
// array per volume index plus the containing group.
type Result struct {
	Group   *zarr.Group
	Volumes []VolumeArray
}

// Coordinator owns the chunk writers for all volumes streaming in one batch
// and reconciles them with volumes already present in the store.
type Coordinator struct {
	store       store.ObjectStore
	group       *zarr.Group
	compression zarr.Compression
	writers     map[int]*Writer
}

// NewCoordinator creates (or replaces) the group node that volume arrays are
// written under.
func NewCoordinator(ctx context.Context, s store.ObjectStore, groupPath string, compression zarr.Compression) (*Coordinator, error) {
	group, err := zarr.CreateGroup(ctx, s, groupPath)
	if err != nil {
		return nil, fmt.Errorf("can't create group %q: %v", groupPath, err)
	}
	return &Coordinator{
		store:       s,
		group:       group,
		compression: compression,
		writers:     make(map[int]*Writer),
	}, nil
}

// Group returns the containing group handle.
func (c *Coordinator) Group() *zarr.Group {
	return c.group
}

// StartVolume creates the chunk writer for a volume index.
func (c *Coordinator) StartVolume(ctx context.Context, index int, meta vox.VolumeMetadata) error {
	if _, dup := c.writers[index]; dup {
		return fmt.Errorf("volume %d already streaming", index)
	}
	w, err := NewWriter(ctx, c.store, c.arrayPath(index), meta, c.compression)
	if err != nil {
		return err
	}
	c.writers[index] = w
	return nil
}

// WriteSlice routes a slice to the volume's writer.  Stray indices without a
// writer are ignored.
func (c *Coordinator) WriteSlice(ctx context.Context, index int, slice []byte, sliceIndex int32) error {
	w, found := c.writers[index]
	if !found {
		return nil
	}
	return w.WriteSlice(ctx, slice, sliceIndex)
}

// FinalizeVolume flushes a volume's trailing chunks.  A missing writer is a
// no-op so stray loaded messages stay harmless.
func (c *Coordinator) FinalizeVolume(ctx context.Context, index int) error {
	w, found := c.writers[index]
	if !found {
		return nil
	}
	return w.Finalize(ctx)
}

// FinalizeAll concurrently finalizes every active writer, then produces one
// VolumeArray per index in [0, volumeCount): freshly streamed volumes are
// reopened from their writer, while indices never streamed this session are
// opened directly from the store.  This lets a batch mix fresh and
// previously persisted volumes.  Indices in skip took a non-chunked path and
// are left as zero VolumeArrays instead of being reconciled.
func (c *Coordinator) FinalizeAll(ctx context.Context, volumeCount int, skip map[int]bool) (*Result, error) {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range c.writers {
		g.Go(func() error {
			return w.Finalize(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &Result{
		Group:   c.group,
		Volumes: make([]VolumeArray, volumeCount),
	}
	g, gctx = errgroup.WithContext(ctx)
	var mu sync.Mutex
	for index := 0; index < volumeCount; index++ {
		if w, found := c.writers[index]; found {
			array, chunkShape := w.Reopen()
			result.Volumes[index] = VolumeArray{array, chunkShape}
			continue
		}
		if skip[index] {
			continue
		}
		g.Go(func() error {
			array, err := zarr.OpenArray(gctx, c.store, c.arrayPath(index))
			if err != nil {
				return fmt.Errorf("volume %d was not streamed and can't be opened: %v", index, err)
			}
			mu.Lock()
			result.Volumes[index] = VolumeArray{array, array.ChunkShape()}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Coordinator) arrayPath(index int) string {
	return c.group.ArrayPath(strconv.Itoa(index))
}
