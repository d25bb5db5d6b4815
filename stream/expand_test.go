package stream

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/voxelio/voxstream/vox"
)

func TestMoviePlaneExpansion(t *testing.T) {
	meta := vox.VolumeMetadata{Width: 2, Height: 2, Depth: 3, Channels: 1, DataType: vox.T_uint8}
	data := make([]byte, meta.VolumeBytes())
	for i := range data {
		data[i] = 42 // uniform volume gives a degenerate range
	}
	planes := ExpandMoviePlanes([]*Volume{{Meta: meta, Data: data}}, MoviePlaneDisplay)
	if len(planes) != 3 {
		t.Fatalf("Expected 3 planes, got %d\n", len(planes))
	}
	for i, plane := range planes {
		if plane.Meta.Depth != 1 {
			t.Errorf("Plane %d depth %d, expected 1\n", i, plane.Meta.Depth)
		}
		if plane.Meta.Width != meta.Width || plane.Meta.Height != meta.Height || plane.Meta.Channels != meta.Channels {
			t.Errorf("Plane %d changed extents: %s\n", i, plane.Meta)
		}
		if plane.Min != 42 || plane.Max != 43 {
			t.Errorf("Plane %d range [%g, %g], expected degenerate range widened to [42, 43]\n", i, plane.Min, plane.Max)
		}
		if int64(len(plane.Data)) != plane.Meta.BytesPerSlice() {
			t.Errorf("Plane %d has %d bytes\n", i, len(plane.Data))
		}
	}
}

func TestMoviePlaneRangeScan(t *testing.T) {
	meta := vox.VolumeMetadata{Width: 2, Height: 1, Depth: 2, Channels: 1, DataType: vox.T_float32}
	data := make([]byte, meta.VolumeBytes())
	put := func(i int, v float32) {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	// plane 0 mixes finite samples and a NaN that must be skipped
	put(0, -2.5)
	put(1, float32(math.NaN()))
	// plane 1 is all non-finite, so it falls back to [0, 1]
	put(2, float32(math.Inf(1)))
	put(3, float32(math.NaN()))

	planes := ExpandMoviePlanes([]*Volume{{Meta: meta, Data: data}}, MoviePlaneDisplay)
	if len(planes) != 2 {
		t.Fatalf("Expected 2 planes, got %d\n", len(planes))
	}
	if planes[0].Min != -2.5 || planes[0].Max != -1.5 {
		t.Errorf("Plane 0 range [%g, %g], expected [-2.5, -1.5]\n", planes[0].Min, planes[0].Max)
	}
	if planes[1].Min != 0 || planes[1].Max != 1 {
		t.Errorf("Plane 1 range [%g, %g], expected fallback [0, 1]\n", planes[1].Min, planes[1].Max)
	}
}

func TestMoviePlaneDropsEmptyAndPassesThrough(t *testing.T) {
	empty := &Volume{Meta: vox.VolumeMetadata{Width: 2, Height: 2, Depth: 0, Channels: 1, DataType: vox.T_uint8}}
	if planes := ExpandMoviePlanes([]*Volume{empty, nil}, MoviePlaneDisplay); len(planes) != 0 {
		t.Errorf("Depth-0 volumes must be dropped, got %d planes\n", len(planes))
	}

	vols := []*Volume{{Meta: vox.VolumeMetadata{Width: 1, Height: 1, Depth: 2, Channels: 1, DataType: vox.T_uint8}, Data: []byte{1, 2}}}
	if out := ExpandMoviePlanes(vols, VolumeDisplay); len(out) != 1 || out[0] != vols[0] {
		t.Errorf("Non-movie mode must return input unchanged\n")
	}
}
