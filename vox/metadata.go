package vox

import "fmt"

// VolumeMetadata describes one volume's voxel grid.  It is immutable once the
// volume starts streaming.
type VolumeMetadata struct {
	Width    int32
	Height   int32
	Depth    int32
	Channels int32
	DataType DataType

	// VoxelSize is the optional physical size of one voxel per (x, y, z) axis.
	// A zero value means unknown.
	VoxelSize [3]float64

	// Name optionally identifies the source, e.g., a file name, and is used
	// only for diagnostics.
	Name string
}

// Validate returns an invalid-dimensions error if the metadata cannot
// describe a non-empty volume.
func (m VolumeMetadata) Validate() error {
	if m.Width <= 0 || m.Height <= 0 || m.Depth <= 0 || m.Channels <= 0 {
		return &StreamError{
			Code:    ErrInvalidDimensions,
			Message: fmt.Sprintf("volume has invalid dimensions %d x %d x %d with %d channels", m.Width, m.Height, m.Depth, m.Channels),
		}
	}
	return nil
}

// BytesPerValue returns the byte width of one sample.
func (m VolumeMetadata) BytesPerValue() int64 {
	return int64(DataTypeBytes(m.DataType))
}

// SliceElements returns the number of samples in one z-slice.
func (m VolumeMetadata) SliceElements() int64 {
	return int64(m.Width) * int64(m.Height) * int64(m.Channels)
}

// BytesPerSlice returns the exact byte length every slice buffer must have.
func (m VolumeMetadata) BytesPerSlice() int64 {
	return m.SliceElements() * m.BytesPerValue()
}

// VolumeBytes returns the byte size of the fully materialized volume.
func (m VolumeMetadata) VolumeBytes() int64 {
	return m.BytesPerSlice() * int64(m.Depth)
}

func (m VolumeMetadata) String() string {
	return fmt.Sprintf("%d x %d x %d %s volume, %d channels", m.Width, m.Height, m.Depth, m.DataType, m.Channels)
}
