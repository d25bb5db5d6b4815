package stream

import (
	"encoding/binary"
	"math"

	"github.com/voxelio/voxstream/vox"
)

// DisplayMode selects how decoded volumes are presented downstream.
type DisplayMode uint8

const (
	// VolumeDisplay presents each volume as a single 3d payload.
	VolumeDisplay DisplayMode = iota

	// MoviePlaneDisplay flattens each volume into independent single-plane
	// payloads, one per z.
	MoviePlaneDisplay
)

// ExpandMoviePlanes is a pure transform over decoded volumes.  In
// MoviePlaneDisplay mode every depth-D volume is split into D single-plane
// payloads (depth forced to 1), each carrying its own min/max display range;
// depth-0 volumes are dropped.  Any other mode returns the input unchanged.
func ExpandMoviePlanes(volumes []*Volume, mode DisplayMode) []*Volume {
	if mode != MoviePlaneDisplay {
		return volumes
	}
	var planes []*Volume
	for _, vol := range volumes {
		if vol == nil || vol.Meta.Depth <= 0 {
			continue
		}
		bytesPerSlice := vol.Meta.BytesPerSlice()
		for z := int32(0); z < vol.Meta.Depth; z++ {
			meta := vol.Meta
			meta.Depth = 1
			offset := int64(z) * bytesPerSlice
			data := vol.Data[offset : offset+bytesPerSlice]
			min, max := sampleRange(data, meta.DataType)
			planes = append(planes, &Volume{Meta: meta, Data: data, Min: min, Max: max})
		}
	}
	return planes
}

// sampleRange scans every sample for its finite min/max.  With no finite
// sample the range defaults to [0, 1]; a degenerate range is widened by +1
// so downstream contrast mapping never divides by zero.
func sampleRange(data []byte, dataType vox.DataType) (min, max float64) {
	bpv := int(vox.DataTypeBytes(dataType))
	min = math.Inf(1)
	max = math.Inf(-1)
	anyFinite := false
	for off := 0; off+bpv <= len(data); off += bpv {
		v := sampleAt(data, off, dataType)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		anyFinite = true
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if !anyFinite {
		return 0, 1
	}
	if min == max {
		max = min + 1
	}
	return min, max
}

func sampleAt(data []byte, off int, dataType vox.DataType) float64 {
	switch dataType {
	case vox.T_uint8:
		return float64(data[off])
	case vox.T_int8:
		return float64(int8(data[off]))
	case vox.T_uint16:
		return float64(binary.LittleEndian.Uint16(data[off:]))
	case vox.T_int16:
		return float64(int16(binary.LittleEndian.Uint16(data[off:])))
	case vox.T_uint32:
		return float64(binary.LittleEndian.Uint32(data[off:]))
	case vox.T_int32:
		return float64(int32(binary.LittleEndian.Uint32(data[off:])))
	case vox.T_uint64:
		return float64(binary.LittleEndian.Uint64(data[off:]))
	case vox.T_int64:
		return float64(int64(binary.LittleEndian.Uint64(data[off:])))
	case vox.T_float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:])))
	case vox.T_float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
	default:
		return math.NaN()
	}
}
