/*
Package stream assembles volumes from a decode producer's slice message
stream.  Messages arrive over a single channel and are handled strictly in
arrival order, but slices of one volume may arrive in any index order; the
assembler writes them by absolute offset so ordering never affects the
result.
*/
package stream

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/voxelio/voxstream/vox"
	"github.com/voxelio/voxstream/zarr"
)

// MessageKind tags the decode producer protocol messages.
type MessageKind uint8

const (
	// VolumeStartMsg announces a volume's metadata before any of its slices.
	VolumeStartMsg MessageKind = iota

	// VolumeSliceMsg carries one decoded z-slice's raw bytes.
	VolumeSliceMsg

	// VolumeLoadedMsg marks the end of a volume's slice stream.
	VolumeLoadedMsg

	// CompleteMsg marks the end of the whole batch.
	CompleteMsg

	// ErrorMsg reports a fatal producer-side failure.
	ErrorMsg
)

func (k MessageKind) String() string {
	switch k {
	case VolumeStartMsg:
		return "volume-start"
	case VolumeSliceMsg:
		return "volume-slice"
	case VolumeLoadedMsg:
		return "volume-loaded"
	case CompleteMsg:
		return "complete"
	case ErrorMsg:
		return "error"
	default:
		return fmt.Sprintf("unknown message kind %d", uint8(k))
	}
}

// Message is one decode producer message.  Only the fields relevant to its
// kind are set.
type Message struct {
	Kind MessageKind

	Index    int
	Metadata vox.VolumeMetadata

	SliceIndex int32
	SliceCount int32
	Buffer     []byte

	Err *vox.StreamError
}

// VolumeStart builds a volume-start message.
func VolumeStart(index int, meta vox.VolumeMetadata) Message {
	return Message{Kind: VolumeStartMsg, Index: index, Metadata: meta}
}

// VolumeSlice builds a volume-slice message.
func VolumeSlice(index int, sliceIndex, sliceCount int32, buffer []byte) Message {
	return Message{Kind: VolumeSliceMsg, Index: index, SliceIndex: sliceIndex, SliceCount: sliceCount, Buffer: buffer}
}

// VolumeLoaded builds a volume-loaded message.
func VolumeLoaded(index int, meta vox.VolumeMetadata) Message {
	return Message{Kind: VolumeLoadedMsg, Index: index, Metadata: meta}
}

// Complete builds the batch completion message.
func Complete() Message {
	return Message{Kind: CompleteMsg}
}

// ProducerError builds an error message carrying a structured failure.
func ProducerError(err *vox.StreamError) Message {
	return Message{Kind: ErrorMsg, Err: err}
}

// Config holds the environment-style limits of the streaming pipeline.
type Config struct {
	// MaxVolumeBytes rejects any volume larger than this with a structured
	// volume-too-large error.
	MaxVolumeBytes int64

	// ChunkedThresholdBytes selects the streaming chunked write path for
	// volumes above this size; smaller volumes are materialized in memory.
	ChunkedThresholdBytes int64

	// GroupPath is where the chunked write path roots its volume arrays.
	GroupPath string

	// Compression is the chunk codec used by the write path.
	Compression zarr.Compression
}

// DefaultConfig mirrors the limits used by the interactive viewer.
func DefaultConfig() Config {
	return Config{
		MaxVolumeBytes:        512 << 20,
		ChunkedThresholdBytes: 64 << 20,
		GroupPath:             "volumes",
		Compression:           zarr.Zstd,
	}
}

// FromEnvironment overrides limits from VOXSTREAM_MAX_VOLUME_BYTES and
// VOXSTREAM_CHUNKED_THRESHOLD_BYTES, each accepting humanized sizes like
// "512 MB".
func (c *Config) FromEnvironment() error {
	if v := os.Getenv("VOXSTREAM_MAX_VOLUME_BYTES"); v != "" {
		n, err := humanize.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("bad VOXSTREAM_MAX_VOLUME_BYTES %q: %v", v, err)
		}
		c.MaxVolumeBytes = int64(n)
	}
	if v := os.Getenv("VOXSTREAM_CHUNKED_THRESHOLD_BYTES"); v != "" {
		n, err := humanize.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("bad VOXSTREAM_CHUNKED_THRESHOLD_BYTES %q: %v", v, err)
		}
		c.ChunkedThresholdBytes = int64(n)
	}
	return nil
}
