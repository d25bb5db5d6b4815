// Command voxstream streams raw volume files into a chunked array store.
// Each input file holds width*height*channels*bytesPerValue*depth bytes of
// little-endian samples in (z, y, x, channel) order; the file is cut into
// z-slices and fed through the assembly pipeline as a synthetic decode
// producer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"

	"github.com/voxelio/voxstream/store"
	"github.com/voxelio/voxstream/stream"
	"github.com/voxelio/voxstream/vox"
	"github.com/voxelio/voxstream/zarr"
)

var (
	configFile = flag.String("config", "", "TOML configuration file")
	verbose    = flag.Bool("verbose", false, "log debug messages")
)

type tomlConfig struct {
	Logging vox.LogConfig
	Store   storeConfig
	Limits  limitsConfig
	Volume  volumeConfig
}

type storeConfig struct {
	URL         string
	Group       string
	Compression string
}

type limitsConfig struct {
	MaxVolume        string `toml:"max_volume"`
	ChunkedThreshold string `toml:"chunked_threshold"`
}

type volumeConfig struct {
	Width    int32
	Height   int32
	Depth    int32
	Channels int32
	DataType string `toml:"data_type"`
}

func loadConfig(path string) (*tomlConfig, error) {
	var tc tomlConfig
	if _, err := toml.DecodeFile(path, &tc); err != nil {
		return nil, fmt.Errorf("can't read config file %q: %v", path, err)
	}
	if tc.Store.URL == "" {
		return nil, fmt.Errorf("config must set store.url")
	}
	if tc.Store.Group == "" {
		tc.Store.Group = "volumes"
	}
	return &tc, nil
}

func (tc *tomlConfig) streamConfig() (stream.Config, error) {
	cfg := stream.DefaultConfig()
	cfg.GroupPath = tc.Store.Group
	switch tc.Store.Compression {
	case "", "zstd":
		cfg.Compression = zarr.Zstd
	case "snappy":
		cfg.Compression = zarr.Snappy
	case "none":
		cfg.Compression = zarr.NoCompression
	default:
		return cfg, fmt.Errorf("unknown compression %q", tc.Store.Compression)
	}
	if tc.Limits.MaxVolume != "" {
		n, err := humanize.ParseBytes(tc.Limits.MaxVolume)
		if err != nil {
			return cfg, fmt.Errorf("bad limits.max_volume: %v", err)
		}
		cfg.MaxVolumeBytes = int64(n)
	}
	if tc.Limits.ChunkedThreshold != "" {
		n, err := humanize.ParseBytes(tc.Limits.ChunkedThreshold)
		if err != nil {
			return cfg, fmt.Errorf("bad limits.chunked_threshold: %v", err)
		}
		cfg.ChunkedThresholdBytes = int64(n)
	}
	if err := cfg.FromEnvironment(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (tc *tomlConfig) metadata(name string) (vox.VolumeMetadata, error) {
	dataType, err := vox.DataTypeByName(tc.Volume.DataType)
	if err != nil {
		return vox.VolumeMetadata{}, fmt.Errorf("bad volume.data_type: %v", err)
	}
	meta := vox.VolumeMetadata{
		Width:    tc.Volume.Width,
		Height:   tc.Volume.Height,
		Depth:    tc.Volume.Depth,
		Channels: tc.Volume.Channels,
		DataType: dataType,
		Name:     name,
	}
	return meta, meta.Validate()
}

// produce cuts each file into slice messages in the decode protocol.  Any
// failure is reported through the protocol's error message so the assembler
// applies its normal batch-abort policy.
func produce(tc *tomlConfig, files []string, messages chan<- stream.Message) {
	defer close(messages)
	for index, file := range files {
		meta, err := tc.metadata(file)
		if err != nil {
			messages <- stream.ProducerError(&vox.StreamError{Code: vox.ErrInvalidDimensions, Message: err.Error()})
			return
		}
		data, err := os.ReadFile(file)
		if err != nil {
			messages <- stream.ProducerError(&vox.StreamError{Code: vox.ErrProducerFatal, Message: err.Error()})
			return
		}
		if int64(len(data)) != meta.VolumeBytes() {
			messages <- stream.ProducerError(&vox.StreamError{
				Code:    vox.ErrUnexpectedSliceByteLength,
				Message: fmt.Sprintf("%s holds %d bytes, expected %d for %s", file, len(data), meta.VolumeBytes(), meta),
			})
			return
		}
		messages <- stream.VolumeStart(index, meta)
		bytesPerSlice := meta.BytesPerSlice()
		for z := int32(0); z < meta.Depth; z++ {
			offset := int64(z) * bytesPerSlice
			messages <- stream.VolumeSlice(index, z, meta.Depth, data[offset:offset+bytesPerSlice])
		}
		messages <- stream.VolumeLoaded(index, meta)
	}
	messages <- stream.Complete()
}

func main() {
	flag.Parse()
	if *configFile == "" || flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "usage: voxstream -config config.toml [-verbose] file...\n")
		os.Exit(2)
	}
	if *verbose {
		vox.SetLogMode(vox.DebugMode)
	}

	tc, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	tc.Logging.SetLogger()

	cfg, err := tc.streamConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	s, err := store.OpenBlobStore(ctx, tc.Store.URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	messages := make(chan stream.Message, 8)
	go produce(tc, flag.Args(), messages)

	assembler := stream.NewAssembler(s, cfg)
	assembler.OnVolumeLoaded(func(index int, vol *stream.Volume) {
		if vol != nil {
			vox.Infof("Volume %d materialized in memory (%s)\n", index, humanize.Bytes(uint64(len(vol.Data))))
		} else {
			vox.Infof("Volume %d streamed to chunked store\n", index)
		}
	})

	result, err := assembler.Run(ctx, messages)
	if err != nil {
		vox.Errorf("Batch failed: %v\n", err)
		os.Exit(1)
	}
	if result.Preprocessed != nil {
		for index, va := range result.Preprocessed.Volumes {
			vox.Infof("Volume %d @ %q, chunk shape %s\n", index, va.Array.Path(), va.ChunkShape)
		}
	}
	vox.Infof("Done: %d volumes\n", len(result.Volumes))
}
