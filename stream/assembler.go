package stream

import (
	"context"
	"fmt"

	"github.com/voxelio/voxstream/ingest"
	"github.com/voxelio/voxstream/store"
	"github.com/voxelio/voxstream/vox"
)

// Volume is one fully materialized in-memory payload.  Min/Max are display
// range summaries filled in by the movie-mode expander.
type Volume struct {
	Meta vox.VolumeMetadata
	Data []byte
	Min  float64
	Max  float64
}

// Result is what a successfully completed batch delivers: in-memory payloads
// in original index order, or the chunked-store preprocessing result, per
// each volume's assembly path.
type Result struct {
	// Volumes holds the in-memory payloads; entries for volumes that took
	// the chunked path are nil.
	Volumes []*Volume

	// Preprocessed is the chunked write path's output and is non-nil only
	// when at least one volume streamed through a chunk writer.
	Preprocessed *ingest.Result
}

// assemblyState tracks one in-flight volume from volume-start to
// volume-loaded.
type assemblyState struct {
	meta          vox.VolumeMetadata
	sliceElements int64
	bytesPerSlice int64
	sliceCount    int32
	received      int32

	// exactly one of buf (in-memory path) or chunked (writer owned by the
	// coordinator) is active
	buf     []byte
	chunked bool
}

// Assembler is the single consumer of one decode producer's message channel.
// Messages are processed strictly one at a time: a message's synchronous
// mutations and the store writes it triggers complete before the next message
// starts, so two slices can never race on the same chunk buffer.
type Assembler struct {
	cfg   Config
	store store.ObjectStore
	coord *ingest.Coordinator

	states  map[int]*assemblyState
	volumes map[int]*Volume
	loaded  map[int]bool
	failed  *vox.StreamError

	// onLoaded, if set, is invoked after each volume completes.
	onLoaded func(index int, vol *Volume)
}

// NewAssembler returns an assembler writing chunked volumes into the given
// store under cfg.GroupPath.
func NewAssembler(s store.ObjectStore, cfg Config) *Assembler {
	return &Assembler{
		cfg:     cfg,
		store:   s,
		states:  make(map[int]*assemblyState),
		volumes: make(map[int]*Volume),
		loaded:  make(map[int]bool),
	}
}

// OnVolumeLoaded registers a per-volume completion callback.  The callback's
// vol is nil for volumes that took the chunked path.
func (a *Assembler) OnVolumeLoaded(f func(index int, vol *Volume)) {
	a.onLoaded = f
}

// Run consumes messages until the batch completes or fails.  The first fatal
// error wins; all further messages are drained and ignored, and no partial
// result is delivered.
func (a *Assembler) Run(ctx context.Context, messages <-chan Message) (*Result, error) {
	timedLog := vox.NewTimeLog()
	for msg := range messages {
		if a.failed != nil {
			continue
		}
		switch msg.Kind {
		case VolumeStartMsg:
			a.handleStart(ctx, msg)
		case VolumeSliceMsg:
			a.handleSlice(ctx, msg)
		case VolumeLoadedMsg:
			a.handleLoaded(ctx, msg)
		case CompleteMsg:
			result := a.handleComplete(ctx)
			if a.failed != nil {
				break
			}
			timedLog.Infof("Assembled batch of %d volumes", len(result.Volumes))
			return result, nil
		case ErrorMsg:
			if msg.Err != nil {
				a.fail(msg.Err)
			} else {
				a.fail(&vox.StreamError{Code: vox.ErrProducerFatal, Message: "producer reported an unspecified error"})
			}
		default:
			a.fail(&vox.StreamError{Code: vox.ErrProducerFatal, Message: fmt.Sprintf("unknown message kind %d", msg.Kind)})
		}
	}
	if a.failed != nil {
		return nil, a.failed
	}
	return nil, &vox.StreamError{Code: vox.ErrProducerFatal, Message: "producer channel closed before batch completion"}
}

func (a *Assembler) fail(err *vox.StreamError) {
	vox.Errorf("Aborting batch: %v\n", err)
	a.failed = err
	a.states = make(map[int]*assemblyState)
	a.volumes = make(map[int]*Volume)
}

func (a *Assembler) handleStart(ctx context.Context, msg Message) {
	meta := msg.Metadata
	if err := meta.Validate(); err != nil {
		a.fail(err.(*vox.StreamError))
		return
	}
	if _, dup := a.states[msg.Index]; dup {
		a.fail(&vox.StreamError{
			Code:    vox.ErrProducerFatal,
			Message: fmt.Sprintf("volume %d started twice", msg.Index),
		})
		return
	}
	if meta.VolumeBytes() > a.cfg.MaxVolumeBytes {
		a.fail(vox.NewTooLargeError(meta, a.cfg.MaxVolumeBytes))
		return
	}

	state := &assemblyState{
		meta:          meta,
		sliceElements: meta.SliceElements(),
		bytesPerSlice: meta.BytesPerSlice(),
		sliceCount:    meta.Depth,
	}
	if meta.VolumeBytes() > a.cfg.ChunkedThresholdBytes {
		state.chunked = true
		if a.coord == nil {
			coord, err := ingest.NewCoordinator(ctx, a.store, a.cfg.GroupPath, a.cfg.Compression)
			if err != nil {
				a.fail(&vox.StreamError{Code: vox.ErrProducerFatal, Message: err.Error()})
				return
			}
			a.coord = coord
		}
		if err := a.coord.StartVolume(ctx, msg.Index, meta); err != nil {
			a.failOnErr(err)
			return
		}
	} else {
		state.buf = make([]byte, meta.VolumeBytes())
	}
	a.states[msg.Index] = state
	vox.Debugf("Volume %d started: %s\n", msg.Index, meta)
}

func (a *Assembler) handleSlice(ctx context.Context, msg Message) {
	state, found := a.states[msg.Index]
	if !found {
		a.fail(&vox.StreamError{
			Code:    vox.ErrSliceBeforeInit,
			Message: fmt.Sprintf("slice %d for volume %d arrived before initialization", msg.SliceIndex, msg.Index),
		})
		return
	}
	if msg.SliceCount != state.sliceCount {
		a.fail(&vox.StreamError{
			Code:    vox.ErrSliceCountMismatch,
			Message: fmt.Sprintf("volume %d slice declares %d total slices, expected %d", msg.Index, msg.SliceCount, state.sliceCount),
		})
		return
	}
	if msg.SliceIndex < 0 || msg.SliceIndex >= msg.SliceCount {
		a.fail(&vox.StreamError{
			Code:    vox.ErrSliceIndexOutOfBounds,
			Message: fmt.Sprintf("volume %d slice index %d outside [0, %d)", msg.Index, msg.SliceIndex, msg.SliceCount),
		})
		return
	}
	if int64(len(msg.Buffer)) != state.bytesPerSlice {
		a.fail(&vox.StreamError{
			Code:    vox.ErrUnexpectedSliceByteLength,
			Message: fmt.Sprintf("volume %d slice %d has %d bytes, expected %d", msg.Index, msg.SliceIndex, len(msg.Buffer), state.bytesPerSlice),
		})
		return
	}

	if state.chunked {
		if err := a.coord.WriteSlice(ctx, msg.Index, msg.Buffer, msg.SliceIndex); err != nil {
			a.failOnErr(err)
			return
		}
	} else {
		offset := int64(msg.SliceIndex) * state.bytesPerSlice
		copy(state.buf[offset:offset+state.bytesPerSlice], msg.Buffer)
	}
	state.received++
}

func (a *Assembler) handleLoaded(ctx context.Context, msg Message) {
	state, found := a.states[msg.Index]
	if !found {
		vox.Warningf("Ignoring loaded message for unknown volume %d\n", msg.Index)
		return
	}
	// A lossy producer can deliver fewer slices than declared.  The volume
	// still completes; chunked volumes rely on Finalize flushing the
	// remaining zero-filled chunks.
	if state.received != state.sliceCount {
		vox.Warningf("Volume %d loaded with %d of %d slices received\n", msg.Index, state.received, state.sliceCount)
	}

	var vol *Volume
	if state.chunked {
		if err := a.coord.FinalizeVolume(ctx, msg.Index); err != nil {
			a.failOnErr(err)
			return
		}
	} else {
		vol = &Volume{Meta: state.meta, Data: state.buf}
		a.volumes[msg.Index] = vol
	}
	delete(a.states, msg.Index)
	a.loaded[msg.Index] = true
	if a.onLoaded != nil {
		a.onLoaded(msg.Index, vol)
	}
}

func (a *Assembler) handleComplete(ctx context.Context) *Result {
	for index := range a.states {
		a.fail(&vox.StreamError{
			Code:    vox.ErrMissingVolumeAtCompletion,
			Message: fmt.Sprintf("volume %d never finished loading", index),
		})
		return nil
	}
	volumeCount := len(a.loaded)
	for index := 0; index < volumeCount; index++ {
		if !a.loaded[index] {
			a.fail(&vox.StreamError{
				Code:    vox.ErrMissingVolumeAtCompletion,
				Message: fmt.Sprintf("volume %d missing at completion", index),
			})
			return nil
		}
	}

	result := &Result{Volumes: make([]*Volume, volumeCount)}
	for index, vol := range a.volumes {
		result.Volumes[index] = vol
	}
	if a.coord != nil {
		// in-memory volumes have no array to reconcile
		materialized := make(map[int]bool, len(a.volumes))
		for index := range a.volumes {
			materialized[index] = true
		}
		preprocessed, err := a.coord.FinalizeAll(ctx, volumeCount, materialized)
		if err != nil {
			a.failOnErr(err)
			return nil
		}
		result.Preprocessed = preprocessed
	}
	return result
}

// failOnErr wraps non-StreamError failures from the write path as fatal
// producer errors so the batch-abort policy stays uniform.
func (a *Assembler) failOnErr(err error) {
	if se, ok := err.(*vox.StreamError); ok {
		a.fail(se)
		return
	}
	a.fail(&vox.StreamError{Code: vox.ErrProducerFatal, Message: err.Error()})
}
