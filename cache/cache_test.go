package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voxelio/voxstream/zarr"
)

// fakeFetcher hands back synthetic chunks, tracking per-key fetch counts and
// optionally blocking until a gate opens.
type fakeFetcher struct {
	chunkBytes int

	mu    sync.Mutex
	calls map[Key]int

	started chan Key      // receives a key when its fetch begins, if non-nil
	gate    chan struct{} // fetch blocks until closed, if non-nil
	fail    map[Key]error
}

func newFakeFetcher(chunkBytes int) *fakeFetcher {
	return &fakeFetcher{
		chunkBytes: chunkBytes,
		calls:      make(map[Key]int),
		fail:       make(map[Key]error),
	}
}

func (f *fakeFetcher) FetchChunk(ctx context.Context, level int, coord zarr.ChunkCoord) ([]byte, error) {
	key := Key{level, coord}
	f.mu.Lock()
	f.calls[key]++
	f.mu.Unlock()
	if f.started != nil {
		f.started <- key
	}
	if f.gate != nil {
		<-f.gate
	}
	if err := f.fail[key]; err != nil {
		return nil, err
	}
	data := make([]byte, f.chunkBytes)
	for i := range data {
		data[i] = byte(level + int(coord[3]))
	}
	return data, nil
}

func (f *fakeFetcher) callCount(key Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func chunkAt(x int32) zarr.ChunkCoord {
	return zarr.ChunkCoord{0, 0, 0, x}
}

// waitForMisses polls until the cache has registered n misses, failing the
// test after a deadline.
func waitForMisses(t *testing.T, c *Cache, n int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for c.Stats().Misses < n {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %d misses (have %d)\n", n, c.Stats().Misses)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRequestDeduplication(t *testing.T) {
	fetcher := newFakeFetcher(64)
	fetcher.started = make(chan Key, 1)
	fetcher.gate = make(chan struct{})
	c := New(fetcher, 1<<20, 4)

	type answer struct {
		chunk *Chunk
		err   error
	}
	results := make(chan answer, 2)
	read := func() {
		chunk, err := c.ReadChunk(context.Background(), 0, chunkAt(0))
		results <- answer{chunk, err}
	}
	go read()
	<-fetcher.started // first caller's fetch is running
	go read()
	waitForMisses(t, c, 2) // second caller attached to the same request
	close(fetcher.gate)

	var answers []answer
	for i := 0; i < 2; i++ {
		answers = append(answers, <-results)
	}
	for i, a := range answers {
		if a.err != nil {
			t.Fatalf("Caller %d failed: %v\n", i, a.err)
		}
		defer a.chunk.Release()
	}
	if &answers[0].chunk.Data[0] != &answers[1].chunk.Data[0] {
		t.Errorf("Co-waiters received different payloads\n")
	}
	if n := fetcher.callCount(Key{0, chunkAt(0)}); n != 1 {
		t.Errorf("Deduplicated key fetched %d times, expected 1\n", n)
	}
	if stats := c.Stats(); stats.Fetches != 1 || stats.Misses != 2 {
		t.Errorf("Stats fetches %d misses %d, expected 1 and 2\n", stats.Fetches, stats.Misses)
	}
}

func TestEvictionBound(t *testing.T) {
	fetcher := newFakeFetcher(100)
	var budget int64 = 250
	c := New(fetcher, budget, 2)

	for x := int32(0); x < 6; x++ {
		chunk, err := c.ReadChunk(context.Background(), 0, chunkAt(x))
		if err != nil {
			t.Fatalf("Can't read chunk %d: %v\n", x, err)
		}
		chunk.Release()
		if size := c.Stats().CurrentBytes; size > budget {
			t.Errorf("After chunk %d cache holds %d bytes, over the %d budget\n", x, size, budget)
		}
	}
	if c.Stats().Evictions == 0 {
		t.Errorf("Expected evictions after overflowing the budget\n")
	}

	// the oldest key must have been evicted: reading it fetches again
	if _, err := c.ReadChunk(context.Background(), 0, chunkAt(0)); err != nil {
		t.Fatalf("Can't re-read chunk 0: %v\n", err)
	}
	if n := fetcher.callCount(Key{0, chunkAt(0)}); n != 2 {
		t.Errorf("Evicted key fetched %d times, expected 2\n", n)
	}
}

func TestPinnedEntryNeverEvicted(t *testing.T) {
	fetcher := newFakeFetcher(100)
	c := New(fetcher, 150, 2)

	pinned, err := c.ReadChunk(context.Background(), 0, chunkAt(0))
	if err != nil {
		t.Fatalf("Can't read pinned chunk: %v\n", err)
	}
	// overflow the budget repeatedly; the pinned entry is always the oldest
	for x := int32(1); x < 5; x++ {
		chunk, err := c.ReadChunk(context.Background(), 0, chunkAt(x))
		if err != nil {
			t.Fatalf("Can't read chunk %d: %v\n", x, err)
		}
		chunk.Release()
	}
	if n := fetcher.callCount(Key{0, chunkAt(0)}); n != 1 {
		t.Fatalf("Pinned key refetched; it must never be evicted while read\n")
	}
	// still a hit without a new fetch
	again, err := c.ReadChunk(context.Background(), 0, chunkAt(0))
	if err != nil {
		t.Fatalf("Can't re-read pinned chunk: %v\n", err)
	}
	again.Release()
	pinned.Release()
	if n := fetcher.callCount(Key{0, chunkAt(0)}); n != 1 {
		t.Errorf("Pinned key fetched %d times, expected 1\n", n)
	}
}

func TestQueuedRequestCancellation(t *testing.T) {
	fetcher := newFakeFetcher(64)
	fetcher.started = make(chan Key, 2)
	fetcher.gate = make(chan struct{})
	c := New(fetcher, 1<<20, 1)

	first := make(chan error, 1)
	go func() {
		chunk, err := c.ReadChunk(context.Background(), 0, chunkAt(0))
		if chunk != nil {
			chunk.Release()
		}
		first <- err
	}()
	<-fetcher.started // slot now occupied

	ctx, cancel := context.WithCancel(context.Background())
	queued := make(chan error, 1)
	go func() {
		_, err := c.ReadChunk(ctx, 0, chunkAt(1))
		queued <- err
	}()
	waitForMisses(t, c, 2)
	cancel()
	if err := <-queued; !errors.Is(err, context.Canceled) {
		t.Errorf("Queued request settled with %v, expected cancellation\n", err)
	}

	close(fetcher.gate)
	if err := <-first; err != nil {
		t.Fatalf("Unrelated in-flight request failed: %v\n", err)
	}
	// drain the started signal of any later fetch before asserting
	time.Sleep(10 * time.Millisecond)
	if n := fetcher.callCount(Key{0, chunkAt(1)}); n != 0 {
		t.Errorf("Cancelled queued request consumed a fetch (%d)\n", n)
	}
	if c.Stats().Fetches != 1 {
		t.Errorf("Fetch counter %d, expected 1\n", c.Stats().Fetches)
	}
}

func TestCoWaiterUnaffectedByCancellation(t *testing.T) {
	fetcher := newFakeFetcher(64)
	fetcher.started = make(chan Key, 2)
	fetcher.gate = make(chan struct{})
	c := New(fetcher, 1<<20, 1)

	blocker := make(chan error, 1)
	go func() {
		chunk, err := c.ReadChunk(context.Background(), 0, chunkAt(0))
		if chunk != nil {
			chunk.Release()
		}
		blocker <- err
	}()
	<-fetcher.started

	// two waiters queue on the same key; one of them cancels
	keeper := make(chan error, 1)
	go func() {
		chunk, err := c.ReadChunk(context.Background(), 0, chunkAt(1))
		if chunk != nil {
			defer chunk.Release()
			if len(chunk.Data) != 64 {
				err = fmt.Errorf("short payload: %d bytes", len(chunk.Data))
			}
		}
		keeper <- err
	}()
	waitForMisses(t, c, 2)

	ctx, cancel := context.WithCancel(context.Background())
	quitter := make(chan error, 1)
	go func() {
		_, err := c.ReadChunk(ctx, 0, chunkAt(1))
		quitter <- err
	}()
	waitForMisses(t, c, 3)
	cancel()
	if err := <-quitter; !errors.Is(err, context.Canceled) {
		t.Errorf("Cancelled co-waiter settled with %v\n", err)
	}

	close(fetcher.gate)
	if err := <-blocker; err != nil {
		t.Fatalf("Blocking request failed: %v\n", err)
	}
	if err := <-keeper; err != nil {
		t.Errorf("Co-waiter was affected by another waiter's cancellation: %v\n", err)
	}
	if n := fetcher.callCount(Key{0, chunkAt(1)}); n != 1 {
		t.Errorf("Shared key fetched %d times, expected 1\n", n)
	}
}

func TestCancellationAfterFetchStarted(t *testing.T) {
	fetcher := newFakeFetcher(64)
	fetcher.started = make(chan Key, 1)
	fetcher.gate = make(chan struct{})
	c := New(fetcher, 1<<20, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := c.ReadChunk(ctx, 0, chunkAt(0))
		cancelled <- err
	}()
	<-fetcher.started

	survivor := make(chan error, 1)
	go func() {
		chunk, err := c.ReadChunk(context.Background(), 0, chunkAt(0))
		if chunk != nil {
			chunk.Release()
		}
		survivor <- err
	}()
	waitForMisses(t, c, 2)

	cancel()
	if err := <-cancelled; !errors.Is(err, context.Canceled) {
		t.Errorf("Cancelled caller settled with %v\n", err)
	}

	close(fetcher.gate)
	if err := <-survivor; err != nil {
		t.Fatalf("Surviving waiter failed: %v\n", err)
	}
	// the fetch completed and cached despite the cancellation
	chunk, err := c.ReadChunk(context.Background(), 0, chunkAt(0))
	if err != nil {
		t.Fatalf("Can't re-read cached chunk: %v\n", err)
	}
	chunk.Release()
	if n := fetcher.callCount(Key{0, chunkAt(0)}); n != 1 {
		t.Errorf("Key fetched %d times, expected 1\n", n)
	}
}

func TestFetchFailureIsolation(t *testing.T) {
	fetcher := newFakeFetcher(64)
	bad := Key{0, chunkAt(7)}
	fetcher.fail[bad] = errors.New("storage unavailable")
	c := New(fetcher, 1<<20, 2)

	good, err := c.ReadChunk(context.Background(), 0, chunkAt(0))
	if err != nil {
		t.Fatalf("Good key failed: %v\n", err)
	}
	good.Release()

	if _, err := c.ReadChunk(context.Background(), 0, chunkAt(7)); err == nil {
		t.Fatalf("Expected failure for bad key\n")
	}
	// the failure is not cached and does not disturb other entries
	if _, err := c.ReadChunk(context.Background(), 0, chunkAt(7)); err == nil {
		t.Fatalf("Expected repeat failure for bad key\n")
	}
	if n := fetcher.callCount(bad); n != 2 {
		t.Errorf("Failed key fetched %d times, expected 2 (errors are not cached)\n", n)
	}
	if n := fetcher.callCount(Key{0, chunkAt(0)}); n != 1 {
		t.Errorf("Good key refetched after unrelated failure\n")
	}
}

func TestInvalidate(t *testing.T) {
	fetcher := newFakeFetcher(64)
	c := New(fetcher, 1<<20, 2)

	for level := 0; level < 2; level++ {
		chunk, err := c.ReadChunk(context.Background(), level, chunkAt(0))
		if err != nil {
			t.Fatalf("Can't read level %d: %v\n", level, err)
		}
		chunk.Release()
	}
	c.Invalidate(0)

	// level 0 refetches, level 1 stays cached
	for level := 0; level < 2; level++ {
		chunk, err := c.ReadChunk(context.Background(), level, chunkAt(0))
		if err != nil {
			t.Fatalf("Can't re-read level %d: %v\n", level, err)
		}
		chunk.Release()
	}
	if n := fetcher.callCount(Key{0, chunkAt(0)}); n != 2 {
		t.Errorf("Invalidated level fetched %d times, expected 2\n", n)
	}
	if n := fetcher.callCount(Key{1, chunkAt(0)}); n != 1 {
		t.Errorf("Untouched level fetched %d times, expected 1\n", n)
	}
}
