package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiesman99/tilepipe/internal/cache"
	"github.com/kiesman99/tilepipe/internal/raster"
	"github.com/kiesman99/tilepipe/pkg/tile"
)

// gateSource blocks every read until release is closed.
type gateSource struct {
	*raster.Memory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGateSource(m *raster.Memory) *gateSource {
	return &gateSource{Memory: m, entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *gateSource) ReadTile(ctx context.Context, tx, ty int) (*tile.Buffer, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.Memory.ReadTile(context.Background(), tx, ty)
}

// flakySource fails the first failures reads with a plain error.
type flakySource struct {
	*raster.Memory
	failures atomic.Int64
}

func (s *flakySource) ReadTile(ctx context.Context, tx, ty int) (*tile.Buffer, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("device not ready")
	}
	return s.Memory.ReadTile(ctx, tx, ty)
}

// hookSource runs hook before every read.
type hookSource struct {
	*raster.Memory
	hook func()
}

func (s *hookSource) ReadTile(ctx context.Context, tx, ty int) (*tile.Buffer, error) {
	s.hook()
	return s.Memory.ReadTile(context.Background(), tx, ty)
}

func ramp(id string, w, h, ts int) *raster.Memory {
	return raster.Generate(id, w, h, ts, tile.Uint8, func(x, y int) float64 { return float64((x + y*w) % 256) })
}

func newTestAssembler() *Assembler {
	return NewAssembler(cache.New(0, 0), Options{})
}

func TestTileServedFromCache(t *testing.T) {
	mem := ramp("ramp", 10, 10, 4)
	a := newTestAssembler()
	img, err := a.Rescale(a.Source(mem), 0, 255)
	if err != nil {
		t.Fatalf("Rescale failed: %v", err)
	}

	first, err := img.Tile(context.Background(), 2, 1)
	if err != nil {
		t.Fatalf("Tile failed: %v", err)
	}
	second, err := img.Tile(context.Background(), 2, 1)
	if err != nil {
		t.Fatalf("Tile failed: %v", err)
	}

	if !first.Equal(second) {
		t.Error("Expected identical tiles")
	}
	if mem.Reads() != 1 {
		t.Errorf("Expected 1 upstream read, got %d", mem.Reads())
	}
	if img.Computations() != 1 {
		t.Errorf("Expected 1 computation, got %d", img.Computations())
	}
	if first.Width != 2 || first.Height != 4 {
		t.Errorf("Expected clipped 2x4 edge tile, got %dx%d", first.Width, first.Height)
	}
}

func TestConcurrentRequestsComputeOnce(t *testing.T) {
	src := newGateSource(ramp("gate", 8, 8, 8))
	a := newTestAssembler()
	leaf := a.Source(src)
	img, err := a.Rescale(leaf, 0, 63)
	if err != nil {
		t.Fatalf("Rescale failed: %v", err)
	}

	const k = 16
	results := make([]*tile.Buffer, k)
	errs := make([]error, k)
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = img.Tile(context.Background(), 0, 0)
		}(i)
	}

	<-src.entered
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	for i := 0; i < k; i++ {
		if errs[i] != nil {
			t.Fatalf("Caller %d failed: %v", i, errs[i])
		}
		if !results[i].Equal(results[0]) {
			t.Errorf("Caller %d received different contents", i)
		}
	}
	if img.Computations() != 1 || leaf.Computations() != 1 {
		t.Errorf("Expected exactly one computation per node, got %d and %d", img.Computations(), leaf.Computations())
	}
	if src.Reads() != 1 {
		t.Errorf("Expected one raw read, got %d", src.Reads())
	}
}

func TestReadFailureIsNotCached(t *testing.T) {
	src := &flakySource{Memory: ramp("flaky", 4, 4, 4)}
	src.failures.Store(1)
	a := newTestAssembler()
	img, _ := a.Rescale(a.Source(src), 0, 255)

	_, err := img.Tile(context.Background(), 0, 0)
	if !errors.Is(err, tile.ErrRead) {
		t.Fatalf("Expected read failure, got %v", err)
	}
	var re *tile.ReadError
	if !errors.As(err, &re) || re.ImageID != "flaky" || re.TileX != 0 || re.TileY != 0 {
		t.Errorf("Expected read error tagged with origin, got %v", err)
	}
	if a.Cache().Stats().Tiles != 0 {
		t.Errorf("Expected nothing cached after failure, got %d tiles", a.Cache().Stats().Tiles)
	}

	b, err := img.Tile(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}
	if b == nil || b.Len() != 16 {
		t.Error("Expected a full tile after retry")
	}
}

func TestCancelledTileIsNotCached(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &hookSource{Memory: ramp("hook", 4, 4, 4), hook: cancel}
	a := newTestAssembler()
	img, _ := a.Rescale(a.Source(src), 0, 255)

	if _, err := img.Tile(ctx, 0, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected cancellation, got %v", err)
	}
	if a.Cache().Stats().Tiles != 0 {
		t.Errorf("Expected cancelled tile not to be published, got %d tiles", a.Cache().Stats().Tiles)
	}

	src.hook = func() {}
	if _, err := img.Tile(context.Background(), 0, 0); err != nil {
		t.Fatalf("Expected fresh request to succeed, got %v", err)
	}
}

func TestWaiterRetriesAfterLeaderCancelled(t *testing.T) {
	src := newGateSource(ramp("leader", 4, 4, 4))
	a := newTestAssembler()
	img := a.Source(src)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := img.Tile(leaderCtx, 0, 0)
		leaderErr <- err
	}()
	<-src.entered

	type result struct {
		b   *tile.Buffer
		err error
	}
	waiter := make(chan result, 1)
	go func() {
		b, err := img.Tile(context.Background(), 0, 0)
		waiter <- result{b, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancelLeader()
	close(src.release)

	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected leader to be cancelled, got %v", err)
	}
	r := <-waiter
	if r.err != nil || r.b == nil {
		t.Fatalf("Expected waiter to get the tile, got %v", r.err)
	}
}

func TestTileOutOfRange(t *testing.T) {
	a := newTestAssembler()
	img := a.Source(ramp("r", 4, 4, 4))
	if _, err := img.Tile(context.Background(), 1, 0); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange, got %v", err)
	}
}

func TestInvalidate(t *testing.T) {
	mem := ramp("inv", 4, 4, 4)
	a := newTestAssembler()
	img, _ := a.Rescale(a.Source(mem), 0, 255)

	before, _ := img.Tile(context.Background(), 0, 0)
	mem.Set(0, 0, 200)

	stale, _ := img.Tile(context.Background(), 0, 0)
	if !stale.Equal(before) {
		t.Fatal("Expected cached tile before invalidation")
	}

	img.Invalidate()
	after, err := img.Tile(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("Tile failed: %v", err)
	}
	if after.At(0, 0, 0) != 200 {
		t.Errorf("Expected recomputed sample 200, got %g", after.At(0, 0, 0))
	}
	if mem.Reads() != 2 {
		t.Errorf("Expected 2 reads, got %d", mem.Reads())
	}
}

func TestEqualGraphsShareTiles(t *testing.T) {
	mem := ramp("shared", 4, 4, 4)
	a := newTestAssembler()

	one, _ := a.Rescale(a.Source(mem), 0, 100)
	two, _ := a.Rescale(a.Source(mem), 0, 100)
	other, _ := a.Rescale(a.Source(mem), 0, 50)

	if one.ID() != two.ID() {
		t.Errorf("Expected equal identities, got %s and %s", one.ID(), two.ID())
	}
	if one.ID() == other.ID() {
		t.Error("Expected different parameters to give different identities")
	}

	if _, err := one.Tile(context.Background(), 0, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := two.Tile(context.Background(), 0, 0); err != nil {
		t.Fatal(err)
	}
	if two.Computations() != 0 {
		t.Errorf("Expected second graph to be served from cache, got %d computations", two.Computations())
	}
}

func TestNodesRejectMismatchedTiling(t *testing.T) {
	a := newTestAssembler()
	r, _ := a.Rescale(a.Source(ramp("a", 8, 8, 4)), 0, 255)
	g, _ := a.Rescale(a.Source(ramp("b", 8, 8, 8)), 0, 255)
	b, _ := a.Rescale(a.Source(ramp("c", 8, 8, 4)), 0, 255)

	if _, err := a.Interleave(r, g, b); !errors.Is(err, tile.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestProbeUsesFrontCache(t *testing.T) {
	mem := ramp("probe", 8, 8, 4)
	a := newTestAssembler()
	p := NewProbe(a.Source(mem), 2)

	v, err := p.At(context.Background(), 5, 6)
	if err != nil {
		t.Fatalf("At failed: %v", err)
	}
	if v[0] != float64(5+6*8) {
		t.Errorf("Expected %d, got %g", 5+6*8, v[0])
	}

	hits := a.Cache().Stats().Hits
	if _, err := p.At(context.Background(), 4, 7); err != nil {
		t.Fatal(err)
	}
	if a.Cache().Stats().Hits != hits {
		t.Error("Expected second probe in the same tile not to touch the shared cache")
	}
	if _, err := p.At(context.Background(), 8, 0); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange, got %v", err)
	}
}

func TestInvalidateReachesImagesSharingARaster(t *testing.T) {
	mem := ramp("common", 4, 4, 4)
	other := ramp("other", 4, 4, 4)
	a := newTestAssembler()

	gray, _ := a.Rescale(a.Source(mem), 0, 255)
	r, _ := a.Rescale(a.Source(mem), 0, 255)
	g, _ := a.Rescale(a.Source(other), 0, 255)
	rgb, err := a.Interleave(r, g, g)
	if err != nil {
		t.Fatalf("Interleave failed: %v", err)
	}
	unrelated, _ := a.Rescale(a.Source(other), 0, 100)

	ctx := context.Background()
	for _, im := range []*Image{gray, rgb, unrelated} {
		if _, err := im.Tile(ctx, 0, 0); err != nil {
			t.Fatalf("Tile failed: %v", err)
		}
	}
	mem.Set(0, 0, 200)
	gray.Invalidate()

	b, err := rgb.Tile(ctx, 0, 0)
	if err != nil {
		t.Fatalf("Tile failed: %v", err)
	}
	if b.Pix[0] != 200 {
		t.Errorf("Expected interleaved image to see sample 200, got %d", b.Pix[0])
	}
	if _, ok := a.Cache().Get(unrelated.ID(), 0, 0); !ok {
		t.Error("Expected unrelated image to keep its tiles")
	}
}

func TestDisplaysOfDifferentRastersPrepareConcurrently(t *testing.T) {
	slow := newGateSource(ramp("slow", 4, 4, 4))
	a := newTestAssembler()

	blocked := make(chan error, 1)
	go func() {
		_, err := a.Display(context.Background(), []*Raster{{Source: slow}}, MatchNone)
		blocked <- err
	}()
	<-slow.entered

	done := make(chan error, 1)
	go func() {
		_, err := a.Display(context.Background(), []*Raster{{Source: ramp("fast", 4, 4, 4)}}, MatchNone)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Display failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Expected the second display not to wait for the first raster's scan")
	}

	close(slow.release)
	if err := <-blocked; err != nil {
		t.Errorf("Display of the slow raster failed: %v", err)
	}
}
