package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/kiesman99/tilepipe/internal/cache"
	"github.com/kiesman99/tilepipe/pkg/tile"
)

// ErrOutOfRange is returned for tile coordinates outside an image.
var ErrOutOfRange = errors.New("tile coordinate out of range")

// Op is a pure per-tile transform. Apply receives the tiles of all inputs at
// the same coordinate and must not modify them.
type Op interface {
	// Name identifies the operation and its parameters.
	Name() string
	// Layout derives the output layout from the input layouts.
	Layout(in []tile.Layout) tile.Layout
	Apply(srcs []*tile.Buffer) (*tile.Buffer, error)
}

// graph is the state shared by all images built by one Assembler.
type graph struct {
	cache  *cache.Cache
	flight singleflight.Group
	log    zerolog.Logger

	mu sync.Mutex
	// dependents maps an image id to the ids of the nodes reading it
	dependents map[string]map[string]struct{}
}

func (g *graph) link(id string, inputs []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dependents == nil {
		g.dependents = make(map[string]map[string]struct{})
	}
	for _, in := range inputs {
		d := g.dependents[in]
		if d == nil {
			d = make(map[string]struct{})
			g.dependents[in] = d
		}
		d[id] = struct{}{}
	}
}

// derived returns ids together with the ids of every node built on them.
func (g *graph) derived(ids []string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen := make(map[string]bool, len(ids))
	queue := append([]string(nil), ids...)
	var out []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		for d := range g.dependents[id] {
			queue = append(queue, d)
		}
	}
	return out
}

// Image is a node of a tile graph. It is safe for concurrent use.
type Image struct {
	id     string
	layout tile.Layout
	g      *graph

	source tile.Source
	op     Op
	inputs []*Image

	computed atomic.Int64
}

func newLeaf(g *graph, src tile.Source) *Image {
	return &Image{
		id:     src.ID(),
		layout: src.Layout(),
		g:      g,
		source: src,
	}
}

// newNode derives the node identity from the op and the input identities,
// so equal sub-graphs share cache entries.
func newNode(g *graph, op Op, inputs ...*Image) (*Image, error) {
	if len(inputs) == 0 {
		return nil, tile.Configf("%s needs at least one input", op.Name())
	}
	ids := make([]string, len(inputs))
	layouts := make([]tile.Layout, len(inputs))
	for i, in := range inputs {
		if in.g != g {
			return nil, tile.Configf("input %s belongs to another assembler", in.id)
		}
		if !in.layout.SameTiling(inputs[0].layout) {
			return nil, tile.Configf("input %s is tiled %dx%d/%dx%d, expected %dx%d/%dx%d",
				in.id, in.layout.Width, in.layout.Height, in.layout.TileWidth, in.layout.TileHeight,
				inputs[0].layout.Width, inputs[0].layout.Height, inputs[0].layout.TileWidth, inputs[0].layout.TileHeight)
		}
		ids[i] = in.id
		layouts[i] = in.layout
	}
	im := &Image{
		id:     op.Name() + "(" + strings.Join(ids, ",") + ")",
		layout: op.Layout(layouts),
		g:      g,
		op:     op,
		inputs: inputs,
	}
	g.link(im.id, ids)
	return im, nil
}

// ID returns the cache identity of the image.
func (im *Image) ID() string {
	return im.id
}

// Layout returns the geometry and sample type of the image tiles.
func (im *Image) Layout() tile.Layout {
	return im.layout
}

// Computations returns how often this node produced a tile.
func (im *Image) Computations() int64 {
	return im.computed.Load()
}

// Tile returns the tile at (tx, ty), computing it on first request. Concurrent
// requests for the same tile wait for a single computation. Failed and
// cancelled computations are not cached.
func (im *Image) Tile(ctx context.Context, tx, ty int) (*tile.Buffer, error) {
	if !im.layout.ValidTile(tx, ty) {
		return nil, fmt.Errorf("%w: (%d,%d) of %s", ErrOutOfRange, tx, ty, im.id)
	}
	if b, ok := im.g.cache.Get(im.id, tx, ty); ok {
		return b, nil
	}

	key := im.id + "@" + strconv.Itoa(tx) + "," + strconv.Itoa(ty)
	for {
		v, err, _ := im.g.flight.Do(key, func() (interface{}, error) {
			// a computation that finished before we joined already published
			if b, ok := im.g.cache.Get(im.id, tx, ty); ok {
				return b, nil
			}
			b, err := im.compute(ctx, tx, ty)
			if err != nil {
				return nil, err
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			im.g.cache.Put(im.id, tx, ty, b)
			return b, nil
		})
		if err == nil {
			return v.(*tile.Buffer), nil
		}
		if isCancellation(err) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// the leader was cancelled, this caller was not
			continue
		}
		return nil, err
	}
}

func (im *Image) compute(ctx context.Context, tx, ty int) (*tile.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	im.computed.Add(1)

	if im.source != nil {
		b, err := im.source.ReadTile(ctx, tx, ty)
		if err != nil {
			var re *tile.ReadError
			if errors.As(err, &re) || isCancellation(err) {
				return nil, err
			}
			return nil, &tile.ReadError{ImageID: im.id, TileX: tx, TileY: ty, Err: err}
		}
		return b, nil
	}

	srcs := make([]*tile.Buffer, len(im.inputs))
	for i, in := range im.inputs {
		b, err := in.Tile(ctx, tx, ty)
		if err != nil {
			return nil, err
		}
		srcs[i] = b
	}
	b, err := im.op.Apply(srcs)
	if err != nil {
		return nil, fmt.Errorf("%s tile (%d,%d): %w", im.op.Name(), tx, ty, err)
	}
	im.g.log.Trace().Str("image", im.id).Int("tx", tx).Int("ty", ty).Msg("tile computed")
	return b, nil
}

// Invalidate drops every cached tile derived from the rasters the image
// reads: those of the image and its inputs, and those of any other node of
// the assembler built on the same rasters. It must be called after the
// underlying raster data changed.
func (im *Image) Invalidate() {
	var leaves []string
	seen := make(map[string]bool)
	var walk func(*Image)
	walk = func(n *Image) {
		if seen[n.id] {
			return
		}
		seen[n.id] = true
		if n.source != nil {
			leaves = append(leaves, n.id)
		}
		for _, in := range n.inputs {
			walk(in)
		}
	}
	walk(im)
	for _, id := range im.g.derived(leaves) {
		im.g.cache.RemoveAll(id)
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, tile.ErrCancelled)
}
