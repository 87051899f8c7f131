package testutil

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/earthring/assetpipe/internal/asset"
	"github.com/earthring/assetpipe/internal/compression"
	"github.com/earthring/assetpipe/internal/decoder"
	"github.com/earthring/assetpipe/internal/quality"
)

// NewMeshFixture builds a triangle strip with the given number of triangles.
func NewMeshFixture(name string, triangles int) *compression.MeshData {
	mesh := &compression.MeshData{
		Name:        name,
		Materials:   1,
		Textures:    1,
		TextureSize: 256,
	}
	for i := 0; i < triangles+2; i++ {
		mesh.Vertices = append(mesh.Vertices, [3]float64{float64(i / 2), float64(i % 2), 0})
	}
	for i := 0; i < triangles; i++ {
		mesh.Indices = append(mesh.Indices, uint32(i), uint32(i+1), uint32(i+2))
	}
	return mesh
}

// RandomMeshFixture builds a mesh with jittered vertex positions.
func RandomMeshFixture(rng *rand.Rand, name string, triangles int) *compression.MeshData {
	mesh := NewMeshFixture(name, triangles)
	for i := range mesh.Vertices {
		mesh.Vertices[i][2] = rng.Float64() * 10
	}
	return mesh
}

// MustEncodeMesh encodes mesh into the container format or panics.
func MustEncodeMesh(mesh *compression.MeshData) []byte {
	data, err := compression.EncodeMesh(mesh)
	if err != nil {
		panic(err)
	}
	return data
}

// NewScene returns a one-triangle scene graph named name.
func NewScene(name string) *asset.SceneGraph {
	return &asset.SceneGraph{Root: &asset.Node{
		Name: name,
		Mesh: &asset.Mesh{Positions: []float32{0, 0, 0, 1, 0, 0, 0, 1, 0}, Indices: []uint32{0, 1, 2}},
	}}
}

// FakeDecoder returns a fixed-size scene for any payload and counts its calls.
type FakeDecoder struct {
	// Size is reported as Stats.ByteSize.
	Size int64
	// Err, when set, is returned instead of a result.
	Err error
	// Block, when set, holds every decode until it is closed or ctx ends.
	Block chan struct{}

	calls atomic.Int32
	mu    sync.Mutex
	hints []quality.Settings
}

// NewFakeDecoder creates a decoder producing assets of size bytes.
func NewFakeDecoder(size int64) *FakeDecoder {
	return &FakeDecoder{Size: size}
}

func (d *FakeDecoder) Decode(ctx context.Context, data []byte, hints quality.Settings, progress decoder.ProgressFunc) (*decoder.Result, error) {
	d.calls.Add(1)
	d.mu.Lock()
	d.hints = append(d.hints, hints)
	d.mu.Unlock()

	for _, p := range []int{25, 50, 75} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if progress != nil {
			progress(p)
		}
	}
	if d.Block != nil {
		select {
		case <-d.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.Err != nil {
		return nil, d.Err
	}
	if progress != nil {
		progress(100)
	}
	return &decoder.Result{
		Scene: NewScene(string(data)),
		Stats: asset.Stats{Triangles: 1, Vertices: 3, Materials: 1, ByteSize: d.Size},
	}, nil
}

// Calls returns how many times Decode ran.
func (d *FakeDecoder) Calls() int {
	return int(d.calls.Load())
}

// Hints returns the settings passed to every Decode call.
func (d *FakeDecoder) Hints() []quality.Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]quality.Settings(nil), d.hints...)
}

// ScriptedFetcher returns queued results per key, then the key itself as payload.
type ScriptedFetcher struct {
	// Block, when set, holds every fetch until it is closed or ctx ends.
	Block chan struct{}

	mu       sync.Mutex
	scripts  map[asset.Key][]error
	calls    map[asset.Key]int
	order    []asset.Key
	inFlight int
	peak     int
}

// NewScriptedFetcher creates a fetcher that succeeds unless scripted otherwise.
func NewScriptedFetcher() *ScriptedFetcher {
	return &ScriptedFetcher{
		scripts: make(map[asset.Key][]error),
		calls:   make(map[asset.Key]int),
	}
}

// Script queues errors returned by successive fetches of key. A nil entry succeeds.
func (f *ScriptedFetcher) Script(key asset.Key, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[key] = append(f.scripts[key], errs...)
}

// FailAlways makes every fetch of key fail with err.
func (f *ScriptedFetcher) FailAlways(key asset.Key, err error) {
	f.Script(key, repeat(err, 64)...)
}

func repeat(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

func (f *ScriptedFetcher) Fetch(ctx context.Context, key asset.Key) ([]byte, error) {
	f.mu.Lock()
	f.calls[key]++
	f.order = append(f.order, key)
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	var scripted error
	if queue := f.scripts[key]; len(queue) > 0 {
		scripted = queue[0]
		f.scripts[key] = queue[1:]
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if scripted != nil {
		return nil, scripted
	}
	return []byte(key), nil
}

// Calls returns how many times key was fetched.
func (f *ScriptedFetcher) Calls(key asset.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

// Order returns every fetched key in call order.
func (f *ScriptedFetcher) Order() []asset.Key {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]asset.Key(nil), f.order...)
}

// Peak returns the highest number of concurrent fetches observed.
func (f *ScriptedFetcher) Peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}
