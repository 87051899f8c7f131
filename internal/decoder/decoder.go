package decoder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/earthring/assetpipe/internal/asset"
	"github.com/earthring/assetpipe/internal/compression"
	"github.com/earthring/assetpipe/internal/quality"
)

// Result is a decoded asset.
type Result struct {
	Scene    *asset.SceneGraph
	Stats    asset.Stats
	Metadata asset.Metadata
}

// ProgressFunc receives decode progress milestones in [0, 100].
type ProgressFunc func(percent int)

// Decoder turns fetched bytes into a scene graph. Implementations must be
// stateless and must check ctx between internal steps.
type Decoder interface {
	Decode(ctx context.Context, data []byte, hints quality.Settings, progress ProgressFunc) (*Result, error)
}

// Func adapts a function to the Decoder interface.
type Func func(ctx context.Context, data []byte, hints quality.Settings, progress ProgressFunc) (*Result, error)

func (f Func) Decode(ctx context.Context, data []byte, hints quality.Settings, progress ProgressFunc) (*Result, error) {
	return f(ctx, data, hints, progress)
}

const (
	FormatMesh = "mesh/v1"

	// bytes per texel of an uncompressed RGBA texture
	texelBytes = 4
)

// MeshDecoder decodes the gzip mesh container.
type MeshDecoder struct {
	logger *slog.Logger
}

// NewMeshDecoder creates a mesh decoder.
func NewMeshDecoder(logger *slog.Logger) *MeshDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &MeshDecoder{logger: logger}
}

// Decode runs decompress, parse, build and hint steps, reporting 25/50/75/100.
func (d *MeshDecoder) Decode(ctx context.Context, data []byte, hints quality.Settings, progress ProgressFunc) (*Result, error) {
	if progress == nil {
		progress = func(int) {}
	}
	if len(data) == 0 {
		return nil, asset.DecodeError("", fmt.Errorf("empty payload"))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := compression.Decompress(data)
	if err != nil {
		return nil, asset.DecodeError("", err)
	}
	progress(25)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mesh, err := compression.ParseMesh(raw)
	if err != nil {
		return nil, asset.DecodeError("", err)
	}
	progress(50)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scene := buildScene(mesh)
	progress(75)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if hints.LODEnabled {
		decimate(scene.Root.Mesh)
	}

	textureEdge := mesh.TextureSize
	if hints.TextureMaxSize > 0 && textureEdge > hints.TextureMaxSize {
		textureEdge = hints.TextureMaxSize
	}
	stats := asset.Stats{
		Triangles: scene.Root.Mesh.TriangleCount(),
		Vertices:  scene.Root.Mesh.VertexCount(),
		Materials: mesh.Materials,
		Textures:  mesh.Textures,
		ByteSize:  scene.EstimateSize() + int64(mesh.Textures)*int64(textureEdge)*int64(textureEdge)*texelBytes,
	}
	if err := stats.Validate(); err != nil {
		return nil, asset.DecodeError("", err)
	}

	rigged := mesh.Rigged
	animations := mesh.Animations
	result := &Result{
		Scene: scene,
		Stats: stats,
		Metadata: asset.Metadata{
			Format:     FormatMesh,
			Rigged:     &rigged,
			Animations: &animations,
		},
	}
	progress(100)

	d.logger.Debug("decoded mesh",
		"name", mesh.Name, "triangles", stats.Triangles, "lod", scene.Root.Mesh.LOD, "texture_edge", textureEdge)
	return result, nil
}

func buildScene(mesh *compression.MeshData) *asset.SceneGraph {
	positions := make([]float32, 0, len(mesh.Vertices)*3)
	for _, v := range mesh.Vertices {
		positions = append(positions, float32(v[0]), float32(v[1]), float32(v[2]))
	}
	name := mesh.Name
	if name == "" {
		name = "asset"
	}
	return &asset.SceneGraph{Root: &asset.Node{
		Name: name,
		Mesh: &asset.Mesh{Positions: positions, Indices: mesh.Indices},
	}}
}

// decimate drops every other triangle. Meshes under two triangles are left alone.
func decimate(m *asset.Mesh) {
	triangles := len(m.Indices) / 3
	if triangles < 2 {
		return
	}
	kept := make([]uint32, 0, (triangles+1)/2*3)
	for t := 0; t < triangles; t += 2 {
		kept = append(kept, m.Indices[t*3:t*3+3]...)
	}
	m.Indices = kept
	m.LOD = 1
}
