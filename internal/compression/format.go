package compression

import (
	"encoding/base64"
	"fmt"

	"github.com/earthring/assetpipe/internal/asset"
)

// Payload represents compressed mesh data ready for JSON transmission
type Payload struct {
	Format           string `json:"format"`            // "binary_gzip"
	Data             string `json:"data"`              // Base64-encoded compressed data
	Size             int    `json:"size"`              // Compressed size in bytes
	UncompressedSize int    `json:"uncompressed_size"` // Uncompressed size in bytes (for progress tracking)
}

// FormatPayload wraps compressed bytes for JSON transmission
func FormatPayload(compressed []byte, uncompressedSize int) *Payload {
	return &Payload{
		Format:           "binary_gzip",
		Data:             base64.StdEncoding.EncodeToString(compressed),
		Size:             len(compressed),
		UncompressedSize: uncompressedSize,
	}
}

// MeshFromScene flattens the meshes of a decoded scene into one container.
func MeshFromScene(scene *asset.SceneGraph, stats asset.Stats, meta asset.Metadata) (*MeshData, error) {
	if scene == nil || scene.Root == nil {
		return nil, fmt.Errorf("scene is empty")
	}

	mesh := &MeshData{
		Name:       scene.Root.Name,
		Materials:  stats.Materials,
		Textures:   stats.Textures,
		Rigged:     meta.IsRigged(),
		Animations: meta.AnimationCount(),
	}
	scene.Walk(func(n *asset.Node) {
		if n.Mesh == nil {
			return
		}
		base := uint32(len(mesh.Vertices))
		for i := 0; i+2 < len(n.Mesh.Positions); i += 3 {
			mesh.Vertices = append(mesh.Vertices, [3]float64{
				float64(n.Mesh.Positions[i]),
				float64(n.Mesh.Positions[i+1]),
				float64(n.Mesh.Positions[i+2]),
			})
		}
		for _, idx := range n.Mesh.Indices {
			mesh.Indices = append(mesh.Indices, base+idx)
		}
	})
	return mesh, nil
}

// EncodeScene re-encodes a decoded scene for transmission to a render surface.
func EncodeScene(scene *asset.SceneGraph, stats asset.Stats, meta asset.Metadata) (*Payload, error) {
	mesh, err := MeshFromScene(scene, stats, meta)
	if err != nil {
		return nil, err
	}
	compressed, err := EncodeMesh(mesh)
	if err != nil {
		return nil, fmt.Errorf("failed to encode scene: %w", err)
	}
	return FormatPayload(compressed, EstimateUncompressedSize(mesh)), nil
}

// EstimateUncompressedSize returns the size of the uncompressed container.
func EstimateUncompressedSize(mesh *MeshData) int {
	if mesh == nil {
		return 0
	}
	indexSize := 2
	if len(mesh.Vertices) > 65535 {
		indexSize = 4
	}
	// 24-byte header, 12 bytes per quantized vertex
	return 24 + len(mesh.Name) + len(mesh.Vertices)*12 + len(mesh.Indices)*indexSize
}
