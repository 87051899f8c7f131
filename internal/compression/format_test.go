package compression

import (
	"encoding/base64"
	"testing"

	"github.com/earthring/assetpipe/internal/asset"
)

func TestFormatPayload(t *testing.T) {
	compressed := []byte{0x1f, 0x8b, 0x08, 0x00}
	payload := FormatPayload(compressed, 128)

	if payload.Format != "binary_gzip" {
		t.Errorf("Expected format binary_gzip, got %s", payload.Format)
	}
	if payload.Size != len(compressed) {
		t.Errorf("Expected size %d, got %d", len(compressed), payload.Size)
	}
	if payload.UncompressedSize != 128 {
		t.Errorf("Expected uncompressed size 128, got %d", payload.UncompressedSize)
	}
	decoded, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		t.Fatalf("Failed to decode base64: %v", err)
	}
	if string(decoded) != string(compressed) {
		t.Error("Payload data does not round-trip")
	}
}

func TestEstimateUncompressedSize(t *testing.T) {
	if EstimateUncompressedSize(nil) != 0 {
		t.Error("Expected 0 for nil mesh")
	}

	mesh := quad()
	compressed, err := EncodeMesh(mesh)
	if err != nil {
		t.Fatalf("EncodeMesh failed: %v", err)
	}
	raw, err := Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if got := EstimateUncompressedSize(mesh); got != len(raw) {
		t.Errorf("Expected estimate %d to equal container size %d", got, len(raw))
	}
}

func TestEncodeScene(t *testing.T) {
	rigged := true
	scene := &asset.SceneGraph{Root: &asset.Node{
		Name: "chair",
		Children: []*asset.Node{
			{Name: "seat", Mesh: &asset.Mesh{Positions: []float32{0, 0, 0, 1, 0, 0, 1, 1, 0}, Indices: []uint32{0, 1, 2}}},
			{Name: "back", Mesh: &asset.Mesh{Positions: []float32{0, 0, 1, 1, 0, 1, 1, 1, 1}, Indices: []uint32{0, 1, 2}}},
		},
	}}

	payload, err := EncodeScene(scene, asset.Stats{Materials: 2, ByteSize: 100}, asset.Metadata{Rigged: &rigged})
	if err != nil {
		t.Fatalf("EncodeScene failed: %v", err)
	}
	data, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		t.Fatalf("Failed to decode base64: %v", err)
	}
	mesh, err := DecodeMesh(data)
	if err != nil {
		t.Fatalf("DecodeMesh failed: %v", err)
	}

	if len(mesh.Vertices) != 6 {
		t.Errorf("Expected 6 merged vertices, got %d", len(mesh.Vertices))
	}
	if mesh.Indices[3] != 3 {
		t.Errorf("Expected second mesh indices offset by 3, got %d", mesh.Indices[3])
	}
	if !mesh.Rigged || mesh.Materials != 2 {
		t.Errorf("Metadata not carried over: %+v", mesh)
	}

	if _, err := EncodeScene(nil, asset.Stats{}, asset.Metadata{}); err == nil {
		t.Error("Expected error for nil scene")
	}
}
