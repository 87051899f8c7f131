package compression

import (
	"bytes"
	"compress/gzip"
	"math"
	"testing"
)

func quad() *MeshData {
	return &MeshData{
		Name: "floor_tile",
		Vertices: [][3]float64{
			{0.0, 0.0, 0.0},
			{1.0, 0.0, 0.0},
			{1.0, 0.4, 0.0},
			{0.0, 0.4, 0.0},
		},
		Indices:     []uint32{0, 1, 2, 0, 2, 3},
		Materials:   1,
		Textures:    2,
		TextureSize: 2048,
		Rigged:      true,
		Animations:  3,
	}
}

func TestEncodeDecodeMesh(t *testing.T) {
	original := quad()

	compressed, err := EncodeMesh(original)
	if err != nil {
		t.Fatalf("EncodeMesh failed: %v", err)
	}
	if len(compressed) == 0 {
		t.Fatal("Compressed data is empty")
	}

	decoded, err := DecodeMesh(compressed)
	if err != nil {
		t.Fatalf("DecodeMesh failed: %v", err)
	}

	if decoded.Name != original.Name {
		t.Errorf("Expected name %q, got %q", original.Name, decoded.Name)
	}
	if len(decoded.Vertices) != 4 || len(decoded.Indices) != 6 {
		t.Fatalf("Expected 4 vertices and 6 indices, got %d and %d", len(decoded.Vertices), len(decoded.Indices))
	}
	for i, v := range decoded.Vertices {
		for axis := 0; axis < 3; axis++ {
			if math.Abs(v[axis]-original.Vertices[i][axis]) > Quantization {
				t.Errorf("Vertex %d axis %d: expected %.4f, got %.4f", i, axis, original.Vertices[i][axis], v[axis])
			}
		}
	}
	if !decoded.Rigged || decoded.Animations != 3 || decoded.Textures != 2 || decoded.TextureSize != 2048 {
		t.Errorf("Metadata not preserved: %+v", decoded)
	}
}

func TestEncodeMeshNil(t *testing.T) {
	if _, err := EncodeMesh(nil); err == nil {
		t.Fatal("Expected error for nil mesh")
	}
}

func TestEncodeMeshRejectsBadIndices(t *testing.T) {
	mesh := quad()
	mesh.Indices = []uint32{0, 1}
	if _, err := EncodeMesh(mesh); err == nil {
		t.Error("Expected error for partial triangle")
	}

	mesh = quad()
	mesh.Indices = []uint32{0, 1, 9}
	if _, err := EncodeMesh(mesh); err == nil {
		t.Error("Expected error for out-of-range index")
	}
}

func TestLargeMeshUses32BitIndices(t *testing.T) {
	mesh := &MeshData{Name: "big"}
	for i := 0; i < 70000; i++ {
		mesh.Vertices = append(mesh.Vertices, [3]float64{float64(i) * 0.01, 0, 0})
	}
	mesh.Indices = []uint32{0, 1, 69999}

	compressed, err := EncodeMesh(mesh)
	if err != nil {
		t.Fatalf("EncodeMesh failed: %v", err)
	}
	decoded, err := DecodeMesh(compressed)
	if err != nil {
		t.Fatalf("DecodeMesh failed: %v", err)
	}
	if decoded.Indices[2] != 69999 {
		t.Errorf("Expected index 69999, got %d", decoded.Indices[2])
	}
}

func TestQuantizeVertices(t *testing.T) {
	quantized, err := quantizeVertices([][3]float64{{100.1234, -2.5, 0.0004}})
	if err != nil {
		t.Fatalf("quantizeVertices failed: %v", err)
	}
	if quantized[0].X != 100123 {
		t.Errorf("Expected X=100123, got %d", quantized[0].X)
	}
	if quantized[0].Y != -2500 {
		t.Errorf("Expected Y=-2500, got %d", quantized[0].Y)
	}
	if quantized[0].Z != 0 {
		t.Errorf("Expected Z=0, got %d", quantized[0].Z)
	}

	if _, err := quantizeVertices([][3]float64{{1e12, 0, 0}}); err == nil {
		t.Error("Expected error for out-of-range vertex")
	}
	if _, err := quantizeVertices([][3]float64{{math.NaN(), 0, 0}}); err == nil {
		t.Error("Expected error for NaN vertex")
	}
}

func gzipBytes(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		t.Fatalf("gzip write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip close failed: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeMeshMalformed(t *testing.T) {
	valid, err := EncodeMesh(quad())
	if err != nil {
		t.Fatalf("EncodeMesh failed: %v", err)
	}
	raw, err := Decompress(valid)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}

	badMagic := append([]byte("NOPE"), raw[4:]...)
	badVersion := append([]byte{}, raw...)
	badVersion[4] = 9

	tests := []struct {
		name string
		data []byte
	}{
		{"not gzip", []byte("plain bytes")},
		{"empty container", gzipBytes(t, nil)},
		{"bad magic", gzipBytes(t, badMagic)},
		{"bad version", gzipBytes(t, badVersion)},
		{"truncated", gzipBytes(t, raw[:len(raw)-3])},
		{"trailing bytes", gzipBytes(t, append(append([]byte{}, raw...), 0, 0))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeMesh(tt.data); err == nil {
				t.Error("Expected decode error")
			}
		})
	}
}
