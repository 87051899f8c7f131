package compression

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	// Magic number for the mesh container format
	MeshMagic = "MESH"
	// Current format version
	MeshVersion = 1
	// Gzip compression level (balance between size and speed)
	DefaultGzipLevel = 6

	// Quantization precision (in meters)
	Quantization = 0.001

	// Upper bounds guarding against corrupt headers.
	MaxVertices = 1 << 24
	MaxIndices  = 3 << 24
	maxNameLen  = 1024
)

// Format flags
const (
	flag32BitIndices uint8 = 1 << 0
	flagRigged       uint8 = 1 << 1
)

// MeshHeader represents the binary format header
type MeshHeader struct {
	Magic       [4]byte // "MESH"
	Version     uint8
	FormatFlags uint8 // bit 0 = 32-bit indices, bit 1 = rigged
	NameLen     uint16
	VertexCount uint32
	IndexCount  uint32
	Materials   uint16
	Textures    uint16
	TextureSize uint16 // largest texture edge in pixels
	Animations  uint16
}

// MeshData is the uncompressed content of a mesh container.
type MeshData struct {
	Name        string
	Vertices    [][3]float64
	Indices     []uint32
	Materials   int
	Textures    int
	TextureSize int
	Rigged      bool
	Animations  int
}

// QuantizedVertex represents a quantized vertex
type QuantizedVertex struct {
	X, Y, Z int32
}

// EncodeMesh quantizes, serializes and gzips mesh data.
func EncodeMesh(mesh *MeshData) ([]byte, error) {
	if mesh == nil {
		return nil, fmt.Errorf("mesh is nil")
	}
	if len(mesh.Indices)%3 != 0 {
		return nil, fmt.Errorf("index count %d is not a multiple of 3", len(mesh.Indices))
	}
	if len(mesh.Vertices) > MaxVertices {
		return nil, fmt.Errorf("vertex count %d exceeds limit %d", len(mesh.Vertices), MaxVertices)
	}
	if len(mesh.Name) > maxNameLen {
		return nil, fmt.Errorf("mesh name too long")
	}

	quantized, err := quantizeVertices(mesh.Vertices)
	if err != nil {
		return nil, fmt.Errorf("failed to quantize vertices: %w", err)
	}

	binaryData, err := encodeToBinary(mesh, quantized)
	if err != nil {
		return nil, fmt.Errorf("failed to encode to binary: %w", err)
	}

	compressed, err := gzipCompress(binaryData, DefaultGzipLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to compress with gzip: %w", err)
	}
	return compressed, nil
}

// quantizeVertices quantizes vertex positions to reduce precision
func quantizeVertices(vertices [][3]float64) ([]QuantizedVertex, error) {
	quantized := make([]QuantizedVertex, len(vertices))
	for i, v := range vertices {
		for _, c := range v {
			q := c / Quantization
			if math.IsNaN(q) || q > math.MaxInt32 || q < math.MinInt32 {
				return nil, fmt.Errorf("vertex %d out of range", i)
			}
		}
		quantized[i] = QuantizedVertex{
			X: int32(math.Round(v[0] / Quantization)),
			Y: int32(math.Round(v[1] / Quantization)),
			Z: int32(math.Round(v[2] / Quantization)),
		}
	}
	return quantized, nil
}

func encodeToBinary(mesh *MeshData, vertices []QuantizedVertex) ([]byte, error) {
	var buf bytes.Buffer

	header := MeshHeader{
		Version:     MeshVersion,
		NameLen:     uint16(len(mesh.Name)),
		VertexCount: uint32(len(vertices)),
		IndexCount:  uint32(len(mesh.Indices)),
		Materials:   clampUint16(mesh.Materials),
		Textures:    clampUint16(mesh.Textures),
		TextureSize: clampUint16(mesh.TextureSize),
		Animations:  clampUint16(mesh.Animations),
	}
	copy(header.Magic[:], MeshMagic)

	use32BitIndices := len(vertices) > math.MaxUint16
	if use32BitIndices {
		header.FormatFlags |= flag32BitIndices
	}
	if mesh.Rigged {
		header.FormatFlags |= flagRigged
	}

	if err := binary.Write(&buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	buf.WriteString(mesh.Name)

	if err := binary.Write(&buf, binary.LittleEndian, vertices); err != nil {
		return nil, fmt.Errorf("failed to write vertices: %w", err)
	}

	for _, idx := range mesh.Indices {
		if int(idx) >= len(vertices) {
			return nil, fmt.Errorf("index %d out of range for %d vertices", idx, len(vertices))
		}
	}
	if use32BitIndices {
		if err := binary.Write(&buf, binary.LittleEndian, mesh.Indices); err != nil {
			return nil, fmt.Errorf("failed to write 32-bit indices: %w", err)
		}
	} else {
		short := make([]uint16, len(mesh.Indices))
		for i, idx := range mesh.Indices {
			short[i] = uint16(idx)
		}
		if err := binary.Write(&buf, binary.LittleEndian, short); err != nil {
			return nil, fmt.Errorf("failed to write 16-bit indices: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// DecodeMesh reverses EncodeMesh. Any structural problem is reported as an error.
func DecodeMesh(data []byte) (*MeshData, error) {
	raw, err := Decompress(data)
	if err != nil {
		return nil, err
	}
	return ParseMesh(raw)
}

// Decompress inflates a gzip-wrapped mesh container.
func Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	return raw, nil
}

// ParseMesh parses an uncompressed mesh container.
func ParseMesh(raw []byte) (*MeshData, error) {
	r := bytes.NewReader(raw)

	var header MeshHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if string(header.Magic[:]) != MeshMagic {
		return nil, fmt.Errorf("invalid magic %q", header.Magic[:])
	}
	if header.Version != MeshVersion {
		return nil, fmt.Errorf("unsupported version %d", header.Version)
	}
	if header.VertexCount > MaxVertices || header.IndexCount > MaxIndices {
		return nil, fmt.Errorf("mesh too large: %d vertices, %d indices", header.VertexCount, header.IndexCount)
	}
	if header.IndexCount%3 != 0 {
		return nil, fmt.Errorf("index count %d is not a multiple of 3", header.IndexCount)
	}

	indexSize := 2
	if header.FormatFlags&flag32BitIndices != 0 {
		indexSize = 4
	}
	expected := int(header.NameLen) + int(header.VertexCount)*12 + int(header.IndexCount)*indexSize
	if r.Len() != expected {
		return nil, fmt.Errorf("payload length %d does not match header (expected %d)", r.Len(), expected)
	}

	name := make([]byte, header.NameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, fmt.Errorf("failed to read name: %w", err)
	}

	quantized := make([]QuantizedVertex, header.VertexCount)
	if err := binary.Read(r, binary.LittleEndian, quantized); err != nil {
		return nil, fmt.Errorf("failed to read vertices: %w", err)
	}

	indices := make([]uint32, header.IndexCount)
	if indexSize == 4 {
		if err := binary.Read(r, binary.LittleEndian, indices); err != nil {
			return nil, fmt.Errorf("failed to read 32-bit indices: %w", err)
		}
	} else {
		short := make([]uint16, header.IndexCount)
		if err := binary.Read(r, binary.LittleEndian, short); err != nil {
			return nil, fmt.Errorf("failed to read 16-bit indices: %w", err)
		}
		for i, idx := range short {
			indices[i] = uint32(idx)
		}
	}
	for _, idx := range indices {
		if idx >= header.VertexCount {
			return nil, fmt.Errorf("index %d out of range for %d vertices", idx, header.VertexCount)
		}
	}

	vertices := make([][3]float64, len(quantized))
	for i, q := range quantized {
		vertices[i] = [3]float64{
			float64(q.X) * Quantization,
			float64(q.Y) * Quantization,
			float64(q.Z) * Quantization,
		}
	}

	return &MeshData{
		Name:        string(name),
		Vertices:    vertices,
		Indices:     indices,
		Materials:   int(header.Materials),
		Textures:    int(header.Textures),
		TextureSize: int(header.TextureSize),
		Rigged:      header.FormatFlags&flagRigged != 0,
		Animations:  int(header.Animations),
	}, nil
}

// gzipCompress compresses data using gzip
func gzipCompress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer

	writer, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write to gzip: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

func clampUint16(v int) uint16 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}
