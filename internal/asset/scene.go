package asset

// SceneGraph is the decoded, renderable form of an asset. It is not mutated after decode.
type SceneGraph struct {
	Root *Node `json:"root"`
}

// Node is one element of the scene hierarchy.
type Node struct {
	Name     string  `json:"name"`
	Mesh     *Mesh   `json:"mesh,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

// Mesh holds de-quantized vertex positions (xyz triples) and triangle indices.
type Mesh struct {
	Positions []float32 `json:"positions"`
	Indices   []uint32  `json:"indices"`
	LOD       int       `json:"lod"`
}

// VertexCount returns the number of vertices in the mesh.
func (m *Mesh) VertexCount() int {
	if m == nil {
		return 0
	}
	return len(m.Positions) / 3
}

// TriangleCount returns the number of triangles in the mesh.
func (m *Mesh) TriangleCount() int {
	if m == nil {
		return 0
	}
	return len(m.Indices) / 3
}

// Walk visits every node depth-first.
func (g *SceneGraph) Walk(fn func(*Node)) {
	if g == nil || g.Root == nil {
		return
	}
	var visit func(*Node)
	visit = func(n *Node) {
		fn(n)
		for _, child := range n.Children {
			visit(child)
		}
	}
	visit(g.Root)
}

// EstimateSize approximates the in-memory footprint of the scene in bytes.
func (g *SceneGraph) EstimateSize() int64 {
	var size int64
	g.Walk(func(n *Node) {
		size += int64(len(n.Name)) + 64
		if n.Mesh != nil {
			size += int64(len(n.Mesh.Positions))*4 + int64(len(n.Mesh.Indices))*4
		}
	})
	return size
}
