package asset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestParsePriority(t *testing.T) {
	tests := []struct {
		input   string
		want    Priority
		wantErr bool
	}{
		{"low", Low, false},
		{"HIGH", High, false},
		{" medium ", Medium, false},
		{"", Medium, false},
		{"urgent", Low, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePriority(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePriority(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestPriorityJSON(t *testing.T) {
	var payload struct {
		Priority Priority `json:"priority"`
	}
	if err := json.Unmarshal([]byte(`{"priority":"high"}`), &payload); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if payload.Priority != High {
		t.Errorf("Expected High, got %v", payload.Priority)
	}
	if err := json.Unmarshal([]byte(`{"priority":3}`), &payload); err == nil {
		t.Error("Expected error for numeric priority")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"priority":"high"}` {
		t.Errorf("Unexpected JSON: %s", data)
	}
}

func TestStatsValidate(t *testing.T) {
	tests := []struct {
		name    string
		stats   Stats
		wantErr bool
	}{
		{"valid", Stats{Triangles: 12, Vertices: 8, ByteSize: 1024}, false},
		{"zero byte size", Stats{Triangles: 1}, true},
		{"negative triangles", Stats{Triangles: -1, ByteSize: 10}, true},
		{"negative textures", Stats{Textures: -2, ByteSize: 10}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.stats.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestKeyValidate(t *testing.T) {
	if err := Key("").Validate(); err == nil {
		t.Error("Expected error for empty key")
	}
	if err := Key("  ").Validate(); err == nil {
		t.Error("Expected error for blank key")
	}
	if err := Key("models/chair.mesh").Validate(); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestClassify(t *testing.T) {
	key := Key("models/lamp.mesh")

	tests := []struct {
		name          string
		err           error
		wantKind      ErrorKind
		wantRetryable bool
	}{
		{"plain error is network", errors.New("connection reset"), KindNetwork, true},
		{"cancellation is aborted", fmt.Errorf("fetch: %w", context.Canceled), KindAborted, false},
		{"cache full", fmt.Errorf("insert: %w", ErrCacheFull), KindCacheFull, false},
		{"decode error kept", DecodeError("", errors.New("bad magic")), KindDecode, false},
		{"permanent network", PermanentNetworkError(key, errors.New("404")), KindNetwork, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			le := Classify(key, tt.err)
			if le.Kind != tt.wantKind {
				t.Errorf("Expected kind %s, got %s", tt.wantKind, le.Kind)
			}
			if le.Retryable() != tt.wantRetryable {
				t.Errorf("Expected retryable=%v, got %v", tt.wantRetryable, le.Retryable())
			}
			if le.Key != key {
				t.Errorf("Expected key %s, got %s", key, le.Key)
			}
		})
	}

	if Classify(key, nil) != nil {
		t.Error("Expected nil for nil error")
	}
}

func TestLoadErrorJSON(t *testing.T) {
	tests := []struct {
		name string
		err  *LoadError
	}{
		{"retryable network", NetworkError("a.mesh", errors.New("connection reset"))},
		{"permanent network", PermanentNetworkError("b.mesh", errors.New("status 404"))},
		{"decode without cause", &LoadError{Kind: KindDecode, Key: "c.mesh"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(struct {
				Error *LoadError `json:"error"`
			}{tt.err})
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}

			var wire struct {
				Error map[string]any `json:"error"`
			}
			if err := json.Unmarshal(data, &wire); err != nil {
				t.Fatalf("Unmarshal into map failed: %v", err)
			}
			if wire.Error["kind"] != string(tt.err.Kind) {
				t.Errorf("Expected kind %s, got %v", tt.err.Kind, wire.Error["kind"])
			}
			if wire.Error["retryable"] != tt.err.Retryable() {
				t.Errorf("Expected retryable=%v, got %v", tt.err.Retryable(), wire.Error["retryable"])
			}
			if wire.Error["message"] != tt.err.Error() {
				t.Errorf("Expected message %q, got %v", tt.err.Error(), wire.Error["message"])
			}

			var back struct {
				Error *LoadError `json:"error"`
			}
			if err := json.Unmarshal(data, &back); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if back.Error.Kind != tt.err.Kind || back.Error.Key != tt.err.Key || back.Error.Permanent != tt.err.Permanent {
				t.Errorf("Expected %+v, got %+v", tt.err, back.Error)
			}
			if back.Error.Error() != tt.err.Error() {
				t.Errorf("Expected message %q, got %q", tt.err.Error(), back.Error.Error())
			}
		})
	}
}

func TestSceneGraphCounts(t *testing.T) {
	g := &SceneGraph{Root: &Node{
		Name: "root",
		Children: []*Node{
			{Name: "body", Mesh: &Mesh{Positions: make([]float32, 9), Indices: []uint32{0, 1, 2}}},
			{Name: "empty"},
		},
	}}

	nodes := 0
	g.Walk(func(*Node) { nodes++ })
	if nodes != 3 {
		t.Errorf("Expected 3 nodes, got %d", nodes)
	}
	if got := g.Root.Children[0].Mesh.TriangleCount(); got != 1 {
		t.Errorf("Expected 1 triangle, got %d", got)
	}
	if g.EstimateSize() <= 0 {
		t.Error("Expected positive size estimate")
	}
}
