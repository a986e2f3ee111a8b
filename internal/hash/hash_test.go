// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hash

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestComputeDeterministic(t *testing.T) {
	input := map[string]any{"prompt": "castle at dusk", "width": 1024}

	h1, err := Compute(input)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	h2, err := Compute(input)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("same input produced different hashes: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("expected 64-char hex digest, got %d chars", len(h1))
	}
}

func TestComputeKeyOrderIndependent(t *testing.T) {
	// Decode two JSON documents with reversed key order; the digests must
	// agree at every nesting level.
	var a, b any
	if err := json.Unmarshal([]byte(`{"x":1,"y":{"p":"q","r":"s"}}`), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"y":{"r":"s","p":"q"},"x":1}`), &b); err != nil {
		t.Fatal(err)
	}

	ha, err := Compute(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := Compute(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Errorf("key order changed the digest: %s vs %s", ha, hb)
	}
}

func TestComputeDistinguishesValues(t *testing.T) {
	h1, err := Compute(map[string]any{"seed": 1})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Compute(map[string]any{"seed": 2})
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("different inputs hashed identically")
	}
}

func TestComputeRejectsUnserializable(t *testing.T) {
	if _, err := Compute(map[string]any{"ch": make(chan int)}); err == nil {
		t.Error("expected error for channel input")
	}
	if _, err := Compute(func() {}); err == nil {
		t.Error("expected error for function input")
	}
}

func TestCacheKeyComposition(t *testing.T) {
	key, err := CacheKey("trailer", "render", map[string]any{"fps": 24})
	if err != nil {
		t.Fatalf("CacheKey failed: %v", err)
	}
	if !strings.HasPrefix(key, "trailer:render:") {
		t.Errorf("unexpected key prefix: %s", key)
	}
	parts := strings.Split(key, ":")
	if len(parts) != 3 || len(parts[2]) != 64 {
		t.Errorf("malformed cache key: %s", key)
	}
}

func TestCanonicalizeSortsKeys(t *testing.T) {
	var v any
	if err := json.Unmarshal([]byte(`{"b":1,"a":2}`), &v); err != nil {
		t.Fatal(err)
	}
	canonical, err := Canonicalize(v)
	if err != nil {
		t.Fatal(err)
	}
	if string(canonical) != `{"a":2,"b":1}` {
		t.Errorf("unexpected canonical form: %s", canonical)
	}
}
