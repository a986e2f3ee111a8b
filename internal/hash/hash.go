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

// Package hash computes deterministic content hashes for step inputs.
//
// The hash is designed to be:
//   - Deterministic: identical inputs always produce identical hashes
//   - Order-independent: object key insertion order does not affect the digest
//   - Pure: no network or disk I/O
package hash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/loomworks/loom/pkg/errors"
)

// Compute returns the SHA-256 hex digest of the canonical serialization of
// input. Two semantically identical objects hash identically regardless of
// property insertion order.
//
// Non-serializable input (cyclic references, channels, functions, NaN) is an
// explicit error, never silently dropped.
func Compute(input any) (string, error) {
	canonical, err := Canonicalize(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CacheKey composes the content-addressed cache key for a step execution:
// "{workflowName}:{stepID}:{hash}".
func CacheKey(workflowName, stepID string, input any) (string, error) {
	h, err := Compute(input)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s:%s", workflowName, stepID, h), nil
}

// Canonicalize returns the canonical JSON serialization of input: object keys
// sorted recursively, no insignificant whitespace.
//
// The value is round-tripped through encoding/json so that struct inputs and
// map inputs with identical shapes canonicalize identically; encoding/json
// emits map keys in sorted order at every nesting level.
func Canonicalize(input any) ([]byte, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "input",
			Message:    fmt.Sprintf("input is not canonically serializable: %v", err),
			Suggestion: "step inputs must be acyclic JSON-compatible values",
		}
	}

	var normalized any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&normalized); err != nil {
		return nil, &errors.ValidationError{
			Field:   "input",
			Message: fmt.Sprintf("input did not round-trip: %v", err),
		}
	}

	canonical, err := json.Marshal(normalized)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "input",
			Message: fmt.Sprintf("input is not canonically serializable: %v", err),
		}
	}
	return canonical, nil
}
