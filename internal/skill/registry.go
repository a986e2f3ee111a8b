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

package skill

import (
	"fmt"
	"sync"

	"github.com/loomworks/loom/pkg/errors"
)

// Registry maps skill ids to implementations. Lookup resolves the concrete
// implementation once; callers never inspect the variant at execution time.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]Skill
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]Skill)}
}

// Register adds a skill. Re-registering an id is an error.
func (r *Registry) Register(sk Skill) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.skills[sk.ID()]; exists {
		return fmt.Errorf("skill already registered: %s", sk.ID())
	}
	r.skills[sk.ID()] = sk
	return nil
}

// Lookup returns the skill registered under id.
func (r *Registry) Lookup(id string) (Skill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sk, ok := r.skills[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "skill", ID: id}
	}
	return sk, nil
}

// IDs returns the registered skill ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.skills))
	for id := range r.skills {
		ids = append(ids, id)
	}
	return ids
}
