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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/errors"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	sk := &FuncSkill{SkillID: "gen.image", Fn: func(ctx context.Context, input map[string]any) (*Result, error) {
		return &Result{OK: true}, nil
	}}
	require.NoError(t, r.Register(sk))

	got, err := r.Lookup("gen.image")
	require.NoError(t, err)
	assert.Equal(t, "gen.image", got.ID())

	assert.Error(t, r.Register(sk), "duplicate registration must fail")

	_, err = r.Lookup("gen.missing")
	var nfErr *errors.NotFoundError
	require.ErrorAs(t, err, &nfErr)
}

func TestResultArtifactIDs(t *testing.T) {
	res := &Result{
		OK: true,
		Artifacts: []Artifact{
			{Metadata: Metadata{ID: "a1"}},
			{Metadata: Metadata{}},
			{Metadata: Metadata{ID: "a2"}},
		},
	}
	assert.Equal(t, []string{"a1", "a2"}, res.ArtifactIDs())
}

func TestExecuteWithTimeoutExpires(t *testing.T) {
	slow := &FuncSkill{SkillID: "slow", Fn: func(ctx context.Context, input map[string]any) (*Result, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &Result{OK: true}, nil
		}
	}}

	_, err := ExecuteWithTimeout(context.Background(), slow, nil, 10*time.Millisecond)
	var tErr *errors.TimeoutError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, errors.CodeStepTimeout, errors.CodeOf(err))
}

func TestExecuteWithTimeoutPassesThrough(t *testing.T) {
	fast := &FuncSkill{SkillID: "fast", Fn: func(ctx context.Context, input map[string]any) (*Result, error) {
		return &Result{OK: true, Data: map[string]any{"x": input["x"]}}, nil
	}}

	res, err := ExecuteWithTimeout(context.Background(), fast, map[string]any{"x": "y"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "y", res.Data["x"])
}

func TestHTTPSkillRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var input map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&input))
		assert.Equal(t, "castle", input["prompt"])
		json.NewEncoder(w).Encode(&Result{
			OK:        true,
			Artifacts: []Artifact{{Metadata: Metadata{ID: "art-1", MediaType: "image"}}},
		})
	}))
	defer srv.Close()

	sk := &HTTPSkill{SkillID: "remote.render", Endpoint: srv.URL}
	res, err := sk.Execute(context.Background(), map[string]any{"prompt": "castle"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, []string{"art-1"}, res.ArtifactIDs())
}

func TestHTTPSkillNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sk := &HTTPSkill{SkillID: "remote.render", Endpoint: srv.URL}
	res, err := sk.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "SKILL_HTTP_ERROR", res.ErrorCode)
	assert.Contains(t, res.Error, "503")
}

func TestCLISkillRoundTrip(t *testing.T) {
	// cat echoes the Result JSON fed on stdin.
	sk := &CLISkill{SkillID: "local.echo", Command: "cat"}
	res, err := sk.Execute(context.Background(), map[string]any{"ok": true})
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestCLISkillCommandFailure(t *testing.T) {
	sk := &CLISkill{SkillID: "local.false", Command: "false"}
	res, err := sk.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "SKILL_EXEC_ERROR", res.ErrorCode)
}
