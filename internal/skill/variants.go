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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
)

// FuncSkill wraps a Go function as a skill. Used for builtin skills and for
// provider-backed skills composed at wiring time.
type FuncSkill struct {
	SkillID string
	Fn      func(ctx context.Context, input map[string]any) (*Result, error)
}

// ID returns the skill identifier.
func (s *FuncSkill) ID() string { return s.SkillID }

// Execute invokes the wrapped function.
func (s *FuncSkill) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	return s.Fn(ctx, input)
}

// HTTPSkill invokes a skill over HTTP: the resolved input is POSTed as JSON
// and the response body is decoded as a Result.
type HTTPSkill struct {
	SkillID  string
	Endpoint string
	Client   *http.Client
}

// ID returns the skill identifier.
func (s *HTTPSkill) ID() string { return s.SkillID }

// Execute POSTs the input to the endpoint and decodes the Result.
func (s *HTTPSkill) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshaling skill input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building skill request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling skill %s: %w", s.SkillID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Result{
			OK:        false,
			Error:     fmt.Sprintf("skill endpoint returned HTTP %d: %s", resp.StatusCode, payload),
			ErrorCode: "SKILL_HTTP_ERROR",
		}, nil
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding skill response: %w", err)
	}
	return &result, nil
}

// CLISkill invokes a skill as a subprocess: the resolved input is written to
// stdin as JSON and stdout is parsed as a Result. Cancellation kills the
// process.
type CLISkill struct {
	SkillID string
	Command string
	Args    []string
}

// ID returns the skill identifier.
func (s *CLISkill) ID() string { return s.SkillID }

// Execute runs the subprocess and decodes its stdout.
func (s *CLISkill) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshaling skill input: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &Result{
			OK:        false,
			Error:     fmt.Sprintf("skill command failed: %v: %s", err, truncateOutput(stderr.Bytes())),
			ErrorCode: "SKILL_EXEC_ERROR",
		}, nil
	}

	var result Result
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("decoding skill output: %w", err)
	}
	return &result, nil
}

func truncateOutput(b []byte) []byte {
	const max = 512
	if len(b) > max {
		return b[:max]
	}
	return b
}
