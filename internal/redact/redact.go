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

// Package redact scrubs sensitive substrings from error messages before they
// are persisted. Run and step errors are operator/user-visible; credentials,
// connection strings, filesystem paths, and long opaque tokens must not leak
// through them.
package redact

import (
	"regexp"
)

// MaxMessageLength bounds persisted error messages.
const MaxMessageLength = 500

// Pattern defines a redaction pattern with a name and regular expression.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// StandardPatterns returns the default set of redaction patterns.
func StandardPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "api_key",
			Regex:       regexp.MustCompile(`(?i)(api[_-]?key|apikey)["\s:=]+([a-zA-Z0-9_\-]{16,})`),
			Replacement: "$1=[REDACTED]",
		},
		{
			Name:        "bearer_token",
			Regex:       regexp.MustCompile(`(?i)(bearer\s+)([a-zA-Z0-9_\-\.]{20,})`),
			Replacement: "$1[REDACTED]",
		},
		{
			Name:        "password",
			Regex:       regexp.MustCompile(`(?i)(password|passwd|pwd)["\s:=]+([^\s"]+)`),
			Replacement: "$1=[REDACTED]",
		},
		{
			Name:        "connection_string",
			Regex:       regexp.MustCompile(`(?i)\b(postgres|postgresql|mysql|mongodb|redis|amqp)://[^\s"]+`),
			Replacement: "[REDACTED-DSN]",
		},
		{
			Name:        "aws_key",
			Regex:       regexp.MustCompile(`(AKIA[0-9A-Z]{16})`),
			Replacement: "[REDACTED-AWS-KEY]",
		},
		{
			Name:        "jwt",
			Regex:       regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
			Replacement: "[REDACTED-JWT]",
		},
		{
			Name:        "filesystem_path",
			Regex:       regexp.MustCompile(`(/(?:home|Users|var|etc|tmp)/[^\s:"']+)`),
			Replacement: "[REDACTED-PATH]",
		},
		{
			Name:        "generic_secret",
			Regex:       regexp.MustCompile(`(?i)(secret|token)["\s:=]+([a-zA-Z0-9_\-]{16,})`),
			Replacement: "$1=[REDACTED]",
		},
		{
			Name:        "long_opaque_token",
			Regex:       regexp.MustCompile(`\b[a-zA-Z0-9_\-]{48,}\b`),
			Replacement: "[REDACTED-TOKEN]",
		},
	}
}

// Redactor applies redaction rules to error messages.
type Redactor struct {
	patterns  []Pattern
	maxLength int
}

// New creates a redactor with the standard patterns.
func New() *Redactor {
	return &Redactor{patterns: StandardPatterns(), maxLength: MaxMessageLength}
}

// NewWithPatterns creates a redactor with custom patterns and length bound.
func NewWithPatterns(patterns []Pattern, maxLength int) *Redactor {
	if maxLength <= 0 {
		maxLength = MaxMessageLength
	}
	return &Redactor{patterns: patterns, maxLength: maxLength}
}

// Message redacts sensitive substrings and truncates the result to the
// configured bound. Safe on the empty string.
func (r *Redactor) Message(s string) string {
	result := s
	for _, pattern := range r.patterns {
		result = pattern.Regex.ReplaceAllString(result, pattern.Replacement)
	}
	if len(result) > r.maxLength {
		result = result[:r.maxLength] + "…[truncated]"
	}
	return result
}

// Error redacts an error's message, returning "" for nil.
func (r *Redactor) Error(err error) string {
	if err == nil {
		return ""
	}
	return r.Message(err.Error())
}
