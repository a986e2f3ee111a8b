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

package jobs

import (
	"bytes"
	"fmt"

	"github.com/loomworks/loom/pkg/errors"
)

// signature is a magic-byte prefix at a fixed offset.
type signature struct {
	offset int
	prefix []byte
}

// Container signatures accepted per media category. A provider claiming to
// have produced an image must hand back bytes that start like one; anything
// else is a hard INVALID_CONTENT failure, not a retry candidate.
var mediaSignatures = map[string][]signature{
	"image": {
		{0, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}},
		{0, []byte{0xFF, 0xD8, 0xFF}},
		{0, []byte("GIF87a")},
		{0, []byte("GIF89a")},
		{8, []byte("WEBP")},
	},
	"video": {
		{4, []byte("ftyp")},
		{0, []byte{0x1A, 0x45, 0xDF, 0xA3}}, // Matroska/WebM
		{8, []byte("AVI ")},
	},
	"audio_sfx": audioSignatures(),
	"audio_bgm": audioSignatures(),
	"model_3d": {
		{0, []byte("glTF")},
		{0, []byte("{")}, // .gltf JSON
	},
}

func audioSignatures() []signature {
	return []signature{
		{0, []byte("ID3")},
		{0, []byte{0xFF, 0xFB}},
		{0, []byte{0xFF, 0xF3}},
		{0, []byte{0xFF, 0xF2}},
		{8, []byte("WAVE")},
		{0, []byte("OggS")},
		{0, []byte("fLaC")},
	}
}

// ValidateContent checks that a provider's returned payload is plausible
// content for the claimed media type: non-empty and carrying a known
// container signature. Unknown media types only get the non-empty check.
func ValidateContent(buf []byte, mediaType string) error {
	if len(buf) == 0 {
		return &errors.ValidationError{
			Field:   "content",
			Message: fmt.Sprintf("provider returned empty payload for %s job", mediaType),
		}
	}

	sigs, ok := mediaSignatures[mediaType]
	if !ok {
		return nil
	}
	for _, sig := range sigs {
		end := sig.offset + len(sig.prefix)
		if len(buf) >= end && bytes.Equal(buf[sig.offset:end], sig.prefix) {
			return nil
		}
	}
	return &errors.StepError{
		ErrCode: errors.CodeInvalidContent,
		Message: fmt.Sprintf("payload does not match any known %s container signature", mediaType),
	}
}
