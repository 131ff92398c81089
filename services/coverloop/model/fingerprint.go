// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Fingerprints are deterministic hex SHA-256 digests over semantic
// content, never over filesystem paths. The same content always yields
// the same key, on any machine.

// UnitFingerprint computes the fingerprint of a unit from its signature
// and body text.
func UnitFingerprint(signature, body string) string {
	h := sha256.New()
	h.Write([]byte(signature))
	h.Write([]byte{0})
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}

// SourceKey computes the cache key for a parsed source file from its raw
// content.
func SourceKey(content []byte) string {
	sum := sha256.Sum256(content)
	return "src:" + hex.EncodeToString(sum[:])
}

// GenerationKey computes the cache key for an LLM generation from the
// unit fingerprint, the prompt template version, the model identifier,
// and the sampling parameters.
func GenerationKey(unitFingerprint, templateVersion, model string, params SamplingParams) string {
	data := fmt.Sprintf("%s|%s|%s|t=%.3f|p=%.3f|n=%d",
		unitFingerprint, templateVersion, model,
		params.Temperature, params.TopP, params.MaxTokens)
	sum := sha256.Sum256([]byte(data))
	return "gen:" + hex.EncodeToString(sum[:])
}

// PromptFingerprint computes the provenance fingerprint of a rendered
// prompt.
func PromptFingerprint(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:16])
}
