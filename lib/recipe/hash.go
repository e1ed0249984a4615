// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

package recipe

import (
	"crypto/sha256"
	"encoding/hex"
)

// PromptHash computes the SHA-256 of content, truncated to 16 hex
// chars (§3 "hash is SHA-256(text) truncated to 16 hex chars").
// Shared by the Pipeline Engine (filter cache keys) and the
// prompt-load admin skill (recording Prompt.Hash on upsert).
func PromptHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}
