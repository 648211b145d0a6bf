package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier like "g_3f2a...". Guide ids, user ids,
// and opaque tokens all come from here; an empty prefix yields bare hex.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	if prefix == "" {
		return hex.EncodeToString(buf)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
