package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier of the form "<prefix>_<32 hex chars>",
// or just the hex portion when prefix is empty. Prefixes in use: usr, crs,
// asg, sub, rev, rft.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
