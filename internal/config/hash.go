package config

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Fingerprint returns the hex BLAKE3 hash of raw config bytes.
// Runs record it so history rows can be tied back to the config that produced them.
func Fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
