package velocity

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint hashes a dimension value into the short digest embedded in
// counter keys and decision payloads. Raw card hashes and device ids never
// appear in keys or logs.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}
