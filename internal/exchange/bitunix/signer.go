package bitunix

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sign computes the double-SHA256 request signature Bitunix's signed
// REST endpoints require: sha256(nonce+ts+apiKey), hex-encoded,
// concatenated with secret, then sha256'd again. The scheme is fixed by
// the exchange's wire protocol, not a local design choice, so it is not
// a candidate for adaptation.
func Sign(secret, nonce, apiKey, ts string) string {
	h1 := sha256.Sum256([]byte(nonce + ts + apiKey))
	h2 := sha256.Sum256([]byte(hex.EncodeToString(h1[:]) + secret))
	return hex.EncodeToString(h2[:])
}
