// Package cid implements connection-identifier generation and the
// server-side stateless DCID->SCID derivation described in spec §3.
package cid

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"

	"github.com/behrlich/go-quicrtc/internal/constants"
)

// SeedKeySize is the length in bytes of the HMAC seed key generated once per
// server endpoint.
const SeedKeySize = 32

// NewSeedKey generates a fresh CSPRNG seed key for server-side SCID
// derivation. Callers should keep it for the lifetime of the Endpoint and
// never persist it.
func NewSeedKey() ([]byte, error) {
	key := make([]byte, SeedKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// NewRandom generates a fully random connection id of n bytes (n <=
// constants.MaxCIDLen), used for the client's initial SCID.
func NewRandom(n int) ([]byte, error) {
	if n > constants.MaxCIDLen {
		n = constants.MaxCIDLen
	}
	id := make([]byte, n)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}
	return id, nil
}

// DeriveSCID deterministically derives a server SCID from a peer-supplied
// DCID: HMAC-SHA256(seedKey, dcid) truncated to constants.MaxCIDLen. The same
// (seedKey, dcid) pair always yields the same SCID, which lets a restarted
// endpoint (same seed key) recognize a retried Initial for the same DCID.
func DeriveSCID(seedKey, dcid []byte) []byte {
	mac := hmac.New(sha256.New, seedKey)
	mac.Write(dcid)
	sum := mac.Sum(nil)
	if len(sum) > constants.MaxCIDLen {
		sum = sum[:constants.MaxCIDLen]
	}
	out := make([]byte, len(sum))
	copy(out, sum)
	return out
}
