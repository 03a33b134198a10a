// Package signer computes and verifies the keyed MAC that makes a session
// cookie tamper-evident.
//
// The MAC is HMAC-SHA256 over payload, keyed with key||sid. Keying with the
// sid means any change of sid rotates the effective key: a leaked MAC for
// one sid cannot be replayed against another.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// Len is the length, in characters, of a standard-base64-encoded SHA256 MAC.
const Len = 44

// Signer computes and verifies session MACs using a fixed key. The key is
// typically derived (via hkdf) from the deployment's base_key rather than
// used directly; see Manager's key derivation.
type Signer struct {
	key []byte
}

// New returns a Signer using key as the MAC key material.
func New(key []byte) *Signer {
	k := make([]byte, len(key))
	copy(k, key)
	return &Signer{key: k}
}

func (s *Signer) mac(sidVal string, payload []byte) []byte {
	h := hmac.New(sha256.New, append(append([]byte{}, s.key...), sidVal...))
	h.Write(payload)
	return h.Sum(nil)
}

// Sign returns the base64-encoded MAC over (sid, payload).
func (s *Signer) Sign(sidVal string, payload []byte) string {
	return base64.StdEncoding.EncodeToString(s.mac(sidVal, payload))
}

// Verify reports whether sig is the correct MAC over (sid, payload), using a
// constant-time comparison.
func (s *Signer) Verify(sidVal string, payload []byte, sig string) bool {
	if len(sig) != Len {
		return false
	}
	given, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	want := s.mac(sidVal, payload)
	return hmac.Equal(want, given)
}
