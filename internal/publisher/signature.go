package publisher

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const signaturePrefix = "sha256="

// Sign returns the signature header value for body under key.
func Sign(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// HMACVerifier accepts signatures made with the current key or, during key
// rotation, the next key.
type HMACVerifier struct {
	Current []byte
	Next    []byte
}

// NewHMACVerifier builds a verifier. At least the current key is required.
func NewHMACVerifier(current, next string) (*HMACVerifier, error) {
	if strings.TrimSpace(current) == "" {
		return nil, errors.New("publisher: current signing key required")
	}
	v := &HMACVerifier{Current: []byte(current)}
	if strings.TrimSpace(next) != "" {
		v.Next = []byte(next)
	}
	return v, nil
}

// Verify implements Verifier. Malformed signatures are errors.
func (v *HMACVerifier) Verify(ctx context.Context, signature string, body []byte) (bool, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(signature), signaturePrefix)
	if !ok {
		return false, fmt.Errorf("publisher: signature missing %q prefix", signaturePrefix)
	}
	got, err := hex.DecodeString(raw)
	if err != nil {
		return false, fmt.Errorf("publisher: decode signature: %w", err)
	}
	for _, key := range [][]byte{v.Current, v.Next} {
		if len(key) == 0 {
			continue
		}
		mac := hmac.New(sha256.New, key)
		mac.Write(body)
		if hmac.Equal(got, mac.Sum(nil)) {
			return true, nil
		}
	}
	return false, nil
}
