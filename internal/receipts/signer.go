package receipts

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Signer produces HMAC-SHA256 receipt signatures of the form "<kid>.<hex>".
// The kid names the key, so receipts signed before a rotation stay
// verifiable as long as the old secret is passed as retired.
type Signer struct {
	current string
	keys    map[string][]byte
}

// NewSigner returns a signer keyed by secret, or nil when secret is empty
// (receipts are then issued unsigned). Retired secrets only verify.
func NewSigner(secret string, retired ...string) *Signer {
	if secret == "" {
		return nil
	}
	s := &Signer{keys: make(map[string][]byte, 1+len(retired))}
	s.current = s.add(secret)
	for _, r := range retired {
		if r != "" {
			s.add(r)
		}
	}
	return s
}

func (s *Signer) add(secret string) string {
	sum := sha256.Sum256([]byte("escrowd-receipt-key:" + secret))
	kid := hex.EncodeToString(sum[:4])
	s.keys[kid] = []byte(secret)
	return kid
}

// KeyID identifies the key new receipts are signed with.
func (s *Signer) KeyID() string {
	if s == nil {
		return ""
	}
	return s.current
}

// Sign signs the JSON encoding of payload with the current key.
// A nil signer returns an empty signature.
func (s *Signer) Sign(payload any) (string, error) {
	if s == nil {
		return "", nil
	}
	mac, err := s.mac(s.current, payload)
	if err != nil {
		return "", err
	}
	return s.current + "." + mac, nil
}

// Verify reports whether signature was produced over payload by any known key.
func (s *Signer) Verify(payload any, signature string) bool {
	if s == nil || signature == "" {
		return false
	}
	kid, mac, ok := strings.Cut(signature, ".")
	if !ok {
		return false
	}
	if _, known := s.keys[kid]; !known {
		return false
	}
	expected, err := s.mac(kid, payload)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(mac))
}

func (s *Signer) mac(kid string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	h := hmac.New(sha256.New, s.keys[kid])
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
