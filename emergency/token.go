package emergency

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"
)

// TokenValidity is how long an invite token stays redeemable.
const TokenValidity = 7 * 24 * time.Hour

const tokenBytes = 32

// mintToken generates a fresh single-use invite token. The clear token goes
// to the invitee out of band; only the hash is ever persisted.
func mintToken() (token string, hash []byte, err error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("minting invite token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	return token, hashToken(token), nil
}

func hashToken(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// tokenMatches compares a presented token against the persisted hash in
// constant time. A cleared hash (already redeemed) never matches.
func tokenMatches(hash []byte, token string) bool {
	if len(hash) != sha256.Size {
		return false
	}
	return subtle.ConstantTimeCompare(hash, hashToken(token)) == 1
}
