package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// The wire protocol carries sha256(password) in hex. The server never
// stores that digest directly: it stores bcrypt(digest). Legacy rows
// holding a bare sha256 hex still verify and are flagged for upgrade.

// HashDigest produces the stored form of a client-supplied sha256 hex digest.
func HashDigest(clientHex string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(strings.ToLower(clientHex)), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// VerifyDigest compares a client-supplied sha256 hex digest against the
// stored form. upgrade is true when the stored form is a legacy bare
// digest that should be rehashed with bcrypt.
func VerifyDigest(stored, clientHex string) (ok, upgrade bool) {
	clientHex = strings.ToLower(clientHex)
	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(clientHex)) == nil, false
	}
	ok = subtle.ConstantTimeCompare([]byte(strings.ToLower(stored)), []byte(clientHex)) == 1
	return ok, ok
}

// SHA256Hex returns the hex sha256 of s, the digest shape clients send.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
