package store

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// codeAlphabet deliberately drops I, O, 0 and 1 to avoid transcription
// mistakes.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	codeChars     = 16
	codeGroupSize = 4
)

// GenerateCode mints a redemption code of 16 alphabet characters grouped
// by dashes, e.g. "ABCD-EFGH-JKLM-NPQR".
func GenerateCode() (string, error) {
	buf := make([]byte, codeChars)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read randomness: %w", err)
	}

	var b strings.Builder
	b.Grow(codeChars + codeChars/codeGroupSize - 1)
	for i, c := range buf {
		if i > 0 && i%codeGroupSize == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(codeAlphabet[int(c)%len(codeAlphabet)])
	}
	return b.String(), nil
}
