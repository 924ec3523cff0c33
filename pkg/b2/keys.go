package b2

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"strings"
	"time"
)

// ExtForMIME maps a MIME type to the object-key extension.
func ExtForMIME(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	default:
		return "bin"
	}
}

// BuildKey forms an object key <prefix>YYYY/MM/DD/<id>.<ext>.
func BuildKey(prefix string, now time.Time, id, mime string) string {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + now.UTC().Format("2006/01/02") + "/" + id + "." + ExtForMIME(mime)
}

// EncodeKey percent-encodes each key segment while preserving the
// slashes between them, the form B2 expects in X-Bz-File-Name and
// download paths.
func EncodeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// SHA1Hex returns the lowercase hex SHA-1 of data, the content checksum
// B2 verifies on upload.
func SHA1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}
