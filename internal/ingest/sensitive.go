package ingest

import "strings"

// sensitiveMarkers are substrings that keep a path out of the plaintext
// locality index. Matching is case-insensitive and deliberately broad.
var sensitiveMarkers = []string{
	".env",
	".secret",
	"secret",
	"password",
	"token",
	"key",
	".git/",
	"id_rsa",
}

// IsSensitivePath reports whether path must never be stored unencrypted.
func IsSensitivePath(path string) bool {
	p := strings.ToLower(strings.ReplaceAll(path, `\`, "/"))
	for _, m := range sensitiveMarkers {
		if strings.Contains(p, m) {
			return true
		}
	}
	return false
}
