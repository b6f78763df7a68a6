package s3

import (
	"net"
	"net/url"
	gopath "path"
	"strings"
	"unicode/utf8"
)

const maxObjectKeyLen = 1024

// normalizeKey maps any raw key onto the backend path form: always rooted at
// "/", no empty, "." or ".." segments, and no trailing slash except for the
// root itself. The function is total and idempotent.
func normalizeKey(raw string) string {
	k := strings.TrimSpace(raw)
	if k == "" || k == "." || k == ".." {
		return "/"
	}
	if !strings.HasPrefix(k, "/") {
		k = "/" + k
	}
	k = gopath.Clean(k)
	if k == "." || k == ".." {
		return "/"
	}
	return k
}

// splitBucketAndKey splits a decoded URL path into its bucket name and the
// remaining object key. The key keeps its trailing slash so callers can tell
// a directory marker PUT apart from an object PUT.
func splitBucketAndKey(urlPath string) (bucket, key string) {
	p := strings.TrimPrefix(urlPath, "/")
	bucket, key, _ = strings.Cut(p, "/")
	return bucket, key
}

// isValidBucketName applies the S3 naming rules: 3 to 63 characters of
// lowercase letters, digits, dots and hyphens, starting and ending with a
// letter or digit, no "..", and not shaped like an IPv4 address.
func isValidBucketName(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if !isAlnum(name[0]) || !isAlnum(name[len(name)-1]) {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !isAlnum(c) && c != '.' && c != '-' {
			return false
		}
	}
	if strings.Contains(name, "..") {
		return false
	}
	if ip := net.ParseIP(name); ip != nil && ip.To4() != nil {
		return false
	}
	return true
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// isValidObjectKey rejects keys that are empty, too long, contain control
// characters, or do not survive a percent-encode round trip as UTF-8.
func isValidObjectKey(key string) bool {
	if key == "" || len(key) > maxObjectKeyLen {
		return false
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	if !utf8.ValidString(key) {
		return false
	}
	decoded, err := url.PathUnescape(url.PathEscape(key))
	return err == nil && decoded == key
}
