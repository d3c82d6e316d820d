package utils

import (
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// ETag returns a strong entity tag for body: `"<len-hex>-<xxh3-hex>"`.
func ETag(body []byte) string {
	sum := xxh3.Hash(body)
	return `"` + strconv.FormatInt(int64(len(body)), 16) + "-" + strconv.FormatUint(sum, 16) + `"`
}

// MatchETag reports whether an If-None-Match header value matches etag.
// Weak validators compare equal to their strong form.
func MatchETag(header, etag string) bool {
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}
	if header == "*" {
		return true
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}
