package storage

import (
	"strconv"
	"strings"
)

const hexUpper = "0123456789ABCDEF"

// safeFileName reversibly encodes a user-chosen name into an ASCII
// filesystem-safe basename: anything outside [A-Za-z0-9._-] is
// percent-escaped as a fixed two-digit %XX against its UTF-8 byte, in the
// same spirit as the teacher's quadKey composite-key helper
// (session/cache_store.go) but reversible, since rename_bank/rename_preset
// round-trip names through the filesystem and back (spec.md §4.6). The
// escape is always exactly two hex digits — unsafeFileName depends on
// that fixed width.
func safeFileName(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if isUnescaped(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexUpper[c>>4])
		b.WriteByte(hexUpper[c&0x0f])
	}
	return b.String()
}

func isUnescaped(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '.' || c == '_' || c == '-':
		return true
	}
	return false
}

// unsafeFileName reverses safeFileName. Malformed escapes are passed through
// literally rather than erroring, since this only ever operates on names
// this package itself produced.
func unsafeFileName(encoded string) string {
	var b strings.Builder
	for i := 0; i < len(encoded); i++ {
		if encoded[i] == '%' && i+2 < len(encoded) {
			if v, err := strconv.ParseUint(encoded[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		b.WriteByte(encoded[i])
	}
	return b.String()
}
