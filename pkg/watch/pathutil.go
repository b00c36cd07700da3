package watch

import "unicode/utf16"

// utf8ToUTF16 converts a UTF-8 Go string to a UTF-16 code unit slice, the
// representation the Windows and internal watch-point APIs expect.
func utf8ToUTF16(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

// utf16ToUTF8 converts a UTF-16 code unit slice back to a UTF-8 Go string.
func utf16ToUTF8(units []uint16) string {
	return string(utf16.Decode(units))
}

// longPathPrefix is the Windows extended-length path prefix that bypasses
// the legacy 260-code-unit MAX_PATH limit.
const longPathPrefix = `\\?\`

// longPathUNCPrefix is the extended-length prefix used for UNC paths.
const longPathUNCPrefix = `\\?\UNC\`

// windowsLongPathThreshold is the code-unit length above which a path must
// be converted to long form. Some Win32 directory APIs are limited to 240
// rather than the nominal MAX_PATH of 260, so both cases are covered by
// using the smaller bound.
const windowsLongPathThreshold = 240

// normalizeForWindows converts path to its long-path-normalized form,
// applying the rules from SPEC_FULL.md §4.1. It is pure string manipulation
// with no dependency on the Windows API, so it is exercised on every
// platform's test suite even though only the Windows backend calls it in
// production.
//
// The threshold is defined in UTF-16 code units, matching Win32's own path
// limits, not in UTF-8 bytes: a path with multi-byte UTF-8 characters can be
// well over windowsLongPathThreshold in bytes while still being short in the
// code units Windows actually counts.
func normalizeForWindows(path string) string {
	if isLongPath(path) || utf16Length(path) <= windowsLongPathThreshold {
		return path
	}
	if isAbsoluteLocalPath(path) {
		return longPathPrefix + path
	}
	if isAbsoluteUNCPath(path) {
		return longPathUNCPrefix + path[2:]
	}
	return path
}

// stripWindowsLongPathPrefix reverses normalizeForWindows so that the host
// never sees the long-form prefix in emitted event paths.
func stripWindowsLongPathPrefix(path string) string {
	if isUNCLongPath(path) {
		return `\\` + path[len(longPathUNCPrefix):]
	}
	if isLongPath(path) {
		return path[len(longPathPrefix):]
	}
	return path
}

// isLongPath reports whether path already carries the "\\?\" prefix.
func isLongPath(path string) bool {
	return len(path) >= len(longPathPrefix) && path[:len(longPathPrefix)] == longPathPrefix
}

// isUNCLongPath reports whether path already carries the "\\?\UNC\" prefix.
func isUNCLongPath(path string) bool {
	return len(path) >= len(longPathUNCPrefix) && path[:len(longPathUNCPrefix)] == longPathUNCPrefix
}

// isAbsoluteLocalPath reports whether path has the form "<drive>:\...".
func isAbsoluteLocalPath(path string) bool {
	if len(path) < 3 {
		return false
	}
	drive := path[0]
	return ((drive >= 'a' && drive <= 'z') || (drive >= 'A' && drive <= 'Z')) &&
		path[1] == ':' && path[2] == '\\'
}

// isAbsoluteUNCPath reports whether path has the form "\\server\share\...".
func isAbsoluteUNCPath(path string) bool {
	return len(path) >= 2 && path[0] == '\\' && path[1] == '\\'
}

// utf16Length reports the length of path in UTF-16 code units, the unit
// Win32 path-length limits are expressed in.
func utf16Length(path string) int {
	return len(utf8ToUTF16(path))
}
