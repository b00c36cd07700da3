package watch

import (
	"strings"
	"testing"
)

func TestNormalizeForWindowsShortPath(t *testing.T) {
	short := `C:\Users\example\project`
	if got := normalizeForWindows(short); got != short {
		t.Fatalf("normalizeForWindows(%q) = %q, want unchanged", short, got)
	}
}

func TestNormalizeForWindowsLongLocalPath(t *testing.T) {
	long := `C:\` + repeatRune('a', windowsLongPathThreshold+1)
	got := normalizeForWindows(long)
	want := longPathPrefix + long
	if got != want {
		t.Fatalf("normalizeForWindows(%q) = %q, want %q", long, got, want)
	}
}

func TestNormalizeForWindowsLongUNCPath(t *testing.T) {
	long := `\\server\share\` + repeatRune('a', windowsLongPathThreshold+1)
	got := normalizeForWindows(long)
	want := longPathUNCPrefix + long[2:]
	if got != want {
		t.Fatalf("normalizeForWindows(%q) = %q, want %q", long, got, want)
	}
}

func TestNormalizeForWindowsAlreadyLongPathIsUnchanged(t *testing.T) {
	long := longPathPrefix + `C:\` + repeatRune('a', windowsLongPathThreshold+1)
	if got := normalizeForWindows(long); got != long {
		t.Fatalf("normalizeForWindows(%q) = %q, want unchanged", long, got)
	}
}

func TestNormalizeForWindowsBoundary(t *testing.T) {
	// Exactly at the threshold: no conversion.
	atThreshold := `C:\` + repeatRune('a', windowsLongPathThreshold-3)
	if len(atThreshold) != windowsLongPathThreshold {
		t.Fatalf("test setup error: length %d, want %d", len(atThreshold), windowsLongPathThreshold)
	}
	if got := normalizeForWindows(atThreshold); got != atThreshold {
		t.Fatalf("normalizeForWindows(%q) = %q, want unchanged at exactly the threshold", atThreshold, got)
	}

	// One over the threshold: converted.
	overThreshold := atThreshold + "a"
	got := normalizeForWindows(overThreshold)
	want := longPathPrefix + overThreshold
	if got != want {
		t.Fatalf("normalizeForWindows(%q) = %q, want %q", overThreshold, got, want)
	}
}

func TestStripWindowsLongPathPrefixRoundTrip(t *testing.T) {
	original := `C:\` + repeatRune('a', windowsLongPathThreshold+1)
	normalized := normalizeForWindows(original)
	if stripped := stripWindowsLongPathPrefix(normalized); stripped != original {
		t.Fatalf("round trip failed: got %q, want %q", stripped, original)
	}
}

func TestStripWindowsLongPathPrefixUNCRoundTrip(t *testing.T) {
	original := `\\server\share\` + repeatRune('a', windowsLongPathThreshold+1)
	normalized := normalizeForWindows(original)
	if stripped := stripWindowsLongPathPrefix(normalized); stripped != original {
		t.Fatalf("round trip failed: got %q, want %q", stripped, original)
	}
}

func TestNormalizeForWindowsCountsUTF16CodeUnitsNotBytes(t *testing.T) {
	// Each "é" is 2 bytes in UTF-8 but 1 code unit in UTF-16, so this path is
	// well over windowsLongPathThreshold in bytes (3 + 200*2 = 403) but under
	// it in UTF-16 code units (3 + 200 = 203). A byte-length comparison would
	// wrongly convert it to long form; the UTF-16 comparison must not.
	path := `C:\` + strings.Repeat("é", 200)
	if got := normalizeForWindows(path); got != path {
		t.Fatalf("normalizeForWindows(%q) = %q, want unchanged (short in UTF-16 code units despite being long in UTF-8 bytes)", path, got)
	}
}

func TestUTF16RoundTrip(t *testing.T) {
	original := `C:\Users\example\a b\日本語.txt`
	units := utf8ToUTF16(original)
	if got := utf16ToUTF8(units); got != original {
		t.Fatalf("utf16ToUTF8(utf8ToUTF16(%q)) = %q, want unchanged", original, got)
	}
}

func repeatRune(r rune, n int) string {
	out := make([]rune, n)
	for i := range out {
		out[i] = r
	}
	return string(out)
}
