// Package sha256 includes tests for the markup fingerprint helpers.
package sha256

import "testing"

// TestDigestDeterministic ensures repeated hashing yields the same digest.
func TestDigestDeterministic(t *testing.T) {
	t.Parallel()

	got := Digest([]byte("hello world"))
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if again := Digest([]byte("hello world")); again != got {
		t.Fatalf("expected deterministic digest, got %s vs %s", got, again)
	}
}

// TestShortIsDigestPrefix ensures Short stays in sync with Digest.
func TestShortIsDigestPrefix(t *testing.T) {
	t.Parallel()

	data := []byte("<html><body>cds</body></html>")
	short := Short(data)
	if len(short) != 16 {
		t.Fatalf("expected 16 characters, got %d (%s)", len(short), short)
	}
	if full := Digest(data); full[:16] != short {
		t.Fatalf("expected prefix of %s, got %s", full, short)
	}
}
