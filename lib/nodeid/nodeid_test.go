package nodeid

import "testing"

func TestValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"valid lowercase hex", "ad8d21d81a497993", true},
		{"too short", "ad8d21d81a49799", false},
		{"too long", "ad8d21d81a4979930", false},
		{"uppercase rejected", "AD8D21D81A497993", false},
		{"non-hex rejected", "ad8d21d81a49799z", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Valid(tt.in); got != tt.want {
				t.Errorf("Valid(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestPrefix(t *testing.T) {
	t.Parallel()

	prefix, ok := Prefix("ad8d21d81a4979930000000000000000")
	if !ok || prefix != "ad8d21d81a497993" {
		t.Errorf("Prefix() = %q, %v; want ad8d21d81a497993, true", prefix, ok)
	}

	if _, ok := Prefix("short"); ok {
		t.Errorf("expected short id to fail")
	}
}

func TestValidTarget(t *testing.T) {
	t.Parallel()

	if !ValidTarget("global") {
		t.Error("global target should be valid")
	}
	if !ValidTarget("ad8d21d81a497993") {
		t.Error("valid hex prefix should be a valid target")
	}
	if ValidTarget("../etc/passwd") {
		t.Error("path traversal attempt must be rejected")
	}
	if ValidTarget("") {
		t.Error("empty target must be rejected")
	}
}

func TestHasPrefix(t *testing.T) {
	t.Parallel()

	full := "ad8d21d81a4979930000000000000000"
	if !HasPrefix(full, "ad8d21d81a497993") {
		t.Error("exact 16-char prefix should match")
	}
	if HasPrefix(full, "ad8d21d81a497994") {
		t.Error("mismatched prefix should not match")
	}
	if HasPrefix(full, "not-hex") {
		t.Error("invalid configured prefix should never match")
	}
}
