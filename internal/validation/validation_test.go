package validation

import (
	"errors"
	"strings"
	"testing"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xABCDEF7890123456789012345678901234567890", true},
		{"1234567890123456789012345678901234567890", false},
		{"0x123", false},
		{"", false},
		{"0xGGGG567890123456789012345678901234567890", false},
	}
	for _, tt := range tests {
		if got := IsValidEthAddress(tt.addr); got != tt.valid {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tt.addr, got, tt.valid)
		}
	}
}

func TestIsValidTxRef(t *testing.T) {
	hash := "0x" + strings.Repeat("ab", 32)
	tests := []struct {
		ref     string
		valid   bool
		onChain bool
	}{
		{hash, true, true},
		{strings.Repeat("ab", 32), false, false},
		{"0x" + strings.Repeat("a", 63), false, false},
		{"0x" + strings.Repeat("a", 65), false, false},
		{"transak:abc-123", true, false},
		{"transak:", false, false},
		{"transak:abc_123", false, false},
		{"stripe:pi_123", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		if got := IsValidTxRef(tt.ref); got != tt.valid {
			t.Errorf("IsValidTxRef(%q) = %v, want %v", tt.ref, got, tt.valid)
		}
		if got := IsOnChainTxRef(tt.ref); got != tt.onChain {
			t.Errorf("IsOnChainTxRef(%q) = %v, want %v", tt.ref, got, tt.onChain)
		}
	}
}

func TestSanitizeAddress(t *testing.T) {
	if got := SanitizeAddress("  0xABCDEF7890123456789012345678901234567890 "); got != "0xabcdef7890123456789012345678901234567890" {
		t.Errorf("unexpected %q", got)
	}
	if got := SanitizeAddress("abcdef7890123456789012345678901234567890"); got != "0xabcdef7890123456789012345678901234567890" {
		t.Errorf("expected 0x prefix, got %q", got)
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hi\x00there  ", 100); got != "hithere" {
		t.Errorf("unexpected %q", got)
	}
	if got := SanitizeString("héllo", 2); got != "hé" {
		t.Errorf("expected rune-aware truncation, got %q", got)
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("name", "ok"),
		Required("reason", " "),
		MinLength("content", "short", 10),
		ValidEmail("email", "not-an-email"),
		IntBetween("days", 0, 1, 90),
	)
	if len(errs) != 4 {
		t.Fatalf("expected 4 errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "reason" {
		t.Errorf("expected first error on reason, got %q", errs[0].Field)
	}
	if !errors.Is(errs, ErrInvalid) {
		t.Error("ValidationErrors should match ErrInvalid")
	}
	if Validate(Required("a", "b")).Err() != nil {
		t.Error("empty collection should convert to nil error")
	}
}

func TestValidEmail(t *testing.T) {
	for _, ok := range []string{"", "a@b.co", "client@example.com"} {
		if err := ValidEmail("email", ok)(); err != nil {
			t.Errorf("ValidEmail(%q) unexpected error", ok)
		}
	}
	for _, bad := range []string{"nope", "Name <a@b.co>", "a@"} {
		if err := ValidEmail("email", bad)(); err == nil {
			t.Errorf("ValidEmail(%q) expected error", bad)
		}
	}
}

func TestFail(t *testing.T) {
	err := Fail("txRef", "bad format")
	if !errors.Is(err, ErrInvalid) {
		t.Fatal("Fail should produce an ErrInvalid error")
	}
	if err.Error() != "txRef: bad format" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestValidAddress(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"", true},
		{"0x1234567890123456789012345678901234567890", true},
		{"1234567890123456789012345678901234567890", false},
		{"0X1234567890123456789012345678901234567890", false},
		{"0x12345678901234567890123456789012345678", false},
	}
	for _, tt := range tests {
		if err := ValidAddress("payer", tt.value)(); (err == nil) != tt.ok {
			t.Errorf("ValidAddress(%q) error = %v, want ok=%v", tt.value, err, tt.ok)
		}
	}
}
