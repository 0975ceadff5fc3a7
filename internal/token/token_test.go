package token

import (
	"net/http"
	"testing"
)

func noSalt(string) (string, bool) { return "", false }

func TestMintAndVerifyRoundTrip(t *testing.T) {
	svc, err := New("shared-secret", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, err := svc.Mint("alice@example.com", noSalt)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	claims, err := svc.Verify(raw, noSalt)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Email != "alice@example.com" {
		t.Errorf("Email = %q, want alice@example.com", claims.Email)
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	svc, _ := New("shared-secret", "")
	other, _ := New("different-secret", "")
	raw, _ := other.Mint("alice@example.com", noSalt)
	if _, err := svc.Verify(raw, noSalt); err != ErrInvalid {
		t.Errorf("Verify with mismatched secret = %v, want ErrInvalid", err)
	}
}

func TestVerifyRevokedBySaltMismatch(t *testing.T) {
	svc, _ := New("shared-secret", "")
	mintSalt := func(string) (string, bool) { return "old", true }
	raw, err := svc.Mint("alice@example.com", mintSalt)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	verifySalt := func(string) (string, bool) { return "new", true }
	if _, err := svc.Verify(raw, verifySalt); err != ErrRevoked {
		t.Errorf("Verify after salt rotation = %v, want ErrRevoked", err)
	}
}

func TestVerifyAcceptsMatchingSalt(t *testing.T) {
	svc, _ := New("shared-secret", "")
	salt := func(string) (string, bool) { return "v1", true }
	raw, _ := svc.Mint("alice@example.com", salt)
	if _, err := svc.Verify(raw, salt); err != nil {
		t.Errorf("Verify with matching salt: %v", err)
	}
}

func TestIsNativeKey(t *testing.T) {
	cases := []struct {
		key          string
		wantProvider string
		wantOK       bool
	}{
		{"sk-or-abc123", "openrouter", true},
		{"sk-abc123", "openai", true},
		{"AIzaSyAbc", "gemini", true},
		{"not-a-key", "", false},
	}
	for _, tc := range cases {
		provider, ok := IsNativeKey(tc.key)
		if provider != tc.wantProvider || ok != tc.wantOK {
			t.Errorf("IsNativeKey(%q) = (%q, %v), want (%q, %v)", tc.key, provider, ok, tc.wantProvider, tc.wantOK)
		}
	}
}

func TestBearerToken(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer abc.def.ghi")
	if got := BearerToken(h); got != "abc.def.ghi" {
		t.Errorf("BearerToken = %q", got)
	}
	h.Set("Authorization", "abc.def.ghi")
	if got := BearerToken(h); got != "" {
		t.Errorf("BearerToken without Bearer prefix = %q, want empty", got)
	}
}
