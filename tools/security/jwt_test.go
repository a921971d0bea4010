package security

import (
	"testing"
	"time"
)

func TestGenerateVerify(t *testing.T) {
	opts := DefaultOptions([]byte("test-secret"))
	tok, exp, err := Generate(opts, "ops", []string{"bindings:write"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expiry in the past")
	}
	claims, err := Verify(opts, tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "ops" || !claims.HasScope("bindings:write") || claims.HasScope("policy:write") {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestVerifyRejects(t *testing.T) {
	opts := DefaultOptions([]byte("a"))
	tok, _, err := Generate(opts, "ops", nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := Verify(DefaultOptions([]byte("b")), tok); err == nil {
		t.Fatalf("wrong secret accepted")
	}

	other := opts
	other.Alg = "HS512"
	if _, err := Verify(other, tok); err == nil {
		t.Fatalf("alg mismatch accepted")
	}

	foreign := opts
	foreign.Issuer = "someone-else"
	if _, err := Verify(foreign, tok); err == nil {
		t.Fatalf("issuer mismatch accepted")
	}

	if _, _, err := Generate(Options{}, "ops", nil); err == nil {
		t.Fatalf("empty secret accepted")
	}
}
