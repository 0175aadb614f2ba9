package infra

import (
	"context"
	"testing"
	"time"
)

func TestJWTVerifier(t *testing.T) {
	v, err := NewJWTVerifier("s3cret")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	raw, err := SignToken("s3cret", "driver-9", "driver", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	tok, err := v.VerifyIDToken(context.Background(), raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if tok.UID != "driver-9" || tok.Claims["role"] != "driver" {
		t.Fatalf("unexpected token: %+v", tok)
	}

	cases := map[string]string{
		"wrong secret": mustSign(t, "other", "driver-9", time.Minute),
		"expired":      mustSign(t, "s3cret", "driver-9", -time.Minute),
		"no subject":   mustSign(t, "s3cret", "", time.Minute),
		"garbage":      "not.a.token",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := v.VerifyIDToken(context.Background(), raw); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := NewJWTVerifier(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func mustSign(t *testing.T, secret, uid string, ttl time.Duration) string {
	t.Helper()
	raw, err := SignToken(secret, uid, "", ttl)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}
